package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/starford/histkeep/internal/apperr"
)

// HTTP implements Transfer against a cloud provider's file endpoint:
//
//	PUT    {base}/files/{path}   store
//	GET    {base}/files/{path}   fetch
//	DELETE {base}/files/{path}   remove
//	GET    {base}/files?dir=...  list, JSON array of Entry
//
// The provider token is sent as a bearer credential and never inspected.
type HTTP struct {
	provider string
	base     string
	token    string
	client   *http.Client
}

// HTTPOption configures an HTTP transfer.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.client = c }
}

// NewHTTP returns a transfer for provider rooted at baseURL.
func NewHTTP(provider, baseURL, token string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		provider: provider,
		base:     strings.TrimRight(baseURL, "/"),
		token:    token,
		client:   &http.Client{},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *HTTP) fileURL(path string) string {
	return h.base + "/files/" + strings.TrimLeft(path, "/")
}

func (h *HTTP) do(ctx context.Context, op, method, target, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, &apperr.TransferError{Op: op, Path: h.provider + ":" + path, Err: err}
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &apperr.TransferError{Op: op, Path: h.provider + ":" + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperr.TransferError{Op: op, Path: h.provider + ":" + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode == http.StatusNotFound {
			err = fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
		}
		return nil, &apperr.TransferError{Op: op, Path: h.provider + ":" + path, Err: err}
	}
	return data, nil
}

// Write uploads data to path.
func (h *HTTP) Write(ctx context.Context, path string, data []byte) error {
	_, err := h.do(ctx, "write", http.MethodPut, h.fileURL(path), path, data)
	return err
}

// Read downloads path.
func (h *HTTP) Read(ctx context.Context, path string) ([]byte, error) {
	return h.do(ctx, "read", http.MethodGet, h.fileURL(path), path, nil)
}

// Delete removes path.
func (h *HTTP) Delete(ctx context.Context, path string) error {
	_, err := h.do(ctx, "delete", http.MethodDelete, h.fileURL(path), path, nil)
	return err
}

// List returns the provider's entries under dir.
func (h *HTTP) List(ctx context.Context, dir string) ([]Entry, error) {
	target := h.base + "/files?dir=" + url.QueryEscape(dir)
	data, err := h.do(ctx, "list", http.MethodGet, target, dir, nil)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &apperr.TransferError{Op: "list", Path: h.provider + ":" + dir, Err: fmt.Errorf("decode listing: %w", err)}
	}
	return entries, nil
}
