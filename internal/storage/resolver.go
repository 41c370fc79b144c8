package storage

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/host"
)

// providerPrefix marks a destination naming a cloud provider, as in
// "provider:gdrive". A bare name that matches a configured provider works too.
const providerPrefix = "provider:"

// Resolver maps a backup destination string to a Transfer: a configured
// provider name selects the HTTP transfer with that provider's stored token,
// anything else is a local directory.
type Resolver struct {
	providers map[string]string // name -> base URL
	settings  host.SettingsStore
	client    *http.Client
}

// NewResolver returns a Resolver. settings holds the cloudTokens map.
func NewResolver(providers map[string]string, settings host.SettingsStore) *Resolver {
	p := make(map[string]string, len(providers))
	for k, v := range providers {
		p[strings.ToLower(k)] = v
	}
	return &Resolver{providers: p, settings: settings, client: &http.Client{}}
}

// Providers returns the configured provider names, sorted.
func (r *Resolver) Providers() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Provider reports the provider named by destination, if any.
func (r *Resolver) Provider(destination string) (string, bool) {
	name := strings.ToLower(strings.TrimSpace(destination))
	explicit := strings.HasPrefix(name, providerPrefix)
	name = strings.TrimPrefix(name, providerPrefix)
	if _, ok := r.providers[name]; ok {
		return name, true
	}
	return name, explicit
}

// Resolve returns the transfer for destination. A local directory is
// created when missing. A provider without a stored token is a
// configuration error.
func (r *Resolver) Resolve(ctx context.Context, destination string) (Transfer, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, &apperr.ConfigurationError{Field: "folderPathOrProvider", Reason: "destination is required"}
	}

	if name, ok := r.Provider(destination); ok {
		base, token, err := r.connected(ctx, name)
		if err != nil {
			return nil, err
		}
		return NewHTTP(name, base, token, WithHTTPClient(r.client)), nil
	}

	dir := filepath.Clean(destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &apperr.TransferError{Op: "open", Path: dir, Err: err}
	}
	fs, err := NewFS(dir)
	if err != nil {
		return nil, &apperr.TransferError{Op: "open", Path: dir, Err: err}
	}
	return fs, nil
}

// Check reports the configuration error Resolve would return for
// destination without touching the filesystem. Local directories always
// pass; a provider must be configured and connected.
func (r *Resolver) Check(ctx context.Context, destination string) error {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return &apperr.ConfigurationError{Field: "folderPathOrProvider", Reason: "destination is required"}
	}
	if name, ok := r.Provider(destination); ok {
		_, _, err := r.connected(ctx, name)
		return err
	}
	return nil
}

// connected returns the base URL and stored token of provider name.
func (r *Resolver) connected(ctx context.Context, name string) (string, string, error) {
	base, known := r.providers[name]
	if !known {
		return "", "", &apperr.ConfigurationError{Field: "folderPathOrProvider", Reason: fmt.Sprintf("unknown provider %q", name)}
	}
	tokens, err := LoadTokens(ctx, r.settings)
	if err != nil {
		return "", "", err
	}
	token := tokens[name]
	if token == "" {
		return "", "", &apperr.ConfigurationError{Field: "cloudTokens", Reason: fmt.Sprintf("provider %q is not connected; connect it first", name)}
	}
	return base, token, nil
}

// LoadTokens returns the stored provider tokens. The values are opaque.
func LoadTokens(ctx context.Context, settings host.SettingsStore) (map[string]string, error) {
	tokens := map[string]string{}
	if settings == nil {
		return tokens, nil
	}
	if _, err := host.GetJSON(ctx, settings, host.KeyCloudTokens, &tokens); err != nil {
		return nil, fmt.Errorf("storage: load cloud tokens: %w", err)
	}
	return tokens, nil
}

// SaveToken stores token for provider, replacing any previous one.
func SaveToken(ctx context.Context, settings host.SettingsStore, provider, token string) error {
	tokens, err := LoadTokens(ctx, settings)
	if err != nil {
		return err
	}
	tokens[strings.ToLower(provider)] = token
	if err := settings.Set(ctx, map[string]any{host.KeyCloudTokens: tokens}); err != nil {
		return fmt.Errorf("storage: save cloud token: %w", err)
	}
	return nil
}

// DeleteToken forgets provider's token. It is not an error if none is stored.
func DeleteToken(ctx context.Context, settings host.SettingsStore, provider string) error {
	tokens, err := LoadTokens(ctx, settings)
	if err != nil {
		return err
	}
	delete(tokens, strings.ToLower(provider))
	if err := settings.Set(ctx, map[string]any{host.KeyCloudTokens: tokens}); err != nil {
		return fmt.Errorf("storage: delete cloud token: %w", err)
	}
	return nil
}
