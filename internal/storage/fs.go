package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/checksum"
)

// tmpPrefix marks in-flight writes; List skips them.
const tmpPrefix = ".histkeep-tmp-"

// FS implements Transfer backed by a local directory.
type FS struct {
	root string // absolute path to the destination directory
}

// NewFS creates a new FS transfer rooted at the given directory.
// The directory must already exist.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute destination directory.
func (f *FS) Root() string { return f.root }

// safePath resolves a relative path against the root and rejects any
// result that escapes it.
func (f *FS) safePath(rel string) (string, error) {
	if rel == "" {
		return f.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("absolute paths not allowed: %s", rel)
	}
	abs, err := filepath.Abs(filepath.Join(f.root, cleaned))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("path escapes destination root: %s", rel)
	}
	return abs, nil
}

func transferErr(op, path string, err error) error {
	return &apperr.TransferError{Op: op, Path: path, Err: err}
}

// List returns the regular files directly under dir, oldest first.
func (f *FS) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, transferErr("list", dir, err)
	}
	base, err := f.safePath(dir)
	if err != nil {
		return nil, transferErr("list", dir, err)
	}
	dirents, err := os.ReadDir(base)
	if err != nil {
		return nil, transferErr("list", dir, err)
	}

	out := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			return nil, transferErr("list", dir, err)
		}
		data, err := os.ReadFile(filepath.Join(base, d.Name()))
		if err != nil {
			return nil, transferErr("list", dir, err)
		}
		out = append(out, Entry{
			Name:     filepath.ToSlash(filepath.Join(dir, d.Name())),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
			Checksum: checksum.Sum(data),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime.Before(out[j].ModTime)
	})
	return out, nil
}

// Read returns the raw bytes of a file.
func (f *FS) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, transferErr("read", path, err)
	}
	abs, err := f.safePath(path)
	if err != nil {
		return nil, transferErr("read", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, transferErr("read", path, err)
	}
	return data, nil
}

// Write atomically writes content: tmp file → fsync → rename.
func (f *FS) Write(ctx context.Context, path string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return transferErr("write", path, err)
	}
	abs, err := f.safePath(path)
	if err != nil {
		return transferErr("write", path, err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return transferErr("write", path, fmt.Errorf("mkdir: %w", err))
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return transferErr("write", path, fmt.Errorf("create temp: %w", err))
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return transferErr("write", path, fmt.Errorf("write temp: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return transferErr("write", path, fmt.Errorf("fsync: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return transferErr("write", path, fmt.Errorf("close temp: %w", err))
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return transferErr("write", path, fmt.Errorf("rename: %w", err))
	}
	success = true
	return nil
}

// Delete removes a file from the destination.
func (f *FS) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return transferErr("delete", path, err)
	}
	abs, err := f.safePath(path)
	if err != nil {
		return transferErr("delete", path, err)
	}
	if err := os.Remove(abs); err != nil {
		return transferErr("delete", path, err)
	}
	return nil
}
