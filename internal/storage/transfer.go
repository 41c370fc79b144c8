// Package storage moves export files to and from backup destinations: a
// local directory or a cloud provider reached over HTTP. Callers select a
// destination through a Resolver and never special-case providers beyond
// that.
package storage

import (
	"context"
	"time"
)

// Entry describes one file at a destination.
type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`
	Checksum string    `json:"checksum,omitempty"`
}

// Transfer is the file interface of a backup destination. Paths are
// relative to the destination root. Failures are *apperr.TransferError.
type Transfer interface {
	// Write stores data at path, replacing any existing file.
	Write(ctx context.Context, path string, data []byte) error
	// Read returns the bytes stored at path.
	Read(ctx context.Context, path string) ([]byte, error)
	// List returns the files directly under dir.
	List(ctx context.Context, dir string) ([]Entry, error)
	// Delete removes the file at path.
	Delete(ctx context.Context, path string) error
}
