// Package apperr defines the error taxonomy shared by the import, export and
// backup pipelines.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRunInProgress = errors.New("a backup or import run is already in progress")
	ErrReservedNode  = errors.New("reserved bookmark node")

	ErrMalformedRecord = errors.New("malformed record")
	ErrHostOperation   = errors.New("host operation failed")
	ErrConfiguration   = errors.New("invalid configuration")
	ErrTransfer        = errors.New("transfer failed")

	// ErrUnreadableSource marks an import source that could not be parsed
	// at all. Nothing was applied.
	ErrUnreadableSource = errors.New("unreadable source")
)

// MalformedRecordError reports one row or node that could not be normalized.
// The surrounding batch continues.
type MalformedRecordError struct {
	Source string // "json", "html", "csv"
	Index  int    // zero-based row or node position in the source
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record #%d: %s", e.Source, e.Index, e.Reason)
}

func (e *MalformedRecordError) Is(target error) bool { return target == ErrMalformedRecord }

// HostOperationError reports a single failed call against the host stores.
type HostOperationError struct {
	Op     string // "history.add", "bookmarks.create", ...
	Target string // url, title or node id
	Err    error
}

func (e *HostOperationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Target, e.Err)
}

func (e *HostOperationError) Unwrap() error { return e.Err }

func (e *HostOperationError) Is(target error) bool { return target == ErrHostOperation }

// ConfigurationError is returned before any run starts when settings are unusable.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// TransferError wraps a failed read, write, list or delete against a destination.
type TransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }
