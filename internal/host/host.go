// Package host defines the browser-side collaborators the import, export and
// backup pipelines depend on. Implementations live elsewhere (hoststore for
// the standalone SQLite host, fakes in tests).
package host

import (
	"context"
	"encoding/json"

	"github.com/starford/histkeep/internal/models"
)

// Query selects history records. Zero StartTime and EndTime mean unbounded;
// MaxResults <= 0 means no limit.
type Query struct {
	Text       string
	StartTime  int64 // epoch ms, inclusive
	EndTime    int64 // epoch ms, inclusive
	MaxResults int
}

// HistoryStore is the host's browsing history. There is no in-place update:
// callers replace a record with Delete followed by Add.
type HistoryStore interface {
	Search(ctx context.Context, q Query) ([]models.HistoryRecord, error)
	Add(ctx context.Context, rec models.HistoryRecord) error
	Delete(ctx context.Context, url string) error
}

// BookmarkStore is the host's bookmark tree. It is mutated only through
// Create and Remove, never replaced wholesale.
type BookmarkStore interface {
	// Tree returns the whole tree rooted at models.RootID.
	Tree(ctx context.Context) (*models.BookmarkNode, error)
	// Create attaches node (folder or leaf, children ignored) under parentID
	// and returns the new node id.
	Create(ctx context.Context, parentID string, node *models.BookmarkNode) (string, error)
	// Remove deletes an empty folder or a leaf.
	Remove(ctx context.Context, id string) error
}

// SettingsStore is async key-value persistence that survives restarts.
// Values are JSON documents.
type SettingsStore interface {
	Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error)
	Set(ctx context.Context, values map[string]any) error
}

// Timer is the recurring-alarm primitive. Fired delivers the name of each
// timer as it fires.
type Timer interface {
	CreateRecurring(name string, periodMinutes int) error
	Clear(name string) error
	Fired() <-chan string
}

// Persisted settings keys.
const (
	KeyAutoBackupSettings = "autoBackupSettings"
	KeyLastBackupTime     = "lastBackupTime"
	KeyBackupsCount       = "backupsCount"
	KeyCloudTokens        = "cloudTokens"
	KeyBackupArtifacts    = "backupArtifacts"
	KeyLastRunSummary     = "lastRunSummary"
)

// GetJSON reads one key into dst. It reports false when the key is absent.
func GetJSON(ctx context.Context, s SettingsStore, key string, dst any) (bool, error) {
	vals, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	raw, ok := vals[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, err
	}
	return true, nil
}
