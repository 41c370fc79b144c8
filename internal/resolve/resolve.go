// Package resolve decides how one incoming history record relates to the
// host's existing history and applies that decision.
//
// The decision is a pure function of the record and an index built once per
// run. Applying an Update is delete-then-add because the host history has no
// in-place update; the two calls are not atomic and an interruption between
// them loses the record until the next import re-adds it.
package resolve

import (
	"context"
	"errors"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/host"
	"github.com/starford/histkeep/internal/models"
)

// Decision is the outcome of Resolve.
type Decision int

const (
	Insert Decision = iota
	Update
	Skip
)

func (d Decision) String() string {
	switch d {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Skip:
		return "skip"
	default:
		return "unknown"
	}
}

// Index maps url to the last visit time (epoch ms) already known to the host.
type Index map[string]int64

// BuildIndex indexes records by url. When a url repeats, the newest visit wins.
func BuildIndex(records []models.HistoryRecord) Index {
	idx := make(Index, len(records))
	for _, r := range records {
		if cur, ok := idx[r.URL]; !ok || r.LastVisitTime > cur {
			idx[r.URL] = r.LastVisitTime
		}
	}
	return idx
}

// LoadIndex scans the whole host history and indexes it.
func LoadIndex(ctx context.Context, store host.HistoryStore) (Index, error) {
	recs, err := store.Search(ctx, host.Query{})
	if err != nil {
		return nil, &apperr.HostOperationError{Op: "history.search", Target: "*", Err: err}
	}
	return BuildIndex(recs), nil
}

// Resolve returns Insert for an unknown url, Update when rec is strictly
// newer than the indexed visit, and Skip otherwise. Ties keep the existing
// record.
func Resolve(rec models.HistoryRecord, idx Index) Decision {
	existing, ok := idx[rec.URL]
	switch {
	case !ok:
		return Insert
	case existing < rec.LastVisitTime:
		return Update
	default:
		return Skip
	}
}

// Record notes that rec is now present in the host so later records in the
// same run resolve against it.
func (idx Index) Record(rec models.HistoryRecord) {
	if cur, ok := idx[rec.URL]; !ok || rec.LastVisitTime > cur {
		idx[rec.URL] = rec.LastVisitTime
	}
}

// ErrRecordLost marks an Update whose delete succeeded but whose re-add
// failed, leaving the url absent from the host.
var ErrRecordLost = errors.New("record deleted but not re-added")

// Apply performs d against store. Skip is a no-op. Failures are returned as
// *apperr.HostOperationError; a lost record also matches ErrRecordLost.
func Apply(ctx context.Context, store host.HistoryStore, rec models.HistoryRecord, d Decision) error {
	switch d {
	case Insert:
		if err := store.Add(ctx, rec); err != nil {
			return &apperr.HostOperationError{Op: "history.add", Target: rec.URL, Err: err}
		}
	case Update:
		if err := store.Delete(ctx, rec.URL); err != nil {
			return &apperr.HostOperationError{Op: "history.delete", Target: rec.URL, Err: err}
		}
		if err := store.Add(ctx, rec); err != nil {
			return &apperr.HostOperationError{Op: "history.readd", Target: rec.URL, Err: errors.Join(ErrRecordLost, err)}
		}
	}
	return nil
}
