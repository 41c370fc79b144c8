package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/starford/histkeep/internal/models"
)

type jsonDataset struct {
	ExportDate string            `json:"exportDate"`
	Version    string            `json:"version"`
	History    []json.RawMessage `json:"history"`
	Bookmarks  []json.RawMessage `json:"bookmarks"`
}

// jsonHistory uses pointers so missing fields can be told apart from zero.
// Timestamps are floats because hosts export fractional milliseconds.
type jsonHistory struct {
	URL           *string  `json:"url"`
	Title         string   `json:"title"`
	VisitCount    *float64 `json:"visitCount"`
	LastVisitTime *float64 `json:"lastVisitTime"`
	TypedCount    *float64 `json:"typedCount"`
}

type jsonBookmark struct {
	ID           string            `json:"id"`
	ParentID     string            `json:"parentId"`
	Title        string            `json:"title"`
	URL          string            `json:"url"`
	Children     []json.RawMessage `json:"children"`
	DateAdded    float64           `json:"dateAdded"`
	Unmodifiable string            `json:"unmodifiable"`
}

func parseJSON(raw []byte) (*document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("normalize: empty json document")
	}

	var ds jsonDataset
	if trimmed[0] == '[' {
		// A bare array is a history-only export.
		if err := json.Unmarshal(trimmed, &ds.History); err != nil {
			return nil, fmt.Errorf("normalize: parse json: %w", err)
		}
	} else if err := json.Unmarshal(trimmed, &ds); err != nil {
		return nil, fmt.Errorf("normalize: parse json: %w", err)
	}

	doc := &document{version: ds.Version, rows: len(ds.History)}
	if ds.ExportDate != "" {
		if t, err := time.Parse(time.RFC3339Nano, ds.ExportDate); err == nil {
			doc.exportDate = t
		}
	}

	rows := ds.History
	doc.history = func(yield func(models.HistoryRecord, error) bool) {
		for i, row := range rows {
			rec, err := historyFromJSON(i, row)
			if !yield(rec, err) {
				return
			}
		}
	}

	counter := 0
	for _, rawNode := range ds.Bookmarks {
		if n := bookmarkFromJSON(rawNode, &counter, &doc.bookmarkErrs); n != nil {
			doc.bookmarks = append(doc.bookmarks, n)
		}
	}
	return doc, nil
}

func historyFromJSON(i int, row json.RawMessage) (models.HistoryRecord, error) {
	var h jsonHistory
	if err := json.Unmarshal(row, &h); err != nil {
		return models.HistoryRecord{}, malformed("json", i, "%v", err)
	}
	if h.URL == nil || *h.URL == "" {
		return models.HistoryRecord{}, malformed("json", i, "url is required")
	}
	if h.LastVisitTime == nil {
		return models.HistoryRecord{}, malformed("json", i, "lastVisitTime is required for %s", *h.URL)
	}
	visited, ok := toInt64(*h.LastVisitTime)
	if !ok {
		return models.HistoryRecord{}, malformed("json", i, "lastVisitTime out of range for %s", *h.URL)
	}
	rec := models.HistoryRecord{
		URL:           *h.URL,
		Title:         h.Title,
		LastVisitTime: visited,
	}
	var err error
	if rec.VisitCount, err = countFromJSON(i, "visitCount", rec.URL, h.VisitCount); err != nil {
		return models.HistoryRecord{}, err
	}
	if rec.TypedCount, err = countFromJSON(i, "typedCount", rec.URL, h.TypedCount); err != nil {
		return models.HistoryRecord{}, err
	}
	return rec, nil
}

func countFromJSON(i int, field, url string, v *float64) (int, error) {
	if v == nil {
		return 0, nil
	}
	if *v < 0 {
		return 0, malformed("json", i, "negative %s for %s", field, url)
	}
	n, ok := toInt64(*v)
	if !ok || n > math.MaxInt32 {
		return 0, malformed("json", i, "%s out of range for %s", field, url)
	}
	return int(n), nil
}

// bookmarkFromJSON decodes one node and its subtree. Invalid nodes are
// dropped with their subtree and reported; counter numbers nodes in
// depth-first order for error messages.
func bookmarkFromJSON(raw json.RawMessage, counter *int, errs *[]error) *models.BookmarkNode {
	idx := *counter
	*counter++

	var b jsonBookmark
	if err := json.Unmarshal(raw, &b); err != nil {
		*errs = append(*errs, malformed("json", idx, "bookmark: %v", err))
		return nil
	}
	added, ok := toInt64(b.DateAdded)
	if !ok {
		*errs = append(*errs, malformed("json", idx, "bookmark %q: dateAdded out of range", b.Title))
		return nil
	}
	n := &models.BookmarkNode{
		ID:           b.ID,
		ParentID:     b.ParentID,
		Title:        b.Title,
		URL:          b.URL,
		DateAdded:    added,
		Unmodifiable: b.Unmodifiable,
	}
	if b.Children != nil {
		n.Children = make([]*models.BookmarkNode, 0, len(b.Children))
		for _, c := range b.Children {
			if child := bookmarkFromJSON(c, counter, errs); child != nil {
				n.Children = append(n.Children, child)
			}
		}
	}
	if !n.Valid() {
		*errs = append(*errs, malformed("json", idx, "bookmark %q must have exactly one of url or children", b.Title))
		return nil
	}
	return n
}
