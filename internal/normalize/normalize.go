// Package normalize converts export files (JSON, HTML, CSV) into canonical
// history records and bookmark trees, and encodes datasets back into those
// formats.
//
// Parse failures are per record: a bad row is reported as an
// *apperr.MalformedRecordError and the rest of the batch continues. Only a
// source that cannot be read at all is fatal.
package normalize

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/models"
)

// ErrConsumed is yielded when a history sequence is iterated a second time.
var ErrConsumed = errors.New("normalize: history sequence already consumed")

// document is a tokenized source: history rows are converted lazily, the
// bookmark forest eagerly.
type document struct {
	exportDate   time.Time
	version      string
	history      iter.Seq2[models.HistoryRecord, error]
	rows         int // history rows, malformed ones included
	bookmarks    []*models.BookmarkNode
	bookmarkErrs []error
}

func parse(raw []byte, format models.Format) (*document, error) {
	switch format {
	case models.FormatJSON:
		return parseJSON(raw)
	case models.FormatHTML:
		return parseHTML(raw)
	case models.FormatCSV:
		return parseCSV(raw)
	default:
		return nil, fmt.Errorf("normalize: unsupported format %q", format)
	}
}

// History returns a lazy, single-use sequence of the history records in raw.
// Each element is either a record or a *apperr.MalformedRecordError for a row
// that was skipped. If the source cannot be parsed the sequence yields the
// fatal error once and stops.
func History(raw []byte, format models.Format) iter.Seq2[models.HistoryRecord, error] {
	var used atomic.Bool
	return func(yield func(models.HistoryRecord, error) bool) {
		if used.Swap(true) {
			yield(models.HistoryRecord{}, ErrConsumed)
			return
		}
		doc, err := parse(raw, format)
		if err != nil {
			yield(models.HistoryRecord{}, err)
			return
		}
		for rec, err := range doc.history {
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Source is a parsed export whose history rows are converted lazily.
type Source struct {
	ExportDate     time.Time
	Version        string
	Rows           int // history rows in the source, malformed ones included
	Bookmarks      []*models.BookmarkNode
	BookmarkErrors []error

	history iter.Seq2[models.HistoryRecord, error]
	used    atomic.Bool
}

// Open parses raw eagerly enough to fail fast on an unreadable source. The
// history sequence is still converted row by row as it is consumed.
func Open(raw []byte, format models.Format) (*Source, error) {
	doc, err := parse(raw, format)
	if err != nil {
		return nil, err
	}
	return &Source{
		ExportDate:     doc.exportDate,
		Version:        doc.version,
		Rows:           doc.rows,
		Bookmarks:      doc.bookmarks,
		BookmarkErrors: doc.bookmarkErrs,
		history:        doc.history,
	}, nil
}

// History returns the single-use history sequence of s.
func (s *Source) History() iter.Seq2[models.HistoryRecord, error] {
	return func(yield func(models.HistoryRecord, error) bool) {
		if s.used.Swap(true) {
			yield(models.HistoryRecord{}, ErrConsumed)
			return
		}
		for rec, err := range s.history {
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Decode parses raw into a Dataset. Malformed rows and nodes are dropped and
// returned in the second value; the error is non-nil only when nothing could
// be parsed.
func Decode(raw []byte, format models.Format) (*models.Dataset, []error, error) {
	doc, err := parse(raw, format)
	if err != nil {
		return nil, nil, err
	}

	ds := &models.Dataset{
		ExportDate: doc.exportDate,
		Version:    doc.version,
		History:    []models.HistoryRecord{},
		Bookmarks:  doc.bookmarks,
	}
	var skipped []error
	for rec, err := range doc.history {
		if err != nil {
			if !errors.Is(err, apperr.ErrMalformedRecord) {
				return nil, nil, err
			}
			skipped = append(skipped, err)
			continue
		}
		ds.History = append(ds.History, rec)
	}
	skipped = append(skipped, doc.bookmarkErrs...)
	if ds.Bookmarks == nil {
		ds.Bookmarks = []*models.BookmarkNode{}
	}
	return ds, skipped, nil
}

// DetectFormat picks a format from a file name's extension.
func DetectFormat(name string) (models.Format, error) {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")) {
	case "json":
		return models.FormatJSON, nil
	case "html", "htm":
		return models.FormatHTML, nil
	case "csv":
		return models.FormatCSV, nil
	default:
		return "", fmt.Errorf("normalize: cannot detect format of %q", name)
	}
}

// ParseFormat validates a format name.
func ParseFormat(s string) (models.Format, error) {
	switch f := models.Format(strings.ToLower(s)); f {
	case models.FormatJSON, models.FormatHTML, models.FormatCSV:
		return f, nil
	case "":
		return models.FormatJSON, nil
	default:
		return "", fmt.Errorf("normalize: unknown format %q", s)
	}
}

func malformed(source string, index int, format string, args ...any) error {
	return &apperr.MalformedRecordError{Source: source, Index: index, Reason: fmt.Sprintf(format, args...)}
}

// timeLayouts are accepted for textual visit times. The last one matches the
// en-US locale string older exports used.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"1/2/2006, 3:04:05 PM",
}

// parseVisitTime accepts epoch milliseconds or one of timeLayouts.
func parseVisitTime(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return toInt64(ms)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// parseCount parses a visit count. Text that is not a number falls back to
// 1 like the exports always did; a number that does not fit is rejected.
func parseCount(s string) (int, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 1, true
	}
	n, ok := toInt64(f)
	if err != nil || !ok || n > math.MaxInt32 {
		return 0, false
	}
	if n < 0 {
		return 1, true
	}
	return int(n), true
}

// toInt64 truncates f, rejecting NaN and values outside the int64 range.
func toInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
