package normalize

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/starford/histkeep/internal/models"
)

// CSV columns written by Encode. Files without the leading Type column are
// read as history rows starting at column 0.
var csvHeader = []string{"Type", "Title", "URL", "Last Visit Time", "Visit Count", "Folder Path"}

const (
	csvTypeHistory  = "History"
	csvTypeBookmark = "Bookmark"
	csvRootSegment  = "Root"
)

type csvRow struct {
	line   int
	fields []string
	err    error
}

func parseCSV(raw []byte) (*document, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &document{history: func(func(models.HistoryRecord, error) bool) {}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("normalize: read csv header: %w", err)
	}
	typed := len(header) > 0 && strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(header[0], "\ufeff")), "Type")

	var rows []csvRow
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			rows = append(rows, csvRow{line: pe.Line, err: pe})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("normalize: read csv: %w", err)
		}
		line := 0
		if len(fields) > 0 {
			line, _ = r.FieldPos(0)
		}
		rows = append(rows, csvRow{line: line, fields: fields})
	}

	doc := &document{}
	for _, row := range rows {
		if !typed || row.err != nil || (len(row.fields) > 0 && row.fields[0] == csvTypeHistory) {
			doc.rows++
		}
	}
	doc.history = func(yield func(models.HistoryRecord, error) bool) {
		for i, row := range rows {
			if row.err != nil {
				if !yield(models.HistoryRecord{}, malformed("csv", i, "line %d: %v", row.line, row.err)) {
					return
				}
				continue
			}
			cols := row.fields
			if typed {
				if len(cols) == 0 || cols[0] != csvTypeHistory {
					continue
				}
				cols = cols[1:]
			}
			rec, err := historyFromColumns(i, row.line, cols)
			if !yield(rec, err) {
				return
			}
		}
	}

	if typed {
		doc.bookmarks, doc.bookmarkErrs = bookmarksFromRows(rows)
	}
	return doc, nil
}

func historyFromColumns(i, line int, cols []string) (models.HistoryRecord, error) {
	if len(cols) < 4 {
		return models.HistoryRecord{}, malformed("csv", i, "line %d: expected 4 columns, got %d", line, len(cols))
	}
	url := strings.TrimSpace(cols[1])
	if url == "" {
		return models.HistoryRecord{}, malformed("csv", i, "line %d: url is required", line)
	}
	visited, ok := parseVisitTime(cols[2])
	if !ok {
		return models.HistoryRecord{}, malformed("csv", i, "line %d: unparseable last visit %q", line, cols[2])
	}
	count, ok := parseCount(cols[3])
	if !ok {
		return models.HistoryRecord{}, malformed("csv", i, "line %d: visit count %q out of range", line, strings.TrimSpace(cols[3]))
	}
	return models.HistoryRecord{
		URL:           url,
		Title:         cols[0],
		LastVisitTime: visited,
		VisitCount:    count,
	}, nil
}

// bookmarksFromRows rebuilds a folder tree from Bookmark rows. The leading
// "Root" path segment names the untitled container and is dropped; the
// remaining segments become folders found or created by title.
func bookmarksFromRows(rows []csvRow) ([]*models.BookmarkNode, []error) {
	root := models.NewFolder("")
	var errs []error
	seen := false

	for i, row := range rows {
		if row.err != nil || len(row.fields) == 0 || row.fields[0] != csvTypeBookmark {
			continue
		}
		cols := row.fields[1:]
		if len(cols) < 2 || strings.TrimSpace(cols[1]) == "" {
			errs = append(errs, malformed("csv", i, "line %d: bookmark without url", row.line))
			continue
		}
		seen = true

		parent := root
		if len(cols) >= 5 {
			segments := strings.Split(cols[4], "/")
			if len(segments) > 0 && segments[0] == csvRootSegment {
				segments = segments[1:]
			}
			for _, seg := range segments {
				if seg == "" {
					continue
				}
				parent = childFolder(parent, seg)
			}
		}
		parent.Children = append(parent.Children, models.NewLeaf(cols[0], strings.TrimSpace(cols[1])))
	}

	if !seen {
		return nil, errs
	}
	return []*models.BookmarkNode{root}, errs
}

func childFolder(parent *models.BookmarkNode, title string) *models.BookmarkNode {
	for _, c := range parent.Children {
		if c.IsFolder() && c.Title == title {
			return c
		}
	}
	f := models.NewFolder(title)
	parent.Children = append(parent.Children, f)
	return f
}
