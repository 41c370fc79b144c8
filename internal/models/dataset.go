package models

import (
	"fmt"
	"time"
)

// DatasetVersion is written into every export.
const DatasetVersion = "2.0"

// Dataset is the canonical content of an export file regardless of format.
type Dataset struct {
	ExportDate time.Time       `json:"exportDate"`
	Version    string          `json:"version"`
	History    []HistoryRecord `json:"history"`
	Bookmarks  []*BookmarkNode `json:"bookmarks"`
}

// BookmarkCount returns the number of bookmark leaves in the dataset.
func (d *Dataset) BookmarkCount() int {
	n := 0
	for _, b := range d.Bookmarks {
		n += CountLeaves(b)
	}
	return n
}

// Period names a history time window offered by export.
type Period string

const (
	PeriodToday     Period = "today"
	PeriodYesterday Period = "yesterday"
	Period7Days     Period = "7days"
	Period30Days    Period = "30days"
	Period90Days    Period = "90days"
	PeriodAll       Period = "all"
	PeriodCustom    Period = "custom"
)

// Range returns the [start, end] window for p relative to now. For custom,
// start and end are taken from the arguments and end is extended to the end
// of its day.
func (p Period) Range(now, customStart, customEnd time.Time) (time.Time, time.Time, error) {
	startOfDay := func(t time.Time) time.Time {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}
	endOfDay := func(t time.Time) time.Time {
		return startOfDay(t).Add(24*time.Hour - time.Millisecond)
	}

	switch p {
	case PeriodToday:
		return startOfDay(now), now, nil
	case PeriodYesterday:
		y := now.AddDate(0, 0, -1)
		return startOfDay(y), endOfDay(y), nil
	case Period7Days:
		return now.AddDate(0, 0, -7), now, nil
	case Period30Days:
		return now.AddDate(0, 0, -30), now, nil
	case Period90Days:
		return now.AddDate(0, 0, -90), now, nil
	case PeriodAll, "":
		return time.UnixMilli(0), now, nil
	case PeriodCustom:
		if customStart.IsZero() || customEnd.IsZero() {
			return time.Time{}, time.Time{}, fmt.Errorf("custom period requires start and end")
		}
		if customEnd.Before(customStart) {
			return time.Time{}, time.Time{}, fmt.Errorf("custom period end precedes start")
		}
		return customStart, endOfDay(customEnd), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period %q", p)
	}
}
