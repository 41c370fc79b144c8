// Package models defines the domain types for histkeep.
package models

import "time"

// HistoryRecord is the canonical shape of one browsing-history entry.
// URL is the unique key.
type HistoryRecord struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	VisitCount    int    `json:"visitCount"`
	LastVisitTime int64  `json:"lastVisitTime"` // epoch milliseconds
	TypedCount    int    `json:"typedCount"`
}

// LastVisit returns LastVisitTime as a time.Time.
func (r HistoryRecord) LastVisit() time.Time {
	return time.UnixMilli(r.LastVisitTime)
}
