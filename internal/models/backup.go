package models

import "time"

// Frequency selects how often automatic backups run.
type Frequency string

const (
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyDisabled Frequency = "disabled"
)

// Frequencies lists every accepted frequency value.
var Frequencies = []Frequency{
	FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyDisabled,
}

// periodMinutes maps a frequency to its recurring timer period.
// Monthly is a fixed 30 days, not a calendar month.
var periodMinutes = map[Frequency]int{
	FrequencyHourly:  60,
	FrequencyDaily:   1440,
	FrequencyWeekly:  10080,
	FrequencyMonthly: 43200,
}

// PeriodMinutes returns the timer period for f and false for disabled or
// unknown values.
func (f Frequency) PeriodMinutes() (int, bool) {
	m, ok := periodMinutes[f]
	return m, ok
}

// Mode controls how an import treats existing host state.
type Mode string

const (
	ModeMerge   Mode = "merge"
	ModeReplace Mode = "replace"
)

// ParseMode returns the mode for s, defaulting to merge.
func ParseMode(s string) Mode {
	if Mode(s) == ModeReplace {
		return ModeReplace
	}
	return ModeMerge
}

// Format is a file serialization of a Dataset.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatCSV  Format = "csv"
)

// Ext returns the file extension for f, including the dot.
func (f Format) Ext() string { return "." + string(f) }

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "application/json"
	}
}

// BackupSettings are the persisted automatic-backup preferences.
type BackupSettings struct {
	Enabled          bool      `json:"enabled"`
	Frequency        Frequency `json:"frequency"`
	Destination      string    `json:"folderPathOrProvider"`
	MaxBackups       int       `json:"maxBackups"`
	IncludeHistory   bool      `json:"includeHistory"`
	IncludeBookmarks bool      `json:"includeBookmarks"`
}

// DefaultBackupSettings is what a fresh install reads before anything is saved.
func DefaultBackupSettings() BackupSettings {
	return BackupSettings{
		Enabled:          false,
		Frequency:        FrequencyDisabled,
		MaxBackups:       10,
		IncludeHistory:   true,
		IncludeBookmarks: true,
	}
}

// Artifact is one backup file tracked for retention.
type Artifact struct {
	Name        string    `json:"name"`
	Destination string    `json:"destination"`
	CreatedAt   time.Time `json:"createdAt"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
}

// BackupRunResult summarizes one import or backup run.
type BackupRunResult struct {
	HistoryAdded      int      `json:"historyAdded"`
	HistoryUpdated    int      `json:"historyUpdated"`
	HistorySkipped    int      `json:"historySkipped"`
	BookmarksImported int      `json:"bookmarksImported"`
	Errors            []string `json:"errors"`
	Warnings          []string `json:"warnings,omitempty"`
	Failed            bool     `json:"failed"` // set by Finish

	HistoryExported   int       `json:"historyExported,omitempty"`
	BookmarksExported int       `json:"bookmarksExported,omitempty"`
	Artifact          *Artifact `json:"artifact,omitempty"`
	Pruned            []string  `json:"pruned,omitempty"`
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"finishedAt"`
}

// NewRunResult returns an empty result stamped with the start time.
func NewRunResult(now time.Time) *BackupRunResult {
	return &BackupRunResult{Errors: []string{}, StartedAt: now}
}

// AddError appends err to the error list.
func (r *BackupRunResult) AddError(err error) {
	r.Errors = append(r.Errors, err.Error())
}

// Succeeded returns the number of items the run actually applied or wrote.
func (r *BackupRunResult) Succeeded() int {
	n := r.HistoryAdded + r.HistoryUpdated + r.BookmarksImported
	if r.Artifact != nil {
		n += r.HistoryExported + r.BookmarksExported + 1
	}
	return n
}

// Finish stamps the end time and marks a run where nothing succeeded and at
// least one error occurred as failed.
func (r *BackupRunResult) Finish(now time.Time) {
	r.FinishedAt = now
	r.Failed = len(r.Errors) > 0 && r.Succeeded() == 0
}
