// Package pipeline runs imports into and exports out of the host stores.
//
// A Service admits at most one run at a time: a second Import or Export
// while one is active fails with apperr.ErrRunInProgress instead of queueing,
// since both would read the same history snapshot and touch the same
// persisted counters.
package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/bookmarks"
	"github.com/starford/histkeep/internal/host"
)

// Service sequences history and bookmark reconciliation.
type Service struct {
	history    host.HistoryStore
	bookmarks  host.BookmarkStore
	reconciler *bookmarks.Reconciler
	logger     *slog.Logger
	now        func() time.Time
	target     string

	run sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBookmarkTarget sets the folder id imported bookmarks are created
// under. The default is the bookmarks bar.
func WithBookmarkTarget(id string) Option {
	return func(s *Service) { s.target = id }
}

// NewService returns a Service over the given host stores.
func NewService(history host.HistoryStore, bm host.BookmarkStore, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		history:    history,
		bookmarks:  bm,
		reconciler: bookmarks.NewReconciler(bm, logger),
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithRunLock runs fn while holding the single run slot. It returns
// apperr.ErrRunInProgress without calling fn when another run is active.
func (s *Service) WithRunLock(fn func() error) error {
	if !s.run.TryLock() {
		return apperr.ErrRunInProgress
	}
	defer s.run.Unlock()
	return fn()
}

// Progress is one step of a run's progress report.
type Progress struct {
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// ProgressFunc receives progress updates. It is called synchronously from
// the run and must not block.
type ProgressFunc func(Progress)

// Phase names reported in Progress.
const (
	PhaseStart     = "start"
	PhaseHistory   = "history"
	PhaseBookmarks = "bookmarks"
	PhaseExport    = "export"
	PhaseDone      = "done"
)

// reportEvery is how many processed items pass between progress reports.
const reportEvery = 100

// tracker forwards progress and never lets the percentage go backwards.
type tracker struct {
	fn   ProgressFunc
	last int
}

func (t *tracker) report(phase string, pct int, msg string) {
	if t.fn == nil {
		return
	}
	pct = max(pct, t.last)
	pct = min(pct, 100)
	t.last = pct
	t.fn(Progress{Phase: phase, Percent: pct, Message: msg})
}

// span maps done/total onto [from, to). An unknown total stays at from.
func span(from, to, done, total int) int {
	if total <= 0 {
		return from
	}
	if done >= total {
		return to
	}
	return from + (to-from)*done/total
}
