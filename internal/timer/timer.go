// Package timer provides the recurring named timers the backup scheduler
// runs on, backed by robfig/cron.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron implements host.Timer. Each name owns at most one schedule;
// creating a name again replaces its schedule.
type Cron struct {
	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]cron.EntryID
	fired   chan string
	unit    time.Duration
	logger  *slog.Logger
}

// New starts a cron runner. Call Stop to release it.
func New(logger *slog.Logger) *Cron {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Cron{
		c:       cron.New(),
		entries: map[string]cron.EntryID{},
		fired:   make(chan string, 8),
		unit:    time.Minute,
		logger:  logger,
	}
	t.c.Start()
	return t
}

// CreateRecurring schedules name every periodMinutes, replacing any
// existing schedule with the same name.
func (t *Cron) CreateRecurring(name string, periodMinutes int) error {
	if periodMinutes <= 0 {
		return fmt.Errorf("timer: period must be positive, got %d", periodMinutes)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.entries[name]; ok {
		t.c.Remove(id)
	}
	every := time.Duration(periodMinutes) * t.unit
	t.entries[name] = t.c.Schedule(cron.Every(every), cron.FuncJob(func() {
		select {
		case t.fired <- name:
		default:
			// A previous fire is still pending; the run it triggers covers this one.
			t.logger.Warn("timer: fire dropped", slog.String("name", name))
		}
	}))
	t.logger.Info("timer: scheduled", slog.String("name", name), slog.String("every", every.String()))
	return nil
}

// Clear removes name's schedule. Clearing an unknown name is a no-op.
func (t *Cron) Clear(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.entries[name]; ok {
		t.c.Remove(id)
		delete(t.entries, name)
		t.logger.Info("timer: cleared", slog.String("name", name))
	}
	return nil
}

// Fired delivers timer names as they fire.
func (t *Cron) Fired() <-chan string { return t.fired }

// Next returns the next fire time of name.
func (t *Cron) Next(name string) (time.Time, bool) {
	t.mu.Lock()
	id, ok := t.entries[name]
	t.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := t.c.Entry(id).Next
	return next, !next.IsZero()
}

// Stop halts the runner and waits for running jobs.
func (t *Cron) Stop(ctx context.Context) {
	done := t.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
