// Package scheduler runs automatic backups on a recurring timer.
//
// The scheduler moves between three states:
//
//	Disabled -> Scheduled -> (timer fires) -> Running -> Scheduled
//	Scheduled -> Disabled on explicit disable
//
// Settings, counters and the artifact catalogue live in the host settings
// store, so a restarted process picks up where the previous one stopped
// once Restore has been called.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/host"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/pipeline"
	"github.com/starford/histkeep/internal/storage"
)

// TimerName is the single recurring timer the scheduler owns.
const TimerName = "auto-backup"

// State is the scheduler's lifecycle state.
type State string

const (
	StateDisabled  State = "disabled"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
)

// TransferResolver selects the transfer for a backup destination. Check
// rejects destinations that could never resolve, such as a provider
// without a stored token.
type TransferResolver interface {
	Resolve(ctx context.Context, destination string) (storage.Transfer, error)
	Check(ctx context.Context, destination string) error
}

// nexter is implemented by timers that know their next fire time.
type nexter interface {
	Next(name string) (time.Time, bool)
}

// Scheduler owns the auto-backup timer and the backup run path.
type Scheduler struct {
	settings host.SettingsStore
	timer    host.Timer
	service  *pipeline.Service
	resolver TransferResolver
	logger   *slog.Logger
	now      func() time.Time
	observer func(*models.BackupRunResult)
	progress pipeline.ProgressFunc

	mu        sync.Mutex
	scheduled bool
	running   bool

	// catMu serializes read-modify-write of the counters and catalogue.
	catMu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithObserver registers fn to receive every finished run summary.
func WithObserver(fn func(*models.BackupRunResult)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// WithProgress forwards export progress of backup runs to fn.
func WithProgress(fn pipeline.ProgressFunc) Option {
	return func(s *Scheduler) { s.progress = fn }
}

// New returns a Scheduler in the Disabled state. Call Restore to reinstate
// a persisted schedule.
func New(settings host.SettingsStore, timer host.Timer, service *pipeline.Service, resolver TransferResolver, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		settings: settings,
		timer:    timer,
		service:  service,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.running:
		return StateRunning
	case s.scheduled:
		return StateScheduled
	default:
		return StateDisabled
	}
}

func (s *Scheduler) setScheduled(v bool) {
	s.mu.Lock()
	s.scheduled = v
	s.mu.Unlock()
}

func (s *Scheduler) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

// Settings returns the persisted settings, or the defaults when none were saved.
func (s *Scheduler) Settings(ctx context.Context) (models.BackupSettings, error) {
	settings := models.DefaultBackupSettings()
	if _, err := host.GetJSON(ctx, s.settings, host.KeyAutoBackupSettings, &settings); err != nil {
		return settings, fmt.Errorf("scheduler: load settings: %w", err)
	}
	return settings, nil
}

// normalizeSettings fills defaults and derives Enabled from Frequency.
func normalizeSettings(in models.BackupSettings) models.BackupSettings {
	out := in
	out.Destination = strings.TrimSpace(out.Destination)
	if out.Frequency == "" {
		out.Frequency = models.FrequencyDisabled
	}
	if out.MaxBackups == 0 {
		out.MaxBackups = models.DefaultBackupSettings().MaxBackups
	}
	out.Enabled = out.Frequency != models.FrequencyDisabled
	return out
}

// validateSettings checks settings before anything is persisted.
func validateSettings(in models.BackupSettings) error {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Frequency, validation.Required, validation.In(
			models.FrequencyHourly, models.FrequencyDaily, models.FrequencyWeekly,
			models.FrequencyMonthly, models.FrequencyDisabled,
		)),
		validation.Field(&in.Destination,
			validation.When(in.Frequency != models.FrequencyDisabled,
				validation.Required.Error("is required when automatic backups are enabled"))),
		validation.Field(&in.MaxBackups, validation.Required, validation.Min(1)),
	)
	if err == nil && !in.IncludeHistory && !in.IncludeBookmarks {
		return &apperr.ConfigurationError{Field: "includeHistory", Reason: "at least one of history or bookmarks must be included"}
	}
	return configurationError(err)
}

// configurationError turns ozzo field errors into a ConfigurationError
// naming the first failing field.
func configurationError(err error) error {
	if err == nil {
		return nil
	}
	var fields validation.Errors
	if !errors.As(err, &fields) {
		return &apperr.ConfigurationError{Reason: err.Error()}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &apperr.ConfigurationError{Field: keys[0], Reason: fields[keys[0]].Error()}
}

// Configure validates, persists and applies settings. On a validation
// error nothing is persisted and the timer is left alone.
func (s *Scheduler) Configure(ctx context.Context, in models.BackupSettings) (models.BackupSettings, error) {
	settings := normalizeSettings(in)
	err := validateSettings(settings)
	if err == nil && settings.Enabled {
		err = s.resolver.Check(ctx, settings.Destination)
	}
	if err != nil {
		s.logger.Warn("scheduler: settings rejected", slog.String("error", err.Error()))
		return settings, err
	}
	if err := s.settings.Set(ctx, map[string]any{host.KeyAutoBackupSettings: settings}); err != nil {
		return settings, fmt.Errorf("scheduler: save settings: %w", err)
	}
	if err := s.apply(settings); err != nil {
		return settings, err
	}
	s.logger.Info("scheduler: configured",
		slog.String("frequency", string(settings.Frequency)),
		slog.String("destination", settings.Destination),
		slog.Int("max_backups", settings.MaxBackups),
	)
	return settings, nil
}

// Restore reinstates the persisted schedule after a process start.
func (s *Scheduler) Restore(ctx context.Context) error {
	settings, err := s.Settings(ctx)
	if err != nil {
		return err
	}
	if err := s.apply(settings); err != nil {
		return err
	}
	s.logger.Info("scheduler: restored",
		slog.String("state", string(s.State())),
		slog.String("frequency", string(settings.Frequency)),
	)
	return nil
}

// apply installs or clears the timer to match settings.
func (s *Scheduler) apply(settings models.BackupSettings) error {
	period, ok := settings.Frequency.PeriodMinutes()
	if !settings.Enabled || !ok {
		if err := s.timer.Clear(TimerName); err != nil {
			return fmt.Errorf("scheduler: clear timer: %w", err)
		}
		s.setScheduled(false)
		return nil
	}
	if err := s.timer.CreateRecurring(TimerName, period); err != nil {
		return fmt.Errorf("scheduler: create timer: %w", err)
	}
	s.setScheduled(true)
	return nil
}

// HandleFire reacts to a fired timer. Other timers and a disabled schedule
// are no-ops that return a nil result.
func (s *Scheduler) HandleFire(ctx context.Context, name string) (*models.BackupRunResult, error) {
	if name != TimerName {
		return nil, nil
	}
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled {
		s.logger.Info("scheduler: fire ignored, backups disabled")
		return nil, nil
	}
	return s.run(ctx, settings)
}

// RunNow performs a backup immediately through the same path as a timer fire.
func (s *Scheduler) RunNow(ctx context.Context) (*models.BackupRunResult, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if settings.Destination == "" {
		return nil, &apperr.ConfigurationError{Field: "folderPathOrProvider", Reason: "no backup destination configured"}
	}
	if !settings.IncludeHistory && !settings.IncludeBookmarks {
		return nil, &apperr.ConfigurationError{Field: "includeHistory", Reason: "at least one of history or bookmarks must be included"}
	}
	return s.run(ctx, settings)
}

// Run handles timer fires until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler: started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler: stopped")
			return nil
		case name, ok := <-s.timer.Fired():
			if !ok {
				return nil
			}
			if _, err := s.HandleFire(ctx, name); err != nil {
				if errors.Is(err, apperr.ErrRunInProgress) {
					s.logger.Warn("scheduler: fire skipped, run in progress", slog.String("timer", name))
					continue
				}
				s.logger.Error("scheduler: backup failed", slog.String("timer", name), slog.String("error", err.Error()))
			}
		}
	}
}

// Status is a snapshot of the scheduler for display.
type Status struct {
	State          State                   `json:"state"`
	Settings       models.BackupSettings   `json:"settings"`
	LastBackupTime *time.Time              `json:"lastBackupTime,omitempty"`
	BackupsCount   int                     `json:"backupsCount"`
	Artifacts      []models.Artifact       `json:"artifacts"`
	NextRun        *time.Time              `json:"nextRun,omitempty"`
	LastRun        *models.BackupRunResult `json:"lastRun,omitempty"`
}

// Status reads the persisted counters and estimates the next run.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	cat, err := s.loadCatalogue(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{
		State:        s.State(),
		Settings:     settings,
		BackupsCount: cat.count,
		Artifacts:    cat.artifacts,
	}
	if !cat.last.IsZero() {
		last := cat.last
		st.LastBackupTime = &last
	}

	var lastRun models.BackupRunResult
	ok, err := host.GetJSON(ctx, s.settings, host.KeyLastRunSummary, &lastRun)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load last run: %w", err)
	}
	if ok {
		st.LastRun = &lastRun
	}

	if st.State != StateDisabled {
		if next, ok := s.nextRun(settings, cat.last); ok {
			st.NextRun = &next
		}
	}
	return st, nil
}

// nextRun prefers the timer's own schedule and otherwise counts one period
// from the last backup, or from now when there was none.
func (s *Scheduler) nextRun(settings models.BackupSettings, last time.Time) (time.Time, bool) {
	if n, ok := s.timer.(nexter); ok {
		if next, ok := n.Next(TimerName); ok {
			return next, true
		}
	}
	period, ok := settings.Frequency.PeriodMinutes()
	if !ok {
		return time.Time{}, false
	}
	from := last
	if from.IsZero() {
		from = s.now()
	}
	return from.Add(time.Duration(period) * time.Minute), true
}
