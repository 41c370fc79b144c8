package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/host"
	"github.com/starford/histkeep/internal/hoststore"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/pipeline"
	"github.com/starford/histkeep/internal/storage"
	"github.com/starford/histkeep/internal/testutil"
)

// stepClock advances one minute per call so artifact names never collide.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

type fixture struct {
	host  *hoststore.Store
	timer *testutil.FakeTimer
	svc   *pipeline.Service
	sched *Scheduler
	dir   string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	h := testutil.TestHost(t)
	dir, _ := testutil.TestDestination(t)
	ft := testutil.NewFakeTimer()
	svc := pipeline.NewService(h, h, nil)
	clock := &stepClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	s := New(h, ft, svc, storage.NewResolver(nil, h), nil, opts...)

	ctx := context.Background()
	for _, rec := range []models.HistoryRecord{
		{URL: "https://a.example", Title: "A", VisitCount: 1, LastVisitTime: 1000},
		{URL: "https://b.example", Title: "B", VisitCount: 3, LastVisitTime: 2000},
	} {
		if err := h.Add(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{host: h, timer: ft, svc: svc, sched: s, dir: dir}
}

func (f *fixture) settings(freq models.Frequency, maxBackups int) models.BackupSettings {
	return models.BackupSettings{
		Frequency:        freq,
		Destination:      f.dir,
		MaxBackups:       maxBackups,
		IncludeHistory:   true,
		IncludeBookmarks: true,
	}
}

func TestConfigureAndFire_CountsOneBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.sched.Configure(ctx, f.settings(models.FrequencyWeekly, 5))
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if !saved.Enabled {
		t.Error("weekly settings should be enabled")
	}
	if p, ok := f.timer.Period(TimerName); !ok || p != 10080 {
		t.Fatalf("timer period = %d, %v; want 10080", p, ok)
	}
	if f.sched.State() != StateScheduled {
		t.Errorf("state = %s", f.sched.State())
	}

	res, err := f.sched.HandleFire(ctx, TimerName)
	if err != nil {
		t.Fatalf("HandleFire: %v", err)
	}
	if res == nil || res.Artifact == nil || res.HistoryExported != 2 {
		t.Fatalf("result = %+v", res)
	}
	if f.sched.State() != StateScheduled {
		t.Errorf("state after run = %s", f.sched.State())
	}

	st, err := f.sched.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.BackupsCount != 1 {
		t.Errorf("backupsCount = %d, want 1", st.BackupsCount)
	}
	if st.LastBackupTime == nil || !st.LastBackupTime.Equal(res.Artifact.CreatedAt) {
		t.Errorf("lastBackupTime = %v, want %v", st.LastBackupTime, res.Artifact.CreatedAt)
	}
	if st.LastRun == nil || st.LastRun.Artifact == nil || st.LastRun.Artifact.Name != res.Artifact.Name {
		t.Errorf("lastRun = %+v", st.LastRun)
	}
	if st.NextRun == nil || !st.NextRun.Equal(st.LastBackupTime.Add(10080*time.Minute)) {
		t.Errorf("nextRun = %v", st.NextRun)
	}

	data, err := os.ReadFile(filepath.Join(f.dir, res.Artifact.Name))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if int64(len(data)) != res.Artifact.Size {
		t.Errorf("size = %d, file has %d bytes", res.Artifact.Size, len(data))
	}
}

func TestConfigure_EmptyDestinationRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyWeekly, 5)); err != nil {
		t.Fatal(err)
	}
	if err := f.timer.Clear(TimerName); err != nil {
		t.Fatal(err)
	}

	bad := f.settings(models.FrequencyDaily, 5)
	bad.Destination = ""
	_, err := f.sched.Configure(ctx, bad)
	var ce *apperr.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "folderPathOrProvider" {
		t.Fatalf("err = %v, want configuration error on destination", err)
	}
	if f.timer.Count() != 0 {
		t.Error("timer installed for rejected settings")
	}
	got, err := f.sched.Settings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Frequency != models.FrequencyWeekly || got.Destination != f.dir {
		t.Errorf("persisted settings changed: %+v", got)
	}
}

func TestConfigure_Validation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*models.BackupSettings)
		field string
	}{
		{"unknown frequency", func(s *models.BackupSettings) { s.Frequency = "fortnightly" }, "frequency"},
		{"negative max", func(s *models.BackupSettings) { s.MaxBackups = -1 }, "maxBackups"},
		{"nothing included", func(s *models.BackupSettings) { s.IncludeHistory, s.IncludeBookmarks = false, false }, "includeHistory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := f.settings(models.FrequencyDaily, 3)
			tt.edit(&s)
			_, err := f.sched.Configure(context.Background(), s)
			var ce *apperr.ConfigurationError
			if !errors.As(err, &ce) || ce.Field != tt.field {
				t.Fatalf("err = %v, want field %q", err, tt.field)
			}
			if f.timer.Count() != 0 {
				t.Error("timer installed")
			}
		})
	}
}

func TestConfigure_DefaultsAndDisable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	saved, err := f.sched.Configure(ctx, f.settings(models.FrequencyMonthly, 0))
	if err != nil {
		t.Fatal(err)
	}
	if saved.MaxBackups != 10 {
		t.Errorf("MaxBackups = %d, want default 10", saved.MaxBackups)
	}
	if p, _ := f.timer.Period(TimerName); p != 43200 {
		t.Errorf("monthly period = %d", p)
	}

	// A disabled schedule needs no destination.
	off := f.settings(models.FrequencyDisabled, 3)
	off.Destination = ""
	saved, err = f.sched.Configure(ctx, off)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if saved.Enabled || f.timer.Count() != 0 || f.sched.State() != StateDisabled {
		t.Errorf("disable left enabled=%v timers=%d state=%s", saved.Enabled, f.timer.Count(), f.sched.State())
	}
}

func TestRestore_ReinstatesTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyDaily, 3)); err != nil {
		t.Fatal(err)
	}

	// A new process over the same host starts with no timers.
	ft := testutil.NewFakeTimer()
	restarted := New(f.host, ft, f.svc, storage.NewResolver(nil, f.host), nil)
	if restarted.State() != StateDisabled {
		t.Fatalf("initial state = %s", restarted.State())
	}
	if err := restarted.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if p, ok := ft.Period(TimerName); !ok || p != 1440 {
		t.Errorf("restored period = %d, %v", p, ok)
	}
	if restarted.State() != StateScheduled {
		t.Errorf("state = %s", restarted.State())
	}
}

func TestHandleFire_NoopCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyHourly, 3)); err != nil {
		t.Fatal(err)
	}

	res, err := f.sched.HandleFire(ctx, "some-other-alarm")
	if err != nil || res != nil {
		t.Errorf("other timer: %+v, %v", res, err)
	}

	// Settings disabled behind the timer's back.
	s := f.settings(models.FrequencyHourly, 3)
	s.Enabled = false
	if err := f.host.Set(ctx, map[string]any{host.KeyAutoBackupSettings: s}); err != nil {
		t.Fatal(err)
	}
	res, err = f.sched.HandleFire(ctx, TimerName)
	if err != nil || res != nil {
		t.Errorf("disabled fire: %+v, %v", res, err)
	}
	st, _ := f.sched.Status(ctx)
	if st.BackupsCount != 0 {
		t.Errorf("backupsCount = %d", st.BackupsCount)
	}
}

func TestRetention_OldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyDaily, 2)); err != nil {
		t.Fatal(err)
	}

	var names []string
	for range 4 {
		res, err := f.sched.RunNow(ctx)
		if err != nil {
			t.Fatalf("RunNow: %v", err)
		}
		names = append(names, res.Artifact.Name)
	}

	st, err := f.sched.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.BackupsCount != 2 || len(st.Artifacts) != 2 {
		t.Fatalf("count = %d, artifacts = %d; want 2", st.BackupsCount, len(st.Artifacts))
	}
	if st.Artifacts[0].Name != names[2] || st.Artifacts[1].Name != names[3] {
		t.Errorf("kept %v, want the two newest of %v", st.Artifacts, names)
	}
	for i, name := range names {
		_, err := os.Stat(filepath.Join(f.dir, name))
		if exists := err == nil; exists != (i >= 2) {
			t.Errorf("%s exists = %v", name, exists)
		}
	}
}

// flakyTransfer wraps a local destination with injectable failures.
type flakyTransfer struct {
	*storage.FS
	writeErr  error
	deleteErr error
}

func (f *flakyTransfer) Write(ctx context.Context, path string, data []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.FS.Write(ctx, path, data)
}

func (f *flakyTransfer) Delete(ctx context.Context, path string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.FS.Delete(ctx, path)
}

type fixedResolver struct{ t storage.Transfer }

func (r fixedResolver) Resolve(context.Context, string) (storage.Transfer, error) { return r.t, nil }

func (r fixedResolver) Check(context.Context, string) error { return nil }

func TestRetention_DeleteFailureKeepsArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, fs := testutil.TestDestination(t)
	ft := &flakyTransfer{FS: fs, deleteErr: errors.New("permission denied")}
	f.sched.resolver = fixedResolver{t: ft}
	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyDaily, 1)); err != nil {
		t.Fatal(err)
	}

	if _, err := f.sched.RunNow(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := f.sched.RunNow(ctx)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(res.Warnings) != 1 || len(res.Pruned) != 0 {
		t.Errorf("warnings = %v, pruned = %v", res.Warnings, res.Pruned)
	}
	st, _ := f.sched.Status(ctx)
	if st.BackupsCount != 2 || len(st.Artifacts) != 2 {
		t.Errorf("count = %d, artifacts = %d; failed delete must keep the artifact", st.BackupsCount, len(st.Artifacts))
	}
}

func TestRun_WriteFailureLeavesCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, fs := testutil.TestDestination(t)
	f.sched.resolver = fixedResolver{t: &flakyTransfer{FS: fs, writeErr: errors.New("disk full")}}
	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyDaily, 3)); err != nil {
		t.Fatal(err)
	}

	res, err := f.sched.RunNow(ctx)
	if !errors.Is(err, apperr.ErrTransfer) {
		t.Fatalf("err = %v, want transfer error", err)
	}
	if res == nil || !res.Failed {
		t.Errorf("result = %+v, want failed", res)
	}
	st, _ := f.sched.Status(ctx)
	if st.BackupsCount != 0 || st.LastBackupTime != nil {
		t.Errorf("counters moved: count=%d last=%v", st.BackupsCount, st.LastBackupTime)
	}
	if st.LastRun == nil || len(st.LastRun.Errors) != 1 {
		t.Errorf("lastRun = %+v", st.LastRun)
	}
}

func TestRunNow_RequiresDestination(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.RunNow(context.Background())
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Errorf("err = %v", err)
	}
}

func TestRunNow_RejectedWhileRunActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyDaily, 3)); err != nil {
		t.Fatal(err)
	}
	var inner error
	err := f.svc.WithRunLock(func() error {
		_, inner = f.sched.RunNow(ctx)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(inner, apperr.ErrRunInProgress) {
		t.Errorf("err = %v, want run in progress", inner)
	}
}

func TestRun_LoopHandlesFires(t *testing.T) {
	done := make(chan *models.BackupRunResult, 1)
	f := newFixture(t, WithObserver(func(r *models.BackupRunResult) { done <- r }))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyHourly, 3)); err != nil {
		t.Fatal(err)
	}

	go func() { _ = f.sched.Run(ctx) }()
	f.timer.Fire(TimerName)

	select {
	case r := <-done:
		if r.Artifact == nil {
			t.Errorf("result = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fire was not handled")
	}
}

func TestForget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyDaily, 5)); err != nil {
		t.Fatal(err)
	}
	res, err := f.sched.RunNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := f.sched.Forget(ctx, "browser-data-0.json"); err != nil || ok {
		t.Fatalf("unknown name: ok = %v, err = %v", ok, err)
	}
	if ok, err := f.sched.Forget(ctx, res.Artifact.Name); err != nil || !ok {
		t.Fatalf("forget: ok = %v, err = %v", ok, err)
	}
	st, _ := f.sched.Status(ctx)
	if st.BackupsCount != 0 || len(st.Artifacts) != 0 {
		t.Errorf("count = %d, artifacts = %v", st.BackupsCount, st.Artifacts)
	}
}

func TestRestoreBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.sched.Configure(ctx, f.settings(models.FrequencyDaily, 5)); err != nil {
		t.Fatal(err)
	}
	res, err := f.sched.RunNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.host.Delete(ctx, "https://a.example"); err != nil {
		t.Fatal(err)
	}

	restored, err := f.sched.RestoreBackup(ctx, res.Artifact.Name, models.ModeMerge, nil)
	if err != nil {
		t.Fatalf("RestoreBackup: %v", err)
	}
	if restored.HistoryAdded != 1 || restored.HistorySkipped != 1 {
		t.Errorf("restored = %+v", restored)
	}

	if _, err := f.sched.RestoreBackup(ctx, "missing.json", models.ModeMerge, nil); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing artifact err = %v", err)
	}

	if err := os.WriteFile(filepath.Join(f.dir, res.Artifact.Name), []byte(`{"history":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sched.RestoreBackup(ctx, res.Artifact.Name, models.ModeMerge, nil); !errors.Is(err, apperr.ErrTransfer) {
		t.Errorf("tampered artifact err = %v", err)
	}
}

func TestArtifactName(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	if got := ArtifactName(ts, models.FormatJSON); got != "browser-data-1700000000123.json" {
		t.Errorf("ArtifactName = %q", got)
	}
}

func TestConfigure_ProviderMustBeConnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sched.resolver = storage.NewResolver(map[string]string{"gdrive": "http://127.0.0.1:1"}, f.host)

	in := f.settings(models.FrequencyDaily, 3)
	in.Destination = "provider:gdrive"
	_, err := f.sched.Configure(ctx, in)
	var ce *apperr.ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "cloudTokens" {
		t.Fatalf("err = %v, want cloudTokens configuration error", err)
	}
	if f.timer.Count() != 0 {
		t.Error("timer installed for rejected settings")
	}
	if got, _ := f.sched.Settings(ctx); got.Enabled {
		t.Errorf("rejected settings persisted: %+v", got)
	}

	in.Destination = "provider:dropbox"
	if _, err := f.sched.Configure(ctx, in); !errors.As(err, &ce) || ce.Field != "folderPathOrProvider" {
		t.Errorf("unknown provider err = %v", err)
	}

	if err := storage.SaveToken(ctx, f.host, "gdrive", "opaque"); err != nil {
		t.Fatal(err)
	}
	in.Destination = "provider:gdrive"
	if _, err := f.sched.Configure(ctx, in); err != nil {
		t.Fatalf("connected provider: %v", err)
	}

	// Disabling never needs a reachable destination.
	in.Frequency = models.FrequencyDisabled
	in.Destination = "provider:dropbox"
	if _, err := f.sched.Configure(ctx, in); err != nil {
		t.Errorf("disable: %v", err)
	}
}
