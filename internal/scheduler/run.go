package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/checksum"
	"github.com/starford/histkeep/internal/host"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/pipeline"
	"github.com/starford/histkeep/internal/storage"
)

// ArtifactName returns the file name of a backup taken at t.
func ArtifactName(t time.Time, format models.Format) string {
	return fmt.Sprintf("browser-data-%d%s", t.UnixMilli(), format.Ext())
}

// run is the single backup path shared by timer fires and RunNow.
func (s *Scheduler) run(ctx context.Context, settings models.BackupSettings) (*models.BackupRunResult, error) {
	var (
		result *models.BackupRunResult
		runErr error
	)
	err := s.service.WithRunLock(func() error {
		s.setRunning(true)
		defer s.setRunning(false)
		result, runErr = s.backup(ctx, settings)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, runErr
}

// backup exports, writes the artifact, updates the counters and applies
// retention. The caller holds the run lock.
func (s *Scheduler) backup(ctx context.Context, settings models.BackupSettings) (*models.BackupRunResult, error) {
	started := s.now()
	result := models.NewRunResult(started)
	s.logger.Info("backup: started", slog.String("destination", settings.Destination))

	fail := func(err error) (*models.BackupRunResult, error) {
		result.AddError(err)
		s.finish(ctx, result)
		s.logger.Error("backup: failed", slog.String("error", err.Error()))
		return result, fmt.Errorf("scheduler: backup: %w", err)
	}

	transfer, err := s.resolver.Resolve(ctx, settings.Destination)
	if err != nil {
		return fail(err)
	}

	raw, ds, err := s.service.ExportLocked(ctx, pipeline.ExportOptions{
		IncludeHistory:   settings.IncludeHistory,
		IncludeBookmarks: settings.IncludeBookmarks,
		Period:           models.PeriodAll,
	}, models.FormatJSON, s.progress)
	if err != nil {
		return fail(err)
	}
	result.HistoryExported = len(ds.History)
	result.BookmarksExported = ds.BookmarkCount()

	name := ArtifactName(started, models.FormatJSON)
	if err := transfer.Write(ctx, name, raw); err != nil {
		if !errors.Is(err, apperr.ErrTransfer) {
			err = &apperr.TransferError{Op: "write", Path: name, Err: err}
		}
		return fail(err)
	}
	art := models.Artifact{
		Name:        name,
		Destination: settings.Destination,
		CreatedAt:   started.UTC(),
		Size:        int64(len(raw)),
		Checksum:    checksum.Sum(raw),
	}
	result.Artifact = &art

	if err := s.record(ctx, art, settings.MaxBackups, transfer, result); err != nil {
		return fail(err)
	}
	s.finish(ctx, result)
	s.logger.Info("backup: finished",
		slog.String("artifact", name),
		slog.Int("history", result.HistoryExported),
		slog.Int("bookmarks", result.BookmarksExported),
		slog.Int("pruned", len(result.Pruned)),
	)
	return result, nil
}

// finish stamps, persists and publishes the run summary. A failure to
// persist is logged only.
func (s *Scheduler) finish(ctx context.Context, result *models.BackupRunResult) {
	result.Finish(s.now())
	if err := s.settings.Set(ctx, map[string]any{host.KeyLastRunSummary: result}); err != nil {
		s.logger.Error("backup: save run summary", slog.String("error", err.Error()))
	}
	if s.observer != nil {
		s.observer(result)
	}
}

// catalogue is the persisted backup bookkeeping.
type catalogue struct {
	last      time.Time
	count     int
	artifacts []models.Artifact
}

func (s *Scheduler) loadCatalogue(ctx context.Context) (catalogue, error) {
	var (
		cat  catalogue
		last string
	)
	if _, err := host.GetJSON(ctx, s.settings, host.KeyLastBackupTime, &last); err != nil {
		return cat, fmt.Errorf("scheduler: load last backup time: %w", err)
	}
	if last != "" {
		t, err := time.Parse(time.RFC3339, last)
		if err != nil {
			return cat, fmt.Errorf("scheduler: parse last backup time: %w", err)
		}
		cat.last = t
	}
	if _, err := host.GetJSON(ctx, s.settings, host.KeyBackupsCount, &cat.count); err != nil {
		return cat, fmt.Errorf("scheduler: load backups count: %w", err)
	}
	if _, err := host.GetJSON(ctx, s.settings, host.KeyBackupArtifacts, &cat.artifacts); err != nil {
		return cat, fmt.Errorf("scheduler: load artifacts: %w", err)
	}
	if cat.artifacts == nil {
		cat.artifacts = []models.Artifact{}
	}
	sort.SliceStable(cat.artifacts, func(i, j int) bool {
		return cat.artifacts[i].CreatedAt.Before(cat.artifacts[j].CreatedAt)
	})
	return cat, nil
}

func (s *Scheduler) saveCatalogue(ctx context.Context, cat catalogue) error {
	values := map[string]any{
		host.KeyBackupsCount:    cat.count,
		host.KeyBackupArtifacts: cat.artifacts,
	}
	if !cat.last.IsZero() {
		values[host.KeyLastBackupTime] = cat.last.UTC().Format(time.RFC3339)
	}
	if err := s.settings.Set(ctx, values); err != nil {
		return fmt.Errorf("scheduler: save catalogue: %w", err)
	}
	return nil
}

// record bumps lastBackupTime and backupsCount by one for art, then evicts
// the oldest artifacts while the count exceeds maxBackups.
func (s *Scheduler) record(ctx context.Context, art models.Artifact, maxBackups int, current storage.Transfer, result *models.BackupRunResult) error {
	s.catMu.Lock()
	defer s.catMu.Unlock()

	cat, err := s.loadCatalogue(ctx)
	if err != nil {
		return err
	}
	cat.last = art.CreatedAt
	cat.count++
	cat.artifacts = append(cat.artifacts, art)

	transfers := map[string]storage.Transfer{art.Destination: current}
	for cat.count > maxBackups && len(cat.artifacts) > 0 {
		oldest := cat.artifacts[0]
		if err := s.evict(ctx, oldest, transfers); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("retention: keep %s: %v", oldest.Name, err))
			s.logger.Warn("backup: retention delete failed",
				slog.String("artifact", oldest.Name),
				slog.String("error", err.Error()),
			)
			break
		}
		cat.artifacts = cat.artifacts[1:]
		cat.count--
		result.Pruned = append(result.Pruned, oldest.Name)
		s.logger.Info("backup: pruned", slog.String("artifact", oldest.Name))
	}
	return s.saveCatalogue(ctx, cat)
}

// evict deletes art from its own destination. An artifact that is already
// gone counts as deleted.
func (s *Scheduler) evict(ctx context.Context, art models.Artifact, transfers map[string]storage.Transfer) error {
	t, ok := transfers[art.Destination]
	if !ok {
		var err error
		if t, err = s.resolver.Resolve(ctx, art.Destination); err != nil {
			return err
		}
		transfers[art.Destination] = t
	}
	if err := t.Delete(ctx, art.Name); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	return nil
}

// Forget drops an artifact that disappeared from its destination outside
// the scheduler. It reports whether name was catalogued.
func (s *Scheduler) Forget(ctx context.Context, name string) (bool, error) {
	s.catMu.Lock()
	defer s.catMu.Unlock()

	cat, err := s.loadCatalogue(ctx)
	if err != nil {
		return false, err
	}
	kept := cat.artifacts[:0]
	removed := 0
	for _, a := range cat.artifacts {
		if a.Name == name {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	if removed == 0 {
		return false, nil
	}
	cat.artifacts = kept
	cat.count = max(cat.count-removed, 0)
	s.logger.Info("scheduler: artifact forgotten", slog.String("artifact", name))
	return true, s.saveCatalogue(ctx, cat)
}

// Artifacts returns the catalogue, oldest first.
func (s *Scheduler) Artifacts(ctx context.Context) ([]models.Artifact, error) {
	cat, err := s.loadCatalogue(ctx)
	if err != nil {
		return nil, err
	}
	return cat.artifacts, nil
}

// RestoreBackup reads a catalogued artifact back from its destination,
// verifies its checksum and imports it.
func (s *Scheduler) RestoreBackup(ctx context.Context, name string, mode models.Mode, progress pipeline.ProgressFunc) (*models.BackupRunResult, error) {
	cat, err := s.loadCatalogue(ctx)
	if err != nil {
		return nil, err
	}
	var art *models.Artifact
	for i := range cat.artifacts {
		if cat.artifacts[i].Name == name {
			art = &cat.artifacts[i]
			break
		}
	}
	if art == nil {
		return nil, fmt.Errorf("scheduler: restore %s: %w", name, apperr.ErrNotFound)
	}

	t, err := s.resolver.Resolve(ctx, art.Destination)
	if err != nil {
		return nil, fmt.Errorf("scheduler: restore %s: %w", name, err)
	}
	raw, err := t.Read(ctx, art.Name)
	if err != nil {
		return nil, fmt.Errorf("scheduler: restore %s: %w", name, err)
	}
	if !checksum.Verify(raw, art.Checksum) {
		return nil, fmt.Errorf("scheduler: restore %s: %w", name,
			&apperr.TransferError{Op: "verify", Path: art.Name, Err: errors.New("checksum mismatch")})
	}
	s.logger.Info("scheduler: restoring backup", slog.String("artifact", name), slog.String("mode", string(mode)))
	return s.service.ImportBytes(ctx, raw, models.FormatJSON, mode, progress)
}
