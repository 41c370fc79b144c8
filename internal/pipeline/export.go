package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/host"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/normalize"
)

// ExportOptions selects what Collect reads from the host.
type ExportOptions struct {
	IncludeHistory   bool
	IncludeBookmarks bool
	Period           models.Period // empty means all history
	Start, End       time.Time     // PeriodCustom only
	MaxResults       int           // 0 means unlimited
}

// Collect reads the selected history window and the bookmark tree into a
// Dataset. It does not take the run lock.
func (s *Service) Collect(ctx context.Context, opts ExportOptions) (*models.Dataset, error) {
	now := s.now()
	ds := &models.Dataset{
		ExportDate: now.UTC(),
		Version:    models.DatasetVersion,
		History:    []models.HistoryRecord{},
		Bookmarks:  []*models.BookmarkNode{},
	}

	if opts.IncludeHistory {
		start, end, err := opts.Period.Range(now, opts.Start, opts.End)
		if err != nil {
			return nil, &apperr.ConfigurationError{Field: "period", Reason: err.Error()}
		}
		q := host.Query{EndTime: end.UnixMilli(), MaxResults: opts.MaxResults}
		if start.UnixMilli() > 0 {
			q.StartTime = start.UnixMilli()
		}
		recs, err := s.history.Search(ctx, q)
		if err != nil {
			return nil, &apperr.HostOperationError{Op: "history.search", Target: string(opts.Period), Err: err}
		}
		ds.History = recs
	}

	if opts.IncludeBookmarks {
		tree, err := s.bookmarks.Tree(ctx)
		if err != nil {
			return nil, &apperr.HostOperationError{Op: "bookmarks.tree", Target: models.RootID, Err: err}
		}
		ds.Bookmarks = append(ds.Bookmarks, tree)
	}
	return ds, nil
}

// Export collects and encodes a dataset under the run lock.
func (s *Service) Export(ctx context.Context, opts ExportOptions, format models.Format, progress ProgressFunc) ([]byte, *models.Dataset, error) {
	var (
		raw []byte
		ds  *models.Dataset
	)
	err := s.WithRunLock(func() error {
		var err error
		raw, ds, err = s.ExportLocked(ctx, opts, format, progress)
		return err
	})
	return raw, ds, err
}

// ExportLocked is the export body for callers already holding the run lock.
func (s *Service) ExportLocked(ctx context.Context, opts ExportOptions, format models.Format, progress ProgressFunc) ([]byte, *models.Dataset, error) {
	tr := &tracker{fn: progress}
	tr.report(PhaseExport, 10, "collecting data")

	ds, err := s.Collect(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: export: %w", err)
	}
	tr.report(PhaseExport, 60, fmt.Sprintf("encoding %d history items and %d bookmarks", len(ds.History), ds.BookmarkCount()))

	raw, err := normalize.Encode(ds, format)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: export: %w", err)
	}
	tr.report(PhaseDone, 100, "export finished")
	s.logger.Info("export: finished",
		slog.String("format", string(format)),
		slog.Int("history", len(ds.History)),
		slog.Int("bookmarks", ds.BookmarkCount()),
		slog.Int("bytes", len(raw)),
	)
	return raw, ds, nil
}
