package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/models"
	"github.com/starford/histkeep/internal/normalize"
	"github.com/starford/histkeep/internal/resolve"
)

// Input is what an import applies. History is consumed once; HistoryTotal
// sizes the progress report and may be zero when unknown.
type Input struct {
	History      iter.Seq2[models.HistoryRecord, error]
	HistoryTotal int
	Bookmarks    []*models.BookmarkNode
}

// DatasetInput adapts an in-memory dataset.
func DatasetInput(ds *models.Dataset) Input {
	if ds == nil {
		return Input{}
	}
	in := Input{Bookmarks: ds.Bookmarks, HistoryTotal: len(ds.History)}
	if ds.History != nil {
		in.History = func(yield func(models.HistoryRecord, error) bool) {
			for _, rec := range ds.History {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
	return in
}

// Reader is the read side of a file transfer.
type Reader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// Import applies ds to the host under the run lock.
func (s *Service) Import(ctx context.Context, ds *models.Dataset, mode models.Mode, progress ProgressFunc) (*models.BackupRunResult, error) {
	var res *models.BackupRunResult
	err := s.WithRunLock(func() error {
		var err error
		res, err = s.ImportLocked(ctx, DatasetInput(ds), mode, progress)
		return err
	})
	return res, err
}

// ImportBytes parses raw and imports it under the run lock. A source that
// cannot be parsed fails before anything is applied; malformed rows and
// nodes are reported in the result's Errors.
func (s *Service) ImportBytes(ctx context.Context, raw []byte, format models.Format, mode models.Mode, progress ProgressFunc) (*models.BackupRunResult, error) {
	var res *models.BackupRunResult
	err := s.WithRunLock(func() error {
		src, err := normalize.Open(raw, format)
		if err != nil {
			return fmt.Errorf("pipeline: import: %w: %w", apperr.ErrUnreadableSource, err)
		}
		res, err = s.ImportLocked(ctx, Input{
			History:      src.History(),
			HistoryTotal: src.Rows,
			Bookmarks:    src.Bookmarks,
		}, mode, progress)
		if res != nil {
			for _, e := range src.BookmarkErrors {
				res.AddError(e)
			}
		}
		return err
	})
	return res, err
}

// ImportFile reads path through r, detects the format from its extension
// when format is empty, and imports it.
func (s *Service) ImportFile(ctx context.Context, r Reader, path string, format models.Format, mode models.Mode, progress ProgressFunc) (*models.BackupRunResult, error) {
	if format == "" {
		f, err := normalize.DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = f
	}
	raw, err := r.Read(ctx, path)
	if err != nil {
		var te *apperr.TransferError
		if !errors.As(err, &te) {
			err = &apperr.TransferError{Op: "read", Path: path, Err: err}
		}
		return nil, err
	}
	return s.ImportBytes(ctx, raw, format, mode, progress)
}

// ImportLocked is the import body for callers already holding the run lock.
// History is reconciled completely before bookmarks. Record-level failures
// land in the result and the run continues; the returned error is non-nil
// only when the history sequence itself fails or ctx is done.
func (s *Service) ImportLocked(ctx context.Context, in Input, mode models.Mode, progress ProgressFunc) (*models.BackupRunResult, error) {
	res := models.NewRunResult(s.now())
	tr := &tracker{fn: progress}
	tr.report(PhaseStart, 0, "starting import")

	if in.History != nil {
		if mode == models.ModeReplace {
			const w = "history cannot be cleared; replace mode imports history as merge"
			res.Warnings = append(res.Warnings, w)
			s.logger.Warn("import: " + w)
		}
		if err := s.importHistory(ctx, in, res, tr); err != nil {
			res.Finish(s.now())
			return res, err
		}
	}
	tr.report(PhaseHistory, 80, fmt.Sprintf("history: %d added, %d updated, %d skipped", res.HistoryAdded, res.HistoryUpdated, res.HistorySkipped))

	if len(in.Bookmarks) > 0 {
		out, err := s.reconciler.Reconcile(ctx, in.Bookmarks, s.target, mode, func(done, total int) {
			if done%reportEvery == 0 || done == total {
				tr.report(PhaseBookmarks, span(80, 100, done, total), fmt.Sprintf("bookmarks: %d/%d", done, total))
			}
		})
		res.BookmarksImported = out.Imported
		for _, e := range out.Errors {
			res.AddError(e)
		}
		if err != nil {
			if ctx.Err() != nil {
				res.Finish(s.now())
				return res, err
			}
			res.AddError(err)
		}
	}

	res.Finish(s.now())
	tr.report(PhaseDone, 100, "import finished")
	s.logger.Info("import: finished",
		slog.Int("history_added", res.HistoryAdded),
		slog.Int("history_updated", res.HistoryUpdated),
		slog.Int("history_skipped", res.HistorySkipped),
		slog.Int("bookmarks_imported", res.BookmarksImported),
		slog.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func (s *Service) importHistory(ctx context.Context, in Input, res *models.BackupRunResult, tr *tracker) error {
	idx, err := resolve.LoadIndex(ctx, s.history)
	if err != nil {
		// Without the index nothing can be classified; bookmarks still run.
		s.logger.Warn("import: history index failed", slog.String("error", err.Error()))
		res.AddError(err)
		return nil
	}

	tr.report(PhaseHistory, 30, "importing history")
	processed := 0
	for rec, err := range in.History {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		processed++
		if processed%reportEvery == 0 {
			tr.report(PhaseHistory, span(30, 80, processed, in.HistoryTotal), fmt.Sprintf("history: %d/%d", processed, in.HistoryTotal))
		}

		if err != nil {
			if !errors.Is(err, apperr.ErrMalformedRecord) {
				return fmt.Errorf("pipeline: history source: %w", err)
			}
			s.logger.Warn("import: malformed history record", slog.String("error", err.Error()))
			res.AddError(err)
			continue
		}

		d := resolve.Resolve(rec, idx)
		if err := resolve.Apply(ctx, s.history, rec, d); err != nil {
			s.logger.Warn("import: history record failed", slog.String("url", rec.URL), slog.String("error", err.Error()))
			res.AddError(err)
			continue
		}
		switch d {
		case resolve.Insert:
			res.HistoryAdded++
		case resolve.Update:
			res.HistoryUpdated++
		case resolve.Skip:
			res.HistorySkipped++
		}
		idx.Record(rec)
	}
	return nil
}
