package bookmarks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/host"
	"github.com/starford/histkeep/internal/models"
)

// ProgressFunc receives the number of processed steps out of total.
type ProgressFunc func(done, total int)

// Outcome summarizes one Reconcile call. Imported counts only leaves whose
// create call succeeded; folders are counted separately and never in Imported.
type Outcome struct {
	Imported int
	Folders  int
	Removed  int
	Errors   []error
}

// ClearResult summarizes one Clear call.
type ClearResult struct {
	Removed int
	Errors  []error
}

// Reconciler executes plans against a host bookmark store.
type Reconciler struct {
	store  host.BookmarkStore
	logger *slog.Logger
}

// NewReconciler returns a Reconciler for store.
func NewReconciler(store host.BookmarkStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Reconcile creates incoming under targetParentID (the bookmarks bar when
// empty). In replace mode the host tree is cleared first. Per-node failures
// are recorded in the outcome and the walk continues with the next sibling;
// the children of a folder that could not be created are skipped.
//
// The returned error is non-nil only when the host tree cannot be read for
// a replace, or ctx is done.
func (r *Reconciler) Reconcile(ctx context.Context, incoming []*models.BookmarkNode, targetParentID string, mode models.Mode, progress ProgressFunc) (Outcome, error) {
	if targetParentID == "" {
		targetParentID = models.BookmarksBarID
	}

	var out Outcome
	if mode == models.ModeReplace {
		cleared, err := r.Clear(ctx)
		if err != nil {
			return out, err
		}
		out.Removed = cleared.Removed
		out.Errors = append(out.Errors, cleared.Errors...)
	}

	plan := Plan(incoming)
	ex := &executor{
		store:    r.store,
		logger:   r.logger,
		out:      &out,
		total:    CountSteps(plan),
		progress: progress,
	}
	if err := ex.run(ctx, plan, targetParentID); err != nil {
		return out, fmt.Errorf("bookmarks: reconcile: %w", err)
	}
	return out, nil
}

type executor struct {
	store    host.BookmarkStore
	logger   *slog.Logger
	out      *Outcome
	done     int
	total    int
	progress ProgressFunc
}

func (e *executor) advance(n int) {
	e.done += n
	if e.progress != nil {
		e.progress(e.done, e.total)
	}
}

func (e *executor) fail(err error) {
	e.logger.Warn("bookmarks: node failed", slog.String("error", err.Error()))
	e.out.Errors = append(e.out.Errors, err)
}

func (e *executor) run(ctx context.Context, steps []Step, parentID string) error {
	for i, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch s.Kind {
		case Invalid:
			e.advance(1)
			e.fail(&apperr.MalformedRecordError{Source: "bookmarks", Index: i, Reason: fmt.Sprintf("%q: %s", s.Title, s.Reason)})

		case CreateBookmark:
			_, err := e.store.Create(ctx, parentID, models.NewLeaf(s.Title, s.URL))
			e.advance(1)
			if err != nil {
				e.fail(&apperr.HostOperationError{Op: "bookmarks.create", Target: s.URL, Err: err})
				continue
			}
			e.out.Imported++

		case CreateFolder:
			id, err := e.store.Create(ctx, parentID, models.NewFolder(s.Title))
			e.advance(1)
			if err != nil {
				e.fail(&apperr.HostOperationError{Op: "bookmarks.create", Target: s.Title, Err: err})
				if skipped := CountSteps(s.Children); skipped > 0 {
					e.advance(skipped)
					e.fail(fmt.Errorf("bookmarks: skipped %d nodes (%d bookmarks) under folder %q", skipped, CountBookmarks(s.Children), s.Title))
				}
				continue
			}
			e.out.Folders++
			e.logger.Debug("bookmarks: folder created", slog.String("title", s.Title), slog.String("id", id))
			if err := e.run(ctx, s.Children, id); err != nil {
				return err
			}

		case EnterReserved:
			e.advance(1)
			if err := e.run(ctx, s.Children, s.ReservedID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clear removes every node of the host tree except the system roots, which
// are recursed into, and unmodifiable nodes, which are left with their
// subtree. Nodes are removed post-order; a failed removal is recorded and
// the walk continues.
func (r *Reconciler) Clear(ctx context.Context) (ClearResult, error) {
	tree, err := r.store.Tree(ctx)
	if err != nil {
		return ClearResult{}, &apperr.HostOperationError{Op: "bookmarks.tree", Target: models.RootID, Err: err}
	}
	var res ClearResult
	r.clear(ctx, tree, &res)
	r.logger.Info("bookmarks: cleared", slog.Int("removed", res.Removed), slog.Int("failed", len(res.Errors)))
	return res, nil
}

func (r *Reconciler) clear(ctx context.Context, n *models.BookmarkNode, res *ClearResult) {
	for _, c := range n.Children {
		if models.IsReservedID(c.ID) {
			r.clear(ctx, c, res)
			continue
		}
		if c.Unmodifiable != "" {
			r.logger.Debug("bookmarks: keeping unmodifiable node", slog.String("id", c.ID), slog.String("reason", c.Unmodifiable))
			continue
		}
		r.clear(ctx, c, res)
		if err := r.store.Remove(ctx, c.ID); err != nil {
			r.logger.Warn("bookmarks: remove failed", slog.String("id", c.ID), slog.String("error", err.Error()))
			res.Errors = append(res.Errors, &apperr.HostOperationError{Op: "bookmarks.remove", Target: c.ID, Err: err})
			continue
		}
		res.Removed++
	}
}
