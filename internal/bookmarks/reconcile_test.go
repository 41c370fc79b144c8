package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/models"
)

// fakeTree is an in-memory BookmarkStore seeded with the system roots.
type fakeTree struct {
	nodes      map[string]*models.BookmarkNode
	next       int
	failCreate map[string]bool // by title
	failRemove map[string]bool // by id
	treeErr    error
}

func newFakeTree() *fakeTree {
	bar := &models.BookmarkNode{ID: models.BookmarksBarID, ParentID: models.RootID, Title: "Bookmarks bar", Children: []*models.BookmarkNode{}}
	other := &models.BookmarkNode{ID: models.OtherBookmarkID, ParentID: models.RootID, Title: "Other bookmarks", Children: []*models.BookmarkNode{}}
	root := &models.BookmarkNode{ID: models.RootID, Children: []*models.BookmarkNode{bar, other}}
	return &fakeTree{
		nodes:      map[string]*models.BookmarkNode{root.ID: root, bar.ID: bar, other.ID: other},
		failCreate: map[string]bool{},
		failRemove: map[string]bool{},
	}
}

func clone(n *models.BookmarkNode) *models.BookmarkNode {
	c := *n
	if n.Children != nil {
		c.Children = make([]*models.BookmarkNode, 0, len(n.Children))
		for _, ch := range n.Children {
			c.Children = append(c.Children, clone(ch))
		}
	}
	return &c
}

func (f *fakeTree) Tree(context.Context) (*models.BookmarkNode, error) {
	if f.treeErr != nil {
		return nil, f.treeErr
	}
	return clone(f.nodes[models.RootID]), nil
}

func (f *fakeTree) Create(_ context.Context, parentID string, node *models.BookmarkNode) (string, error) {
	if f.failCreate[node.Title] {
		return "", errors.New("quota exceeded")
	}
	p, ok := f.nodes[parentID]
	if !ok {
		return "", apperr.ErrNotFound
	}
	if !p.IsFolder() {
		return "", errors.New("parent is not a folder")
	}
	f.next++
	n := &models.BookmarkNode{ID: fmt.Sprintf("n%d", f.next), ParentID: parentID, Title: node.Title, URL: node.URL}
	if node.IsFolder() {
		n.Children = []*models.BookmarkNode{}
	}
	p.Children = append(p.Children, n)
	f.nodes[n.ID] = n
	return n.ID, nil
}

func (f *fakeTree) Remove(_ context.Context, id string) error {
	if models.IsReservedID(id) {
		return apperr.ErrReservedNode
	}
	if f.failRemove[id] {
		return errors.New("locked")
	}
	n, ok := f.nodes[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if n.Unmodifiable != "" {
		return errors.New("unmodifiable")
	}
	if len(n.Children) > 0 {
		return errors.New("folder not empty")
	}
	p := f.nodes[n.ParentID]
	for i, c := range p.Children {
		if c.ID == id {
			p.Children = append(p.Children[:i], p.Children[i+1:]...)
			break
		}
	}
	delete(f.nodes, id)
	return nil
}

func (f *fakeTree) child(parentID, title string) *models.BookmarkNode {
	for _, c := range f.nodes[parentID].Children {
		if c.Title == title {
			return c
		}
	}
	return nil
}

func TestPlan_UntitledFoldersAreTransparent(t *testing.T) {
	steps := Plan([]*models.BookmarkNode{
		models.NewFolder("",
			models.NewLeaf("A", "http://a"),
			models.NewFolder("",
				models.NewLeaf("B", "http://b"),
			),
			models.NewFolder("Empty"),
		),
	})
	if len(steps) != 3 {
		t.Fatalf("steps = %+v", steps)
	}
	if steps[0].Kind != CreateBookmark || steps[1].Kind != CreateBookmark || steps[2].Kind != CreateFolder {
		t.Errorf("kinds = %s %s %s", steps[0].Kind, steps[1].Kind, steps[2].Kind)
	}
	if CountBookmarks(steps) != 2 || CountSteps(steps) != 3 {
		t.Errorf("counts = %d bookmarks, %d steps", CountBookmarks(steps), CountSteps(steps))
	}
}

func TestPlan_ReservedIDsMapOntoRoots(t *testing.T) {
	exported := &models.BookmarkNode{ID: models.RootID, Title: "", Children: []*models.BookmarkNode{
		{ID: models.BookmarksBarID, Title: "Renamed bar", Children: []*models.BookmarkNode{models.NewLeaf("A", "http://a")}},
		{ID: "42", Title: "Bookmarks bar", Children: []*models.BookmarkNode{}},
	}}
	steps := Plan([]*models.BookmarkNode{exported})
	if len(steps) != 2 {
		t.Fatalf("steps = %+v", steps)
	}
	if steps[0].Kind != EnterReserved || steps[0].ReservedID != models.BookmarksBarID {
		t.Errorf("step0 = %+v", steps[0])
	}
	// Matching is by id: a folder titled like a root is an ordinary folder.
	if steps[1].Kind != CreateFolder {
		t.Errorf("step1 = %+v", steps[1])
	}
}

func TestPlan_InvalidNode(t *testing.T) {
	steps := Plan([]*models.BookmarkNode{{Title: "neither"}, {Title: "both", URL: "http://x", Children: []*models.BookmarkNode{}}})
	if len(steps) != 2 || steps[0].Kind != Invalid || steps[1].Kind != Invalid {
		t.Errorf("steps = %+v", steps)
	}
}

func TestReconcile_ScenarioC(t *testing.T) {
	store := newFakeTree()
	r := NewReconciler(store, nil)

	out, err := r.Reconcile(context.Background(),
		[]*models.BookmarkNode{models.NewFolder("Work", models.NewLeaf("Site", "http://x"))},
		"", models.ModeMerge, nil)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Imported != 1 || out.Folders != 1 || len(out.Errors) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	work := store.child(models.BookmarksBarID, "Work")
	if work == nil || !work.IsFolder() {
		t.Fatal("folder Work not created under bookmarks bar")
	}
	if len(work.Children) != 1 || work.Children[0].Title != "Site" || work.Children[0].URL != "http://x" {
		t.Errorf("Work children = %+v", work.Children)
	}
}

func TestReconcile_EmptyFolderCreated(t *testing.T) {
	store := newFakeTree()
	out, err := NewReconciler(store, nil).Reconcile(context.Background(),
		[]*models.BookmarkNode{models.NewFolder("Empty")}, models.OtherBookmarkID, models.ModeMerge, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Imported != 0 || out.Folders != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if f := store.child(models.OtherBookmarkID, "Empty"); f == nil || !f.IsFolder() {
		t.Error("empty folder missing")
	}
}

func TestReconcile_CountsOnlySucceededLeaves(t *testing.T) {
	store := newFakeTree()
	store.failCreate["bad"] = true
	store.failCreate["Broken"] = true

	incoming := []*models.BookmarkNode{
		models.NewLeaf("good1", "http://1"),
		models.NewLeaf("bad", "http://bad"),
		models.NewFolder("Broken",
			models.NewLeaf("lost1", "http://l1"),
			models.NewLeaf("lost2", "http://l2"),
		),
		models.NewFolder("Fine", models.NewLeaf("good2", "http://2")),
		{Title: "invalid"},
	}
	out, err := NewReconciler(store, nil).Reconcile(context.Background(), incoming, "", models.ModeMerge, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Imported != 2 {
		t.Errorf("imported = %d, want 2", out.Imported)
	}
	// bad leaf, Broken folder, its skipped children, invalid node.
	if len(out.Errors) != 4 {
		t.Errorf("errors = %v", out.Errors)
	}
	hostErrs := 0
	for _, e := range out.Errors {
		if errors.Is(e, apperr.ErrHostOperation) {
			hostErrs++
		}
	}
	if hostErrs != 2 {
		t.Errorf("host errors = %d, want 2", hostErrs)
	}
	if store.child(models.BookmarksBarID, "Fine") == nil {
		t.Error("sibling after failure was not processed")
	}
}

func TestReconcile_ReplacePreservesReservedRoots(t *testing.T) {
	store := newFakeTree()
	ctx := context.Background()
	old, _ := store.Create(ctx, models.BookmarksBarID, models.NewFolder("Old"))
	_, _ = store.Create(ctx, old, models.NewLeaf("old leaf", "http://old"))
	_, _ = store.Create(ctx, models.OtherBookmarkID, models.NewLeaf("other leaf", "http://other"))
	barBefore := store.nodes[models.BookmarksBarID]

	out, err := NewReconciler(store, nil).Reconcile(ctx,
		[]*models.BookmarkNode{models.NewLeaf("New", "http://new")}, "", models.ModeReplace, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Removed != 3 || out.Imported != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if store.nodes[models.BookmarksBarID] != barBefore || store.nodes[models.OtherBookmarkID] == nil {
		t.Fatal("system roots lost their identity")
	}
	root := store.nodes[models.RootID]
	if len(root.Children) != 2 {
		t.Errorf("root children = %d", len(root.Children))
	}
	bar := store.nodes[models.BookmarksBarID]
	if len(bar.Children) != 1 || bar.Children[0].Title != "New" {
		t.Errorf("bar children = %+v", bar.Children)
	}
	if len(store.nodes[models.OtherBookmarkID].Children) != 0 {
		t.Error("other bookmarks not cleared")
	}
}

func TestClear_KeepsUnmodifiableAndContinues(t *testing.T) {
	store := newFakeTree()
	ctx := context.Background()
	managed, _ := store.Create(ctx, models.BookmarksBarID, models.NewFolder("Managed"))
	_, _ = store.Create(ctx, managed, models.NewLeaf("policy", "http://policy"))
	store.nodes[managed].Unmodifiable = "managed"
	stuck, _ := store.Create(ctx, models.BookmarksBarID, models.NewLeaf("stuck", "http://stuck"))
	store.failRemove[stuck] = true
	_, _ = store.Create(ctx, models.BookmarksBarID, models.NewLeaf("gone", "http://gone"))

	res, err := NewReconciler(store, nil).Clear(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 1 || len(res.Errors) != 1 {
		t.Errorf("result = %+v", res)
	}
	if store.nodes[managed] == nil || len(store.nodes[managed].Children) != 1 {
		t.Error("unmodifiable folder or its content was touched")
	}
	if store.nodes[stuck] == nil {
		t.Error("failed removal should leave the node")
	}
}

func TestReconcile_ReplaceTreeErrorAborts(t *testing.T) {
	store := newFakeTree()
	store.treeErr = errors.New("host down")
	_, err := NewReconciler(store, nil).Reconcile(context.Background(),
		[]*models.BookmarkNode{models.NewLeaf("x", "http://x")}, "", models.ModeReplace, nil)
	if !errors.Is(err, apperr.ErrHostOperation) {
		t.Errorf("err = %v", err)
	}
	if len(store.nodes[models.BookmarksBarID].Children) != 0 {
		t.Error("nothing should be created when the clear cannot start")
	}
}

func TestReconcile_ProgressMonotonic(t *testing.T) {
	store := newFakeTree()
	store.failCreate["F"] = true
	var seen []int
	total := -1
	_, err := NewReconciler(store, nil).Reconcile(context.Background(), []*models.BookmarkNode{
		models.NewLeaf("a", "http://a"),
		models.NewFolder("F", models.NewLeaf("b", "http://b"), models.NewLeaf("c", "http://c")),
		models.NewLeaf("d", "http://d"),
	}, "", models.ModeMerge, func(done, tot int) {
		seen = append(seen, done)
		total = tot
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress went backwards: %v", seen)
		}
	}
	if seen[len(seen)-1] != total {
		t.Errorf("final progress = %d, want %d", seen[len(seen)-1], total)
	}
}

func TestReconcile_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewReconciler(newFakeTree(), nil).Reconcile(ctx,
		[]*models.BookmarkNode{models.NewLeaf("x", "http://x")}, "", models.ModeMerge, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}
