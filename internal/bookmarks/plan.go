// Package bookmarks merges an incoming bookmark forest into the host tree.
//
// Reconciliation is split in two: Plan turns the incoming nodes into a tree
// of intended host operations without touching the host, and Reconciler
// executes that plan against a host.BookmarkStore.
package bookmarks

import "github.com/starford/histkeep/internal/models"

// StepKind is the host operation a Step stands for.
type StepKind int

const (
	// CreateFolder creates a folder under the current parent, then runs the
	// child steps under the new folder.
	CreateFolder StepKind = iota
	// CreateBookmark creates a leaf under the current parent.
	CreateBookmark
	// EnterReserved runs the child steps under a system root of the host
	// instead of creating a copy of it.
	EnterReserved
	// Invalid records a node that is neither a folder nor a leaf.
	Invalid
)

func (k StepKind) String() string {
	switch k {
	case CreateFolder:
		return "create-folder"
	case CreateBookmark:
		return "create-bookmark"
	case EnterReserved:
		return "enter-reserved"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Step is one planned operation.
type Step struct {
	Kind       StepKind
	Title      string
	URL        string
	ReservedID string // EnterReserved only
	Reason     string // Invalid only
	Children   []Step
}

// Plan converts incoming into steps in depth-first order. Untitled folders
// and the host root are transparent: their children are planned at the
// level the folder itself would occupy. Folders carrying a system root id
// map onto that root.
func Plan(incoming []*models.BookmarkNode) []Step {
	var steps []Step
	for _, n := range incoming {
		steps = planNode(steps, n)
	}
	return steps
}

func planNode(steps []Step, n *models.BookmarkNode) []Step {
	if n == nil {
		return steps
	}
	switch {
	case !n.Valid():
		return append(steps, Step{
			Kind:   Invalid,
			Title:  n.Title,
			Reason: "node must have exactly one of url or children",
		})
	case n.IsFolder() && (n.ID == models.BookmarksBarID || n.ID == models.OtherBookmarkID):
		return append(steps, Step{
			Kind:       EnterReserved,
			Title:      n.Title,
			ReservedID: n.ID,
			Children:   Plan(n.Children),
		})
	case n.IsFolder() && (n.Title == "" || n.ID == models.RootID):
		for _, c := range n.Children {
			steps = planNode(steps, c)
		}
		return steps
	case n.IsFolder():
		return append(steps, Step{Kind: CreateFolder, Title: n.Title, Children: Plan(n.Children)})
	default:
		return append(steps, Step{Kind: CreateBookmark, Title: n.Title, URL: n.URL})
	}
}

// CountSteps returns the number of steps in steps and all their descendants.
func CountSteps(steps []Step) int {
	n := 0
	for _, s := range steps {
		n += 1 + CountSteps(s.Children)
	}
	return n
}

// CountBookmarks returns the number of CreateBookmark steps in steps.
func CountBookmarks(steps []Step) int {
	n := 0
	for _, s := range steps {
		if s.Kind == CreateBookmark {
			n++
		}
		n += CountBookmarks(s.Children)
	}
	return n
}
