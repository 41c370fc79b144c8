package models

// Reserved bookmark node identities. The host tree always contains them and
// they are never removed or replaced; reconciliation only recurses into them.
const (
	RootID          = "root"
	BookmarksBarID  = "bookmarks-bar"
	OtherBookmarkID = "other-bookmarks"
)

// IsReservedID reports whether id names one of the system roots.
func IsReservedID(id string) bool {
	return id == RootID || id == BookmarksBarID || id == OtherBookmarkID
}

// BookmarkNode is either a folder (Children non-nil, possibly empty) or a
// leaf (URL non-empty). A valid node is exactly one of the two.
type BookmarkNode struct {
	ID           string          `json:"id,omitempty"`
	ParentID     string          `json:"parentId,omitempty"`
	Title        string          `json:"title"`
	URL          string          `json:"url,omitempty"`
	Children     []*BookmarkNode `json:"children"`
	DateAdded    int64           `json:"dateAdded,omitempty"`
	Unmodifiable string          `json:"unmodifiable,omitempty"`
}

// NewFolder builds a folder node. Children is never nil, so an empty folder
// stays a folder.
func NewFolder(title string, children ...*BookmarkNode) *BookmarkNode {
	if children == nil {
		children = []*BookmarkNode{}
	}
	return &BookmarkNode{Title: title, Children: children}
}

// NewLeaf builds a bookmark node.
func NewLeaf(title, url string) *BookmarkNode {
	return &BookmarkNode{Title: title, URL: url}
}

// IsFolder reports whether n is a folder.
func (n *BookmarkNode) IsFolder() bool { return n.Children != nil }

// IsLeaf reports whether n is a bookmark.
func (n *BookmarkNode) IsLeaf() bool { return n.Children == nil && n.URL != "" }

// Valid reports whether n has exactly one of children or url.
func (n *BookmarkNode) Valid() bool {
	return (n.Children != nil) != (n.URL != "")
}

// CountLeaves returns the number of bookmarks (not folders) under n, n included.
func CountLeaves(n *BookmarkNode) int {
	if n == nil {
		return 0
	}
	if n.Children == nil {
		if n.URL != "" {
			return 1
		}
		return 0
	}
	count := 0
	for _, c := range n.Children {
		count += CountLeaves(c)
	}
	return count
}

// Find returns the node with the given id under n, or nil.
func Find(n *BookmarkNode, id string) *BookmarkNode {
	if n == nil {
		return nil
	}
	if n.ID == id {
		return n
	}
	for _, c := range n.Children {
		if found := Find(c, id); found != nil {
			return found
		}
	}
	return nil
}
