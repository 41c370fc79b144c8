package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/starford/histkeep/internal/models"
)

// parseHTML reads the history table (columns title, url, last visit, visit
// count) and, when present, the nested bookmark list under #bookmarks.
func parseHTML(raw []byte) (*document, error) {
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("normalize: parse html: %w", err)
	}

	doc := &document{}
	var rows []*html.Node
	if table := findElement(root, func(n *html.Node) bool { return n.DataAtom == atom.Table }); table != nil {
		walkElements(table, func(n *html.Node) bool {
			if n.DataAtom == atom.Tr {
				rows = append(rows, n)
				return false
			}
			return true
		})
	}

	for _, tr := range rows {
		if len(childElements(tr, atom.Td)) > 0 {
			doc.rows++
		}
	}
	doc.history = func(yield func(models.HistoryRecord, error) bool) {
		i := 0
		for _, tr := range rows {
			cells := childElements(tr, atom.Td)
			if len(cells) == 0 {
				// Header row.
				continue
			}
			rec, err := historyFromCells(i, cells)
			i++
			if !yield(rec, err) {
				return
			}
		}
	}

	section := findElement(root, func(n *html.Node) bool { return attr(n, "id") == "bookmarks" })
	if section != nil {
		counter := 0
		for _, ul := range childElements(section, atom.Ul) {
			folder := models.NewFolder("", listItems(ul, &counter, &doc.bookmarkErrs)...)
			doc.bookmarks = append(doc.bookmarks, folder)
		}
	}
	return doc, nil
}

func historyFromCells(i int, cells []*html.Node) (models.HistoryRecord, error) {
	if len(cells) < 4 {
		return models.HistoryRecord{}, malformed("html", i, "expected 4 cells, got %d", len(cells))
	}
	url := strings.TrimSpace(textContent(cells[1]))
	if a := findElement(cells[1], func(n *html.Node) bool { return n.DataAtom == atom.A }); a != nil {
		if href := attr(a, "href"); href != "" {
			url = href
		}
	}
	if url == "" {
		return models.HistoryRecord{}, malformed("html", i, "url is required")
	}
	visited, ok := parseVisitTime(textContent(cells[2]))
	if !ok {
		return models.HistoryRecord{}, malformed("html", i, "unparseable last visit %q", strings.TrimSpace(textContent(cells[2])))
	}
	count, ok := parseCount(textContent(cells[3]))
	if !ok {
		return models.HistoryRecord{}, malformed("html", i, "visit count %q out of range", strings.TrimSpace(textContent(cells[3])))
	}
	return models.HistoryRecord{
		URL:           url,
		Title:         strings.TrimSpace(textContent(cells[0])),
		LastVisitTime: visited,
		VisitCount:    count,
	}, nil
}

// listItems converts the <li> children of ul into bookmark nodes. A folder
// item carries a nested <ul>; a bookmark item carries an <a href>.
func listItems(ul *html.Node, counter *int, errs *[]error) []*models.BookmarkNode {
	out := []*models.BookmarkNode{}
	for _, li := range childElements(ul, atom.Li) {
		idx := *counter
		*counter++

		if nested := childElements(li, atom.Ul); len(nested) > 0 || hasClass(li, "folder") {
			title := ""
			if span := findElement(li, func(n *html.Node) bool { return hasClass(n, "folder-title") }); span != nil {
				title = strings.TrimSpace(textContent(span))
			}
			folder := models.NewFolder(title)
			for _, sub := range nested {
				folder.Children = append(folder.Children, listItems(sub, counter, errs)...)
			}
			out = append(out, folder)
			continue
		}

		a := findElement(li, func(n *html.Node) bool { return n.DataAtom == atom.A })
		if a == nil || attr(a, "href") == "" {
			*errs = append(*errs, malformed("html", idx, "bookmark item without link"))
			continue
		}
		out = append(out, models.NewLeaf(strings.TrimSpace(textContent(a)), attr(a, "href")))
	}
	return out
}

// findElement returns the first element under n (n included) matching match.
func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

// walkElements visits elements depth-first; returning false skips the subtree.
func walkElements(n *html.Node, visit func(*html.Node) bool) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if visit(c) {
			walkElements(c, visit)
		}
	}
}

func childElements(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			out = append(out, c)
		}
	}
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
