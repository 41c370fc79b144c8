package normalize

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	"time"

	"github.com/starford/histkeep/internal/models"
)

// Encode serializes ds in the given format. The output of each format is
// accepted by Decode for the same format.
func Encode(ds *models.Dataset, format models.Format) ([]byte, error) {
	if ds == nil {
		return nil, fmt.Errorf("normalize: encode: nil dataset")
	}
	switch format {
	case models.FormatJSON:
		return encodeJSON(ds)
	case models.FormatHTML:
		return encodeHTML(ds)
	case models.FormatCSV:
		return encodeCSV(ds)
	default:
		return nil, fmt.Errorf("normalize: unsupported format %q", format)
	}
}

func encodeJSON(ds *models.Dataset) ([]byte, error) {
	out := *ds
	if out.History == nil {
		out.History = []models.HistoryRecord{}
	}
	if out.Bookmarks == nil {
		out.Bookmarks = []*models.BookmarkNode{}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("normalize: encode json: %w", err)
	}
	return b, nil
}

func formatVisit(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

var htmlTemplate = template.Must(template.New("export").Funcs(template.FuncMap{
	"visit": formatVisit,
	"date": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	},
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Browser Data Export</title>
</head>
<body>
<h1>Browser Data Export</h1>
<p class="meta">Exported {{date .ExportDate}}, version {{.Version}}</p>
{{- if .History}}
<h2>History ({{len .History}})</h2>
<table>
<thead><tr><th>Title</th><th>URL</th><th>Last Visit</th><th>Visit Count</th></tr></thead>
<tbody>
{{- range .History}}
<tr><td>{{.Title}}</td><td><a href="{{.URL}}">{{.URL}}</a></td><td>{{visit .LastVisitTime}}</td><td>{{.VisitCount}}</td></tr>
{{- end}}
</tbody>
</table>
{{- end}}
{{- if .Bookmarks}}
<h2>Bookmarks</h2>
<section id="bookmarks">
{{- range .Bookmarks}}
<ul>{{if .IsFolder}}{{range .Children}}{{template "node" .}}{{end}}{{else}}{{template "node" .}}{{end}}</ul>
{{- end}}
</section>
{{- end}}
</body>
</html>
{{define "node"}}{{if .IsFolder}}<li class="folder"><span class="folder-title">{{.Title}}</span><ul>{{range .Children}}{{template "node" .}}{{end}}</ul></li>{{else}}<li class="bookmark"><a href="{{.URL}}">{{.Title}}</a></li>{{end}}{{end}}`))

func encodeHTML(ds *models.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, ds); err != nil {
		return nil, fmt.Errorf("normalize: encode html: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeCSV writes one row per history record and one per bookmark leaf.
// Folder structure is flattened into a "/"-joined path under "Root"; empty
// folders are not represented.
func encodeCSV(ds *models.Dataset) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("normalize: encode csv: %w", err)
	}

	for _, h := range ds.History {
		row := []string{csvTypeHistory, h.Title, h.URL, formatVisit(h.LastVisitTime), strconv.Itoa(h.VisitCount), ""}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("normalize: encode csv: %w", err)
		}
	}

	var walk func(n *models.BookmarkNode, path string) error
	walk = func(n *models.BookmarkNode, path string) error {
		if !n.IsFolder() {
			return w.Write([]string{csvTypeBookmark, n.Title, n.URL, "", "", path})
		}
		for _, c := range n.Children {
			childPath := path
			if c.IsFolder() && c.Title != "" {
				childPath = path + "/" + strings.ReplaceAll(c.Title, "/", "-")
			}
			if err := walk(c, childPath); err != nil {
				return err
			}
		}
		return nil
	}
	for _, b := range ds.Bookmarks {
		path := csvRootSegment
		if b.IsFolder() && b.Title != "" {
			path += "/" + strings.ReplaceAll(b.Title, "/", "-")
		}
		if err := walk(b, path); err != nil {
			return nil, fmt.Errorf("normalize: encode csv: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("normalize: encode csv: %w", err)
	}
	return buf.Bytes(), nil
}
