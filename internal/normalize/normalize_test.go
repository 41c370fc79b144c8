package normalize

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/starford/histkeep/internal/apperr"
	"github.com/starford/histkeep/internal/models"
)

func TestHistory_JSONSkipsMalformedRows(t *testing.T) {
	raw := []byte(`{"version":"2.0","history":[
		{"url":"https://a.example","title":"A","visitCount":2,"lastVisitTime":1700000000123.7},
		{"title":"no url","visitCount":1,"lastVisitTime":1},
		{"url":"https://b.example","visitCount":-1,"lastVisitTime":1},
		{"url":"https://c.example","lastVisitTime":5}
	]}`)

	var good []models.HistoryRecord
	var bad []error
	for rec, err := range History(raw, models.FormatJSON) {
		if err != nil {
			bad = append(bad, err)
			continue
		}
		good = append(good, rec)
	}

	if len(good) != 2 {
		t.Fatalf("good = %d, want 2", len(good))
	}
	if good[0].LastVisitTime != 1700000000123 {
		t.Errorf("lastVisitTime = %d, want truncated ms", good[0].LastVisitTime)
	}
	if good[1].VisitCount != 0 {
		t.Errorf("missing visitCount = %d, want 0", good[1].VisitCount)
	}
	if len(bad) != 2 {
		t.Fatalf("bad = %d, want 2", len(bad))
	}
	for _, err := range bad {
		if !errors.Is(err, apperr.ErrMalformedRecord) {
			t.Errorf("err %v is not a malformed record", err)
		}
	}
	var mre *apperr.MalformedRecordError
	if !errors.As(bad[0], &mre) || mre.Index != 1 || mre.Source != "json" {
		t.Errorf("first malformed = %+v", mre)
	}
}

func TestHistory_SingleUse(t *testing.T) {
	seq := History([]byte(`[{"url":"https://a.example","lastVisitTime":1}]`), models.FormatJSON)
	n := 0
	for _, err := range seq {
		if err != nil {
			t.Fatalf("first pass: %v", err)
		}
		n++
	}
	if n != 1 {
		t.Fatalf("first pass yielded %d", n)
	}
	for _, err := range seq {
		if !errors.Is(err, ErrConsumed) {
			t.Errorf("second pass err = %v, want ErrConsumed", err)
		}
	}
}

func TestHistory_FatalParseYieldsOnce(t *testing.T) {
	var errs []error
	for _, err := range History([]byte(`{not json`), models.FormatJSON) {
		errs = append(errs, err)
	}
	if len(errs) != 1 || errs[0] == nil {
		t.Fatalf("errs = %v, want one fatal error", errs)
	}
	if errors.Is(errs[0], apperr.ErrMalformedRecord) {
		t.Error("fatal parse error must not be a malformed record")
	}
}

func TestHistory_EarlyBreak(t *testing.T) {
	raw := []byte(`[{"url":"https://a","lastVisitTime":1},{"url":"https://b","lastVisitTime":2}]`)
	n := 0
	for range History(raw, models.FormatJSON) {
		n++
		break
	}
	if n != 1 {
		t.Errorf("n = %d", n)
	}
}

func TestDecode_DropsInvalidBookmarks(t *testing.T) {
	raw := []byte(`{"history":[],"bookmarks":[{"title":"","children":[
		{"title":"ok","url":"https://ok"},
		{"title":"both","url":"https://x","children":[]},
		{"title":"neither"},
		{"title":"empty folder","children":[]}
	]}]}`)
	ds, skipped, err := Decode(raw, models.FormatJSON)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(skipped) != 2 {
		t.Errorf("skipped = %v, want 2 entries", skipped)
	}
	if len(ds.Bookmarks) != 1 {
		t.Fatalf("roots = %d", len(ds.Bookmarks))
	}
	kids := ds.Bookmarks[0].Children
	if len(kids) != 2 || kids[0].Title != "ok" || !kids[1].IsFolder() {
		t.Errorf("children = %+v", kids)
	}
}

func TestDecode_EmptyCSV(t *testing.T) {
	ds, skipped, err := Decode(nil, models.FormatCSV)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(ds.History) != 0 || len(skipped) != 0 {
		t.Errorf("ds = %+v, skipped = %v", ds, skipped)
	}
}

func TestDecode_UntypedCSV(t *testing.T) {
	raw := []byte("Title,URL,Last Visit Time,Visit Count\n" +
		"A,https://a.example,2026-01-02,3\n" +
		"B,https://b.example,1700000000000,lots\n" +
		"C,https://c.example,someday,1\n" +
		"short,row\n")
	ds, skipped, err := Decode(raw, models.FormatCSV)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(ds.History) != 2 {
		t.Fatalf("history = %+v", ds.History)
	}
	want := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC).UnixMilli()
	if ds.History[0].LastVisitTime != want || ds.History[0].VisitCount != 3 {
		t.Errorf("row A = %+v", ds.History[0])
	}
	if ds.History[1].VisitCount != 1 {
		t.Errorf("unparseable count = %d, want fallback 1", ds.History[1].VisitCount)
	}
	if len(skipped) != 2 {
		t.Errorf("skipped = %v, want 2", skipped)
	}
	if len(ds.Bookmarks) != 0 {
		t.Errorf("untyped csv produced bookmarks")
	}
}

func TestHistory_RejectsOutOfRangeNumbers(t *testing.T) {
	cases := []struct {
		name   string
		format models.Format
		raw    string
	}{
		{"json visit time", models.FormatJSON, `{"history":[{"url":"https://a.example","lastVisitTime":1e30}]}`},
		{"json negative visit time", models.FormatJSON, `{"history":[{"url":"https://a.example","lastVisitTime":-1e19}]}`},
		{"json visit count", models.FormatJSON, `{"history":[{"url":"https://a.example","lastVisitTime":1,"visitCount":1e30}]}`},
		{"csv visit time", models.FormatCSV, "Title,URL,Last Visit Time,Visit Count\nA,https://a.example,1e30,1\n"},
		{"csv nan visit time", models.FormatCSV, "Title,URL,Last Visit Time,Visit Count\nA,https://a.example,NaN,1\n"},
		{"csv infinite count", models.FormatCSV, "Title,URL,Last Visit Time,Visit Count\nA,https://a.example,1,+Inf\n"},
		{"csv huge count", models.FormatCSV, "Title,URL,Last Visit Time,Visit Count\nA,https://a.example,1,1e400\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var good, bad int
			for _, err := range History([]byte(tc.raw), tc.format) {
				if err == nil {
					good++
					continue
				}
				var mre *apperr.MalformedRecordError
				if !errors.As(err, &mre) {
					t.Fatalf("err = %v, want malformed record", err)
				}
				bad++
			}
			if good != 0 || bad != 1 {
				t.Errorf("good = %d, bad = %d, want 0 and 1", good, bad)
			}
		})
	}
}

func TestDecode_BookmarkDateOutOfRange(t *testing.T) {
	raw := []byte(`{"history":[],"bookmarks":[{"title":"","children":[
		{"title":"far","url":"https://far.example","dateAdded":1e30},
		{"title":"ok","url":"https://ok.example","dateAdded":1700000000000}
	]}]}`)
	ds, skipped, err := Decode(raw, models.FormatJSON)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(skipped) != 1 || !errors.Is(skipped[0], apperr.ErrMalformedRecord) {
		t.Errorf("skipped = %v", skipped)
	}
	if kids := ds.Bookmarks[0].Children; len(kids) != 1 || kids[0].DateAdded != 1700000000000 {
		t.Errorf("children = %+v", kids)
	}
}

func TestToInt64(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 1e30, math.MaxInt64} {
		if _, ok := toInt64(f); ok {
			t.Errorf("toInt64(%v) accepted", f)
		}
	}
	if n, ok := toInt64(-1700000000123.9); !ok || n != -1700000000123 {
		t.Errorf("toInt64 = %d, %v", n, ok)
	}
}

func sampleDataset() *models.Dataset {
	return &models.Dataset{
		ExportDate: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
		Version:    models.DatasetVersion,
		History: []models.HistoryRecord{
			{URL: "https://a.example/?q=1&r=2", Title: "A <b>bold</b>", VisitCount: 4, LastVisitTime: 1700000000123},
			{URL: "https://b.example", Title: "B, with comma", VisitCount: 1, LastVisitTime: 1700000500000},
		},
		Bookmarks: []*models.BookmarkNode{
			models.NewFolder("",
				models.NewFolder("Bookmarks bar",
					models.NewLeaf("Go", "https://go.dev"),
					models.NewFolder("Docs",
						models.NewLeaf("Pkg", "https://pkg.go.dev"),
					),
				),
				models.NewLeaf("Loose", "https://loose.example"),
			),
		},
	}
}

func TestEncodeDecode_AllFormats(t *testing.T) {
	src := sampleDataset()
	for _, f := range []models.Format{models.FormatJSON, models.FormatHTML, models.FormatCSV} {
		t.Run(string(f), func(t *testing.T) {
			raw, err := Encode(src, f)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, skipped, err := Decode(raw, f)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(skipped) != 0 {
				t.Fatalf("skipped = %v", skipped)
			}
			if len(got.History) != len(src.History) {
				t.Fatalf("history = %d, want %d", len(got.History), len(src.History))
			}
			for i, h := range got.History {
				w := src.History[i]
				if h.URL != w.URL || h.Title != w.Title || h.VisitCount != w.VisitCount || h.LastVisitTime != w.LastVisitTime {
					t.Errorf("history[%d] = %+v, want %+v", i, h, w)
				}
			}
			if got.BookmarkCount() != 3 {
				t.Errorf("bookmarks = %d, want 3", got.BookmarkCount())
			}
			bar := got.Bookmarks[0].Children[0]
			if bar.Title != "Bookmarks bar" || len(bar.Children) != 2 || bar.Children[1].Title != "Docs" {
				t.Errorf("folder structure lost: %+v", bar)
			}
		})
	}
}

func TestEncodeJSON_KeepsEmptyFolders(t *testing.T) {
	ds := &models.Dataset{Bookmarks: []*models.BookmarkNode{models.NewFolder("", models.NewFolder("empty"))}}
	raw, err := Encode(ds, models.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	got, _, err := Decode(raw, models.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Bookmarks) != 1 || len(got.Bookmarks[0].Children) != 1 || !got.Bookmarks[0].Children[0].IsFolder() {
		t.Errorf("empty folder lost: %+v", got.Bookmarks)
	}
	if !strings.Contains(string(raw), `"history": []`) {
		t.Errorf("nil history should encode as an empty array:\n%s", raw)
	}
}

func TestEncodeHTML_EscapesTitles(t *testing.T) {
	raw, err := Encode(sampleDataset(), models.FormatHTML)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "<b>bold</b>") {
		t.Error("title markup was not escaped")
	}
	if !strings.Contains(string(raw), `id="bookmarks"`) {
		t.Error("bookmarks section missing")
	}
}

func TestEncode_UnknownFormat(t *testing.T) {
	if _, err := Encode(sampleDataset(), models.Format("xml")); err == nil {
		t.Error("expected error")
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		want models.Format
		err  bool
	}{
		{"export.json", models.FormatJSON, false},
		{"Export.HTM", models.FormatHTML, false},
		{"history.csv", models.FormatCSV, false},
		{"notes.txt", "", true},
	}
	for _, tt := range tests {
		got, err := DetectFormat(tt.name)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("DetectFormat(%q) = %q, %v", tt.name, got, err)
		}
	}
	if f, err := ParseFormat(""); err != nil || f != models.FormatJSON {
		t.Errorf("ParseFormat(\"\") = %q, %v", f, err)
	}
	if _, err := ParseFormat("yaml"); err == nil {
		t.Error("ParseFormat(yaml) should fail")
	}
}

func TestOpen_CountsRowsAndIsSingleUse(t *testing.T) {
	raw, err := Encode(sampleDataset(), models.FormatCSV)
	if err != nil {
		t.Fatal(err)
	}
	src, err := Open(raw, models.FormatCSV)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if src.Rows != 2 {
		t.Errorf("rows = %d, want 2", src.Rows)
	}
	if len(src.Bookmarks) != 1 {
		t.Errorf("bookmark roots = %d", len(src.Bookmarks))
	}
	seq := src.History()
	n := 0
	for _, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	if n != 2 {
		t.Errorf("yielded %d", n)
	}
	for _, err := range src.History() {
		if !errors.Is(err, ErrConsumed) {
			t.Errorf("second pass err = %v", err)
		}
	}
}

func TestOpen_FatalError(t *testing.T) {
	if _, err := Open([]byte("   "), models.FormatJSON); err == nil {
		t.Error("expected error for empty json")
	}
}
