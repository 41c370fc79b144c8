package mcpserver

// ExportFormatContract describes the canonical JSON export that import_data
// accepts and export_data and backups produce.
const ExportFormatContract = `# histkeep Export Format

The canonical export is a single UTF-8 JSON document.

` + "```" + `json
{
  "exportDate": "2024-03-01T12:00:00Z",
  "version": "1.0",
  "history": [
    {"url": "https://example.com/", "title": "Example", "visitCount": 3,
     "lastVisitTime": 1709294400000, "typedCount": 1}
  ],
  "bookmarks": [
    {"id": "root", "title": "", "children": [
      {"id": "bookmarks-bar", "title": "Bookmarks bar", "children": [
        {"title": "Work", "children": [
          {"title": "Docs", "url": "https://docs.example.com/"}
        ]}
      ]}
    ]}
  ]
}
` + "```" + `

## Rules

1. **` + "`" + `url` + "`" + ` and ` + "`" + `lastVisitTime` + "`" + ` are required** for every history entry.
   ` + "`" + `lastVisitTime` + "`" + ` is milliseconds since the Unix epoch. Counts are non-negative.
2. **Duplicates are resolved by URL.** An incoming entry replaces an existing one only when
   its ` + "`" + `lastVisitTime` + "`" + ` is strictly newer; otherwise it is skipped.
3. **A bookmark node is a folder or a bookmark, never both.** Folders carry
   ` + "`" + `children` + "`" + ` (possibly empty); bookmarks carry ` + "`" + `url` + "`" + `.
4. **Reserved folders** are matched by id: ` + "`" + `bookmarks-bar` + "`" + ` and ` + "`" + `other-bookmarks` + "`" + `.
   Their contents merge into the existing folders; the folders are never recreated or removed.
5. **Untitled folders** (including the ` + "`" + `root` + "`" + ` container) are transparent: their children
   attach to the enclosing folder.
6. **Replace mode** clears bookmarks outside the reserved folders first. History cannot be
   cleared, so replace imports history as a merge and reports a warning.

## Other formats

- **HTML:** the first ` + "`" + `<table>` + "`" + ` with columns Title, URL, Last Visit, Visit Count.
- **CSV:** header ` + "`" + `Type,Title,URL,Last Visit Time,Visit Count,Folder Path` + "`" + `;
  ` + "`" + `History` + "`" + ` and ` + "`" + `Bookmark` + "`" + ` rows, folders given as ` + "`" + `Root/Folder/Sub` + "`" + ` paths.
`
