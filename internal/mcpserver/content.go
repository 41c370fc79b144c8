package mcpserver

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/starford/histkeep/internal/models"
)

const maxImportSize = 50 << 20 // 50 MB

var mimeToFormat = map[string]models.Format{
	"application/json": models.FormatJSON,
	"text/json":        models.FormatJSON,
	"text/html":        models.FormatHTML,
	"text/csv":         models.FormatCSV,
}

// decodeContent returns the bytes of an import payload. The payload is
// either plain text or a data:[<mediatype>];base64,<data> URI; for the
// latter the media type suggests a format.
func decodeContent(content string) ([]byte, models.Format, error) {
	if !strings.HasPrefix(content, "data:") {
		if len(content) > maxImportSize {
			return nil, "", fmt.Errorf("content too large: %d bytes (max %d)", len(content), maxImportSize)
		}
		return []byte(content), "", nil
	}

	rest := strings.TrimPrefix(content, "data:")
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("invalid data URI: missing comma separator")
	}
	if !strings.Contains(meta, ";base64") {
		return nil, "", fmt.Errorf("only base64 data URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
	}
	if len(data) > maxImportSize {
		return nil, "", fmt.Errorf("content too large: %d bytes (max %d)", len(data), maxImportSize)
	}

	mime := strings.Split(strings.TrimSuffix(meta, ";base64"), ";")[0]
	return data, mimeToFormat[strings.ToLower(mime)], nil
}
