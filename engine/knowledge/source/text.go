package source

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

const (
	FileTypeMarkdown = "markdown"
	FileTypeText     = "text"
	FileTypeHTML     = "html"
	FileTypePDF      = "pdf"
)

// detectContentType trusts a specific declared type and sniffs otherwise.
func detectContentType(data []byte, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.HasPrefix(strings.ToLower(declared), "application/octet-stream") {
		return declared
	}
	return mimetype.Detect(data).String()
}

func classify(contentType, name string) (string, error) {
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		media = strings.ToLower(contentType)
	}
	switch ext := strings.ToLower(path.Ext(name)); {
	case media == "application/pdf":
		return FileTypePDF, nil
	case media == "text/markdown", ext == ".md" || ext == ".markdown":
		if strings.HasPrefix(media, "text/") || media == "" {
			return FileTypeMarkdown, nil
		}
	case media == "text/html":
		return FileTypeHTML, nil
	case strings.HasPrefix(media, "text/"), media == "application/json":
		return FileTypeText, nil
	}
	return "", ErrUnsupportedType
}

// decodeText returns data as UTF-8, transcoding from the declared or
// sniffed charset when needed.
func decodeText(data []byte, contentType string) (string, error) {
	if utf8.Valid(data) {
		return normalizeNewlines(string(data)), nil
	}
	enc, name, _ := charset.DetermineEncoding(data, contentType)
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), enc.NewDecoder()))
	if err != nil {
		return "", fmt.Errorf("transcode from %s: %w", name, err)
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("transcode from %s: result is not valid utf-8", name)
	}
	return normalizeNewlines(string(decoded)), nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
