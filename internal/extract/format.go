package extract

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Format is the closed set of document kinds the extractor understands.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatCSV  Format = "csv"
	FormatText Format = "text"
)

const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeCSV  = "text/csv"
	MimeText = "text/plain"
)

var mimeFormats = map[string]Format{
	MimePDF:                       FormatPDF,
	MimeDOCX:                      FormatDOCX,
	MimeCSV:                       FormatCSV,
	"application/csv":             FormatCSV,
	"text/comma-separated-values": FormatCSV,
	MimeText:                      FormatText,
	"text/markdown":               FormatText,
}

var extFormats = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".csv":  FormatCSV,
	".txt":  FormatText,
	".md":   FormatText,
}

// ErrRowSource marks CSV input, which is read as rows rather than prose.
var ErrRowSource = errors.New("csv is a row source")

// UnsupportedFormatError reports a declared MIME type outside the supported set.
type UnsupportedFormatError struct {
	MimeType string
}

func (e *UnsupportedFormatError) Error() string {
	if e.MimeType == "" {
		return "unsupported file type: unknown"
	}
	return fmt.Sprintf("unsupported file type: %s", e.MimeType)
}

// NormalizeMime lowercases a media type and strips its parameters.
func NormalizeMime(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = mimeType[:idx]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Detect resolves the format from the declared MIME type. The file extension
// is only consulted when no specific type was declared.
func Detect(mimeType, fileName string) (Format, error) {
	mt := NormalizeMime(mimeType)
	if f, ok := mimeFormats[mt]; ok {
		return f, nil
	}
	if mt == "" || mt == "application/octet-stream" {
		if f, ok := extFormats[strings.ToLower(filepath.Ext(fileName))]; ok {
			return f, nil
		}
	}
	return "", &UnsupportedFormatError{MimeType: mimeType}
}

// Supported reports whether Detect would accept the pair.
func Supported(mimeType, fileName string) bool {
	_, err := Detect(mimeType, fileName)
	return err == nil
}
