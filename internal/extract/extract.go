// Package extract turns uploaded documents into plain text for the
// completion pipeline.
//
// Supported formats are PDF and plain text; image extraction (OCR) is
// recognized but not implemented. Format detection prefers the filename
// extension and falls back to the declared content type. Extraction never
// panics on malformed input; parser panics are converted to ErrCorruptInput.
package extract

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Sentinel errors for extraction. Check with errors.Is.
var (
	// ErrUnsupportedFormat indicates the document format is not recognized.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrCorruptInput indicates the document could not be parsed.
	ErrCorruptInput = errors.New("corrupt document")

	// ErrEmptyResult indicates parsing succeeded but yielded no text.
	ErrEmptyResult = errors.New("document contains no extractable text")

	// ErrNotImplemented indicates a recognized format without an extractor
	// (currently images, pending OCR support).
	ErrNotImplemented = errors.New("extraction not implemented for this format")

	// ErrTooLarge indicates the document exceeds MaxDocumentBytes.
	ErrTooLarge = errors.New("document too large")
)

// MaxDocumentBytes caps the size of a document accepted for extraction (50 MiB).
const MaxDocumentBytes = 50 << 20

// Format identifies a recognized document format.
type Format string

const (
	FormatPDF     Format = "pdf"
	FormatImage   Format = "image"
	FormatText    Format = "text"
	FormatUnknown Format = "unknown"
)

// DetectFormat determines the document format from the filename extension,
// falling back to the declared content type. Returns FormatUnknown when
// neither identifies a recognized format.
func DetectFormat(filename, contentType string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return FormatPDF
	case ".txt", ".text", ".md", ".csv", ".log":
		return FormatText
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".tiff":
		return FormatImage
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatUnknown
	}
	switch {
	case mediaType == "application/pdf":
		return FormatPDF
	case strings.HasPrefix(mediaType, "text/"):
		return FormatText
	case strings.HasPrefix(mediaType, "image/"):
		return FormatImage
	}
	return FormatUnknown
}

// Extract returns the plain text content of a document.
func Extract(data []byte, format Format) (string, error) {
	if len(data) > MaxDocumentBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrTooLarge, len(data), MaxDocumentBytes)
	}

	switch format {
	case FormatPDF:
		return extractPDF(data)
	case FormatText:
		return extractText(data)
	case FormatImage:
		return "", fmt.Errorf("image extraction requires OCR: %w", ErrNotImplemented)
	default:
		return "", fmt.Errorf("format %q: %w", format, ErrUnsupportedFormat)
	}
}

// extractText decodes a plain text document. Valid UTF-8 passes through
// unchanged; anything else is decoded as Windows-1252, which covers the
// Latin-1 exports common in bank statements.
func extractText(data []byte) (string, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", ErrEmptyResult
	}

	if utf8.Valid(data) {
		return string(data), nil
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decoding text: %w", ErrCorruptInput)
	}
	return string(decoded), nil
}
