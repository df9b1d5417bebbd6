// Package extract turns uploaded files into plain text for analysis.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// Kind is the declared category of an upload.
type Kind string

const (
	KindCode     Kind = "code"
	KindDocument Kind = "document"
	KindImage    Kind = "image"
)

var (
	// ErrUnknownKind is returned for an unrecognised upload type.
	ErrUnknownKind = errors.New("unknown file type")
	// ErrNotAllowed is returned when the extension is not accepted for the kind.
	ErrNotAllowed = errors.New("file extension not allowed")
	// ErrUnsupported is returned for formats that are accepted but cannot be
	// converted to text.
	ErrUnsupported = errors.New("file format not supported for text extraction")
	// ErrTooLarge is returned when the content exceeds the extractor limit.
	ErrTooLarge = errors.New("file too large")
)

// ImagePlaceholder is returned in place of text for image uploads.
const ImagePlaceholder = "图片已上传成功，正在分析..."

// DefaultMaxBytes bounds the content read from one upload.
const DefaultMaxBytes = 16 << 20

var allowedExtensions = map[Kind]map[string]bool{
	KindCode: set("py", "js", "html", "css", "json", "xml", "yaml", "yml",
		"md", "txt", "ini", "conf", "sh", "bat", "ps1"),
	KindDocument: set("doc", "docx", "pdf", "txt", "md", "rtf"),
	KindImage:    set("png", "jpg", "jpeg", "gif", "bmp", "webp"),
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// ParseKind validates an upload type. "doc" is accepted for documents.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "code":
		return KindCode, nil
	case "document", "doc":
		return KindDocument, nil
	case "image":
		return KindImage, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func extension(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// Allowed reports whether filename may be uploaded as kind.
func Allowed(kind Kind, filename string) bool {
	return allowedExtensions[kind][extension(filename)]
}

// Extractor converts an upload to plain text.
type Extractor interface {
	Extract(ctx context.Context, kind Kind, filename string, r io.Reader) (string, error)
}

// TextExtractor reads UTF-8 text files, .docx documents and the text layer
// of PDFs. Images yield
// ImagePlaceholder after their content is confirmed to be an image.
type TextExtractor struct {
	MaxBytes int64
}

// NewTextExtractor creates a TextExtractor. A non-positive limit uses
// DefaultMaxBytes.
func NewTextExtractor(maxBytes int64) *TextExtractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &TextExtractor{MaxBytes: maxBytes}
}

// Extract implements Extractor.
func (e *TextExtractor) Extract(ctx context.Context, kind Kind, filename string, r io.Reader) (string, error) {
	if _, ok := allowedExtensions[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if !Allowed(kind, filename) {
		return "", fmt.Errorf("%w: %s as %s", ErrNotAllowed, filename, kind)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := io.ReadAll(io.LimitReader(r, e.MaxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filename, err)
	}
	if int64(len(data)) > e.MaxBytes {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, filename, e.MaxBytes)
	}

	mime := mimetype.Detect(data)
	switch ext := extension(filename); {
	case kind == KindImage:
		if !strings.HasPrefix(mime.String(), "image/") {
			return "", fmt.Errorf("%w: %s is %s, not an image", ErrNotAllowed, filename, mime.String())
		}
		return ImagePlaceholder, nil
	case ext == "docx":
		text, err := docxText(data)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", filename, err)
		}
		return text, nil
	case ext == "pdf":
		text, err := pdfText(data)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", filename, err)
		}
		return text, nil
	case ext == "doc" || ext == "rtf":
		return "", fmt.Errorf("%w: %s", ErrUnsupported, filename)
	default:
		data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: %s is not UTF-8 text (%s)", ErrUnsupported, filename, mime.String())
		}
		return string(data), nil
	}
}
