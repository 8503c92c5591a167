// Package extract converts raw files into normalized text or image
// features suitable for embedding. Each supported file type has a reader;
// output is bounded so embedding cost stays predictable.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedType is returned for files outside the supported
// extension set.
var ErrUnsupportedType = errors.New("unsupported file type")

// ErrExtraction is returned when a supported file cannot be read or
// parsed. It is recoverable: the file is marked failed and skipped.
var ErrExtraction = errors.New("extraction failed")

// Family groups file types by how they are embedded.
type Family string

const (
	FamilyDocument Family = "document"
	FamilyImage    Family = "image"
)

// Content is the normalized output of extraction. Documents carry Text;
// images carry ImageData (raw bytes for multimodal providers) plus a Text
// rendering for text-only providers. Content exists only for the duration
// of a pipeline run and is never persisted.
type Content struct {
	Text      string
	ImageData []byte
	ImageMIME string
	Method    string
}

// IsImage reports whether the content carries image features.
func (c Content) IsImage() bool {
	return len(c.ImageData) > 0
}

var documentExts = map[string]bool{
	"pdf": true, "txt": true, "md": true, "rtf": true,
	"html": true, "htm": true,
	"doc": true, "docx": true,
	"ppt": true, "pptx": true,
	"xls": true, "xlsx": true,
	"csv": true,
}

var imageExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"webp": true, "heic": true, "heif": true,
}

// TypeOf returns the normalized file-type tag (lowercase extension
// without the dot) and its family. ok is false for unsupported types.
func TypeOf(path string) (fileType string, family Family, ok bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch {
	case documentExts[ext]:
		return ext, FamilyDocument, true
	case imageExts[ext]:
		return ext, FamilyImage, true
	default:
		return ext, "", false
	}
}

// FamilyOf returns the family of a normalized file-type tag. ok is false
// for unsupported tags.
func FamilyOf(fileType string) (Family, bool) {
	switch {
	case documentExts[fileType]:
		return FamilyDocument, true
	case imageExts[fileType]:
		return FamilyImage, true
	default:
		return "", false
	}
}

// Extractor dispatches extraction by file type.
type Extractor struct {
	// MaxTextRunes bounds the text payload of every extraction.
	MaxTextRunes int

	// MaxImageBytes bounds the raw image payload passed to multimodal
	// providers.
	MaxImageBytes int
}

// New returns an Extractor with the given text budget. A budget <= 0
// defaults to 8000 runes.
func New(maxTextRunes int) *Extractor {
	if maxTextRunes <= 0 {
		maxTextRunes = 8000
	}
	return &Extractor{
		MaxTextRunes:  maxTextRunes,
		MaxImageBytes: 5 << 20,
	}
}

// Extract reads the file at path and returns its normalized content.
func (e *Extractor) Extract(path string) (Content, error) {
	fileType, family, ok := TypeOf(path)
	if !ok {
		return Content{}, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupportedType)
	}

	var (
		content Content
		err     error
	)
	switch {
	case family == FamilyImage:
		content, err = e.extractImage(path, fileType)
	case fileType == "pdf":
		content, err = e.extractPDF(path)
	case fileType == "html" || fileType == "htm":
		content, err = e.extractHTML(path)
	case fileType == "csv":
		content, err = e.extractCSV(path)
	case fileType == "docx" || fileType == "pptx" || fileType == "xlsx":
		content, err = e.extractOfficeXML(path, fileType)
	case fileType == "doc" || fileType == "ppt" || fileType == "xls":
		content, err = e.extractLegacyOffice(path)
	case fileType == "rtf":
		content, err = e.extractRTF(path)
	default: // txt, md
		content, err = e.extractPlainText(path)
	}
	if err != nil {
		return Content{}, err
	}

	content.Text = truncateRunes(content.Text, e.MaxTextRunes)
	return content, nil
}

// truncateRunes cuts s to at most max runes, on a rune boundary.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := 0
	for i := range s {
		if runes == max {
			return s[:i]
		}
		runes++
	}
	return s
}

// collapseWhitespace normalizes runs of whitespace to single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
