package extract

import (
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// extractPDF pulls plain text from every page of a PDF.
func (e *Extractor) extractPDF(path string) (content Content, err error) {
	// The pdf package panics on some malformed files; treat a panic as a
	// recoverable extraction failure.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf %s: %w: %v", path, ErrExtraction, r)
		}
	}()

	f, reader, err := pdf.Open(path)
	if err != nil {
		return Content{}, fmt.Errorf("opening pdf %s: %w: %v", path, ErrExtraction, err)
	}
	defer f.Close()

	textReader, err := reader.GetPlainText()
	if err != nil {
		return Content{}, fmt.Errorf("extracting pdf text from %s: %w: %v", path, ErrExtraction, err)
	}

	var b strings.Builder
	if _, err := io.Copy(&b, textReader); err != nil {
		return Content{}, fmt.Errorf("reading pdf text from %s: %w: %v", path, ErrExtraction, err)
	}

	text := collapseWhitespace(sanitizeUTF8(b.String()))
	if text == "" {
		return Content{}, fmt.Errorf("%s has no extractable text: %w", path, ErrExtraction)
	}
	return Content{Text: text, Method: "pdf"}, nil
}
