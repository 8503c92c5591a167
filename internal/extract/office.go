package extract

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"strings"
)

// extractOfficeXML reads text from OOXML containers (docx, pptx, xlsx).
// Each is a zip archive holding XML parts; the relevant parts differ per
// format but all reduce to character data inside text elements.
func (e *Extractor) extractOfficeXML(filePath, fileType string) (Content, error) {
	r, err := zip.OpenReader(filePath)
	if err != nil {
		return Content{}, fmt.Errorf("opening %s as zip: %w: %v", filePath, ErrExtraction, err)
	}
	defer r.Close()

	var parts []string
	for _, f := range r.File {
		if officePartMatches(fileType, f.Name) {
			parts = append(parts, f.Name)
		}
	}
	if len(parts) == 0 {
		return Content{}, fmt.Errorf("%s has no readable parts: %w", filePath, ErrExtraction)
	}

	var b strings.Builder
	for _, name := range parts {
		text, err := readZipPartText(&r.Reader, name, officeTextElements(fileType))
		if err != nil {
			return Content{}, fmt.Errorf("reading part %s of %s: %w: %v", name, filePath, ErrExtraction, err)
		}
		b.WriteString(text)
		b.WriteByte(' ')
	}

	text := collapseWhitespace(sanitizeUTF8(b.String()))
	if text == "" {
		return Content{}, fmt.Errorf("%s has no readable text: %w", filePath, ErrExtraction)
	}
	return Content{Text: text, Method: fileType}, nil
}

// officePartMatches reports whether a zip member holds document text for
// the given format.
func officePartMatches(fileType, name string) bool {
	switch fileType {
	case "docx":
		return name == "word/document.xml"
	case "pptx":
		dir, base := path.Split(name)
		return dir == "ppt/slides/" && strings.HasPrefix(base, "slide") && strings.HasSuffix(base, ".xml")
	case "xlsx":
		return name == "xl/sharedStrings.xml"
	default:
		return false
	}
}

// officeTextElements names the XML elements whose character data is
// document text for the given format.
func officeTextElements(fileType string) map[string]bool {
	switch fileType {
	case "xlsx":
		return map[string]bool{"t": true}
	default: // docx and pptx both use w:t / a:t, local name "t"
		return map[string]bool{"t": true}
	}
}

// readZipPartText streams one XML part and collects character data inside
// the named elements, separating runs with spaces.
func readZipPartText(r *zip.Reader, name string, textElements map[string]bool) (string, error) {
	f, err := r.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	var b strings.Builder
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if textElements[t.Name.Local] {
				depth++
			}
		case xml.EndElement:
			if textElements[t.Name.Local] && depth > 0 {
				depth--
				b.WriteByte(' ')
			}
		case xml.CharData:
			if depth > 0 {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
