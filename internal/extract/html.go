package extract

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/html"
)

// extractHTML parses an HTML document and returns its visible text,
// skipping script and style subtrees. The title, when present, leads the
// output so it carries the most weight in the embedding.
func (e *Extractor) extractHTML(path string) (Content, error) {
	f, err := os.Open(path)
	if err != nil {
		return Content{}, fmt.Errorf("opening %s: %w: %v", path, ErrExtraction, err)
	}
	defer f.Close()

	doc, err := html.Parse(f)
	if err != nil {
		return Content{}, fmt.Errorf("parsing html %s: %w: %v", path, ErrExtraction, err)
	}

	var title string
	var b strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "title":
				if n.FirstChild != nil && title == "" {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	text := collapseWhitespace(sanitizeUTF8(b.String()))
	if title != "" {
		text = title + "\n" + text
	}
	if strings.TrimSpace(text) == "" {
		return Content{}, fmt.Errorf("%s has no visible text: %w", path, ErrExtraction)
	}
	return Content{Text: text, Method: "html"}, nil
}
