package extract

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// extractPlainText reads txt and md files, dropping invalid UTF-8.
func (e *Extractor) extractPlainText(path string) (Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Content{}, fmt.Errorf("reading %s: %w: %v", path, ErrExtraction, err)
	}
	text := sanitizeUTF8(string(data))
	if strings.TrimSpace(text) == "" {
		return Content{}, fmt.Errorf("%s has no readable text: %w", path, ErrExtraction)
	}
	return Content{Text: text, Method: "plaintext"}, nil
}

// extractRTF strips RTF control words and groups, keeping visible text.
// Hex and Unicode escapes are decoded so non-ASCII text survives.
func (e *Extractor) extractRTF(path string) (Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Content{}, fmt.Errorf("reading %s: %w: %v", path, ErrExtraction, err)
	}

	var b strings.Builder
	s := string(data)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				continue
			}
			// Escaped braces and backslashes are literal.
			if next := s[i+1]; next == '{' || next == '}' || next == '\\' {
				b.WriteByte(next)
				i++
				continue
			}
			// \'xx is a codepage byte given as two hex digits. Decoded
			// as Latin-1, a close match for the common Windows codepages.
			if s[i+1] == '\'' {
				if i+3 < len(s) {
					if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
						b.WriteRune(rune(v))
						i += 3
						continue
					}
				}
				i++
				continue
			}
			// Control word: letters, then an optional signed numeric
			// parameter, then one space that belongs to the word.
			j := i + 1
			for j < len(s) && isASCIILetter(s[j]) {
				j++
			}
			word := s[i+1 : j]
			k := j
			if k < len(s) && s[k] == '-' {
				k++
			}
			for k < len(s) && isASCIIDigit(s[k]) {
				k++
			}
			param := s[j:k]
			if k < len(s) && s[k] == ' ' {
				k++
			}
			switch word {
			case "par", "line":
				b.WriteByte('\n')
			case "u":
				// \uN carries a signed 16-bit code point followed by a
				// codepage fallback character, which is skipped.
				if n, err := strconv.Atoi(param); err == nil {
					if n < 0 {
						n += 65536
					}
					b.WriteRune(rune(n))
					k = skipRTFFallback(s, k)
				}
			}
			i = k - 1
		case '{', '}':
			// Group delimiters carry no text.
		default:
			b.WriteByte(s[i])
		}
	}

	text := collapseWhitespace(sanitizeUTF8(b.String()))
	if text == "" {
		return Content{}, fmt.Errorf("%s has no readable text: %w", path, ErrExtraction)
	}
	return Content{Text: text, Method: "rtf"}, nil
}

// skipRTFFallback consumes the single fallback character after a \uN
// escape. The fallback is either a plain character or a \'xx escape.
func skipRTFFallback(s string, i int) int {
	if i+3 < len(s) && s[i] == '\\' && s[i+1] == '\'' {
		return i + 4
	}
	if i < len(s) && s[i] != '\\' && s[i] != '{' && s[i] != '}' {
		return i + 1
	}
	return i
}

// extractLegacyOffice scavenges printable text runs from legacy binary
// Office formats (doc, ppt, xls). Crude but serviceable for embedding.
func (e *Extractor) extractLegacyOffice(path string) (Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Content{}, fmt.Errorf("reading %s: %w: %v", path, ErrExtraction, err)
	}

	const minRun = 4
	var b strings.Builder
	var run []byte
	flush := func() {
		if len(run) >= minRun {
			b.Write(run)
			b.WriteByte(' ')
		}
		run = run[:0]
	}
	for _, c := range data {
		if c >= 0x20 && c < 0x7f {
			run = append(run, c)
		} else {
			flush()
		}
	}
	flush()

	text := collapseWhitespace(b.String())
	if text == "" {
		return Content{}, fmt.Errorf("%s has no readable text: %w", path, ErrExtraction)
	}
	return Content{Text: text, Method: "legacy-office"}, nil
}

// sanitizeUTF8 replaces invalid sequences and drops control characters.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, 0) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == utf8.RuneError || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isASCIIDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
