package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// ExtractPDF pulls plain text out of a PDF scouting report, one page per line.
func ExtractPDF(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}
	var buf bytes.Buffer
	numPages := r.NumPage()
	for i := 0; i < numPages; i++ {
		page := r.Page(i + 1)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", i+1, err)
		}
		buf.WriteString(text)
		if i < numPages-1 {
			buf.WriteByte('\n')
		}
	}
	return buf.String(), nil
}

// ExtractHTML strips markup from a fetched page and returns the page title and
// visible text. Script, style, and head contents are dropped.
func ExtractHTML(content []byte) (title, text string, err error) {
	z := html.NewTokenizer(bytes.NewReader(content))
	var buf bytes.Buffer
	var skipDepth int
	var inTitle bool

	for {
		switch z.Next() {
		case html.ErrorToken:
			// The tokenizer reports io.EOF as ErrorToken at end of input.
			if !errors.Is(z.Err(), io.EOF) {
				return "", "", fmt.Errorf("parsing HTML: %w", z.Err())
			}
			return title, collapseWhitespace(buf.String()), nil
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skipDepth++
			case "title":
				inTitle = true
			case "p", "br", "div", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
				buf.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" {
				buf.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skipDepth > 0 {
					skipDepth--
				}
			case "title":
				inTitle = false
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			t := string(z.Text())
			if inTitle {
				title = strings.TrimSpace(t)
				continue
			}
			buf.WriteString(t)
		}
	}
}

func collapseWhitespace(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
