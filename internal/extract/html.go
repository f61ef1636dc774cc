package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// HTML extracts visible text from HTML documents using the x/net tokenizer,
// skipping script and style bodies.
type HTML struct{}

func NewHTML() *HTML {
	return &HTML{}
}

func (h *HTML) Name() string {
	return "html"
}

func (h *HTML) Supports(format string) bool {
	return format == "html" || format == "htm"
}

func (h *HTML) Extract(ctx context.Context, content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", fmt.Errorf("content is not valid UTF-8: %w", ErrMalformedInput)
	}

	z := html.NewTokenizer(bytes.NewReader(content))
	var b strings.Builder
	skipDepth := 0

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		switch z.Next() {
		case html.ErrorToken:
			// io.EOF terminates the document; anything else is malformed input.
			if !errors.Is(z.Err(), io.EOF) {
				return "", fmt.Errorf("tokenizing html: %v: %w", z.Err(), ErrMalformedInput)
			}
			return collapseWhitespace(b.String()), nil
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skipDepth++
			case "p", "br", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skipDepth > 0 {
					skipDepth--
				}
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// collapseWhitespace trims each line and drops runs of blank lines so chunk
// boundaries land on real paragraph breaks.
func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank {
				out = append(out, "")
			}
			blank = true
			continue
		}
		out = append(out, line)
		blank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
