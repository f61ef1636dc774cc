package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Plaintext passes UTF-8 text through unchanged. It sits last in the chain
// as the salvage extractor for every text-based format.
type Plaintext struct{}

func NewPlaintext() *Plaintext {
	return &Plaintext{}
}

func (p *Plaintext) Name() string {
	return "plaintext"
}

func (p *Plaintext) Supports(format string) bool {
	switch format {
	case "txt", "text", "md", "markdown", "html", "htm":
		return true
	}
	return false
}

func (p *Plaintext) Extract(_ context.Context, content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", fmt.Errorf("content is not valid UTF-8: %w", ErrMalformedInput)
	}
	// Strip a BOM if present; normalize line endings.
	text := strings.TrimPrefix(string(content), "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return text, nil
}
