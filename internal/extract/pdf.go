package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDF extracts the text layer of PDF documents. Scanned PDFs without a text
// layer yield no text and fall through to the next strategy.
type PDF struct{}

func NewPDF() *PDF {
	return &PDF{}
}

func (p *PDF) Name() string {
	return "pdf"
}

func (p *PDF) Supports(format string) bool {
	return format == "pdf"
}

func (p *PDF) Extract(ctx context.Context, content []byte) (text string, err error) {
	// The pdf library panics on some corrupt files; surface those as
	// malformed input instead of killing the worker.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("pdf reader panic: %v: %w", r, ErrMalformedInput)
		}
	}()

	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return "", fmt.Errorf("missing %%PDF header: %w", ErrMalformedInput)
	}

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %v: %w", err, ErrMalformedInput)
	}

	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// Pages with unsupported encodings (e.g. embedded CID fonts we
			// cannot map) fail individually; treat that as an unsupported
			// feature so the chain can try something else.
			return "", fmt.Errorf("page %d: %v: %w", i, err, ErrUnsupportedFeature)
		}
		b.WriteString(pageText)
		b.WriteByte('\n')
	}

	return b.String(), nil
}
