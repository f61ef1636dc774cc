// Package extract turns raw document bytes into plain text by trying a
// prioritized chain of format-specific strategies.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Typed strategy failures. The chain falls through to the next strategy on
// any of these; callers only ever see ErrExhausted once every strategy has
// been tried.
var (
	ErrMalformedInput     = errors.New("malformed input")
	ErrUnsupportedFeature = errors.New("unsupported feature")
	ErrExhausted          = errors.New("all extraction strategies failed")
)

// Strategy extracts text from one document format family.
type Strategy interface {
	// Name identifies the strategy in logs and results.
	Name() string
	// Supports reports whether the strategy applies to a declared format.
	Supports(format string) bool
	// Extract returns plain text or one of the typed failures above.
	// Implementations must honor ctx cancellation.
	Extract(ctx context.Context, content []byte) (string, error)
}

// Result is the outcome of a successful extraction.
type Result struct {
	Text     string
	Strategy string
}

// Chain tries strategies in registration order until one yields usable text.
type Chain struct {
	strategies []Strategy
	timeout    time.Duration
	logger     *slog.Logger
}

// NewChain builds a chain with an explicit strategy order and a per-strategy
// timeout ceiling. A timeout <= 0 disables the ceiling.
func NewChain(timeout time.Duration, strategies ...Strategy) *Chain {
	return &Chain{
		strategies: strategies,
		timeout:    timeout,
		logger:     slog.Default(),
	}
}

// DefaultChain returns the standard strategy order: structured extractors
// first, the plain-text salvage extractor last.
func DefaultChain(timeout time.Duration) *Chain {
	return NewChain(timeout,
		NewPDF(),
		NewHTML(),
		NewMarkdown(),
		NewPlaintext(),
	)
}

// Extract runs the chain for a declared format. Each failing strategy is
// logged and skipped; ErrExhausted is returned only after all applicable
// strategies failed. Parent context cancellation aborts immediately.
func (c *Chain) Extract(ctx context.Context, format string, content []byte) (Result, error) {
	format = strings.ToLower(strings.TrimSpace(format))

	tried := 0
	for _, s := range c.strategies {
		if !s.Supports(format) {
			continue
		}
		tried++

		text, err := c.runStrategy(ctx, s, content)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			c.logger.Warn("extraction strategy failed",
				"strategy", s.Name(), "format", format, "error", err)
			continue
		}
		if strings.TrimSpace(text) == "" && len(content) > 0 {
			c.logger.Warn("extraction strategy produced no text",
				"strategy", s.Name(), "format", format)
			continue
		}
		return Result{Text: text, Strategy: s.Name()}, nil
	}

	if tried == 0 {
		return Result{}, fmt.Errorf("no strategy supports format %q: %w", format, ErrExhausted)
	}
	return Result{}, fmt.Errorf("%d strategies failed for format %q: %w", tried, format, ErrExhausted)
}

// runStrategy executes one strategy under the per-strategy ceiling. The
// strategy runs in its own goroutine so a stuck extractor cannot hold the
// worker past the deadline.
func (c *Chain) runStrategy(ctx context.Context, s Strategy, content []byte) (string, error) {
	sctx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		text, err := s.Extract(sctx, content)
		ch <- outcome{text: text, err: err}
	}()

	select {
	case <-sctx.Done():
		return "", sctx.Err()
	case out := <-ch:
		return out.text, out.err
	}
}
