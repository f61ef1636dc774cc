package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type mockStrategy struct {
	name      string
	supports  bool
	extractFn func(ctx context.Context, content []byte) (string, error)
}

func (m *mockStrategy) Name() string         { return m.name }
func (m *mockStrategy) Supports(string) bool { return m.supports }
func (m *mockStrategy) Extract(ctx context.Context, content []byte) (string, error) {
	return m.extractFn(ctx, content)
}

func TestChain_FirstStrategyWins(t *testing.T) {
	chain := NewChain(0,
		&mockStrategy{name: "first", supports: true, extractFn: func(context.Context, []byte) (string, error) {
			return "from first", nil
		}},
		&mockStrategy{name: "second", supports: true, extractFn: func(context.Context, []byte) (string, error) {
			t.Error("second strategy should not run")
			return "", nil
		}},
	)

	result, err := chain.Extract(context.Background(), "txt", []byte("content"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.Text != "from first" || result.Strategy != "first" {
		t.Errorf("result = %+v, want text from first strategy", result)
	}
}

func TestChain_FallsThroughOnFailure(t *testing.T) {
	chain := NewChain(0,
		&mockStrategy{name: "broken", supports: true, extractFn: func(context.Context, []byte) (string, error) {
			return "", ErrMalformedInput
		}},
		&mockStrategy{name: "salvage", supports: true, extractFn: func(context.Context, []byte) (string, error) {
			return "salvaged", nil
		}},
	)

	result, err := chain.Extract(context.Background(), "txt", []byte("content"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.Strategy != "salvage" {
		t.Errorf("Strategy = %q, want salvage", result.Strategy)
	}
}

func TestChain_FallsThroughOnEmptyText(t *testing.T) {
	chain := NewChain(0,
		&mockStrategy{name: "empty", supports: true, extractFn: func(context.Context, []byte) (string, error) {
			return "   \n ", nil
		}},
		&mockStrategy{name: "real", supports: true, extractFn: func(context.Context, []byte) (string, error) {
			return "actual text", nil
		}},
	)

	result, err := chain.Extract(context.Background(), "txt", []byte("content"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.Strategy != "real" {
		t.Errorf("Strategy = %q, want real: whitespace-only output should not count", result.Strategy)
	}
}

func TestChain_Exhausted(t *testing.T) {
	chain := NewChain(0,
		&mockStrategy{name: "a", supports: true, extractFn: func(context.Context, []byte) (string, error) {
			return "", ErrMalformedInput
		}},
		&mockStrategy{name: "b", supports: true, extractFn: func(context.Context, []byte) (string, error) {
			return "", ErrUnsupportedFeature
		}},
	)

	_, err := chain.Extract(context.Background(), "txt", []byte("content"))
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestChain_NoSupportingStrategy(t *testing.T) {
	chain := NewChain(0,
		&mockStrategy{name: "a", supports: false, extractFn: func(context.Context, []byte) (string, error) {
			t.Error("unsupporting strategy should not run")
			return "", nil
		}},
	)

	_, err := chain.Extract(context.Background(), "xyz", []byte("content"))
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
}

func TestChain_StrategyTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	chain := NewChain(20*time.Millisecond,
		&mockStrategy{name: "stuck", supports: true, extractFn: func(ctx context.Context, _ []byte) (string, error) {
			<-block
			return "too late", nil
		}},
		&mockStrategy{name: "fast", supports: true, extractFn: func(context.Context, []byte) (string, error) {
			return "made it", nil
		}},
	)

	result, err := chain.Extract(context.Background(), "txt", []byte("content"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if result.Strategy != "fast" {
		t.Errorf("Strategy = %q, want fast after stuck strategy timed out", result.Strategy)
	}
}

func TestChain_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := NewChain(0,
		&mockStrategy{name: "a", supports: true, extractFn: func(ctx context.Context, _ []byte) (string, error) {
			return "", ctx.Err()
		}},
	)

	_, err := chain.Extract(ctx, "txt", []byte("content"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPlaintext_PassesThrough(t *testing.T) {
	p := NewPlaintext()
	text, err := p.Extract(context.Background(), []byte("hello\r\nworld"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "hello\nworld" {
		t.Errorf("text = %q, want CRLF normalized", text)
	}
}

func TestPlaintext_StripsBOM(t *testing.T) {
	p := NewPlaintext()
	text, err := p.Extract(context.Background(), []byte("\xef\xbb\xbfhello"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if text != "hello" {
		t.Errorf("text = %q, want the byte order mark stripped", text)
	}
}

func TestPlaintext_RejectsInvalidUTF8(t *testing.T) {
	p := NewPlaintext()
	_, err := p.Extract(context.Background(), []byte{0xff, 0xfe, 0x01})
	if !errors.Is(err, ErrMalformedInput) {
		t.Errorf("err = %v, want ErrMalformedInput", err)
	}
}

func TestMarkdown_StripsSyntax(t *testing.T) {
	md := NewMarkdown()
	input := "# Title\n\nSome *emphasized* text with a [link](https://example.com) and `code`.\n\n```go\nfmt.Println()\n```\n"
	text, err := md.Extract(context.Background(), []byte(input))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	for _, banned := range []string{"#", "*", "](", "```"} {
		if strings.Contains(text, banned) {
			t.Errorf("output still contains %q: %q", banned, text)
		}
	}
	for _, want := range []string{"Title", "emphasized", "link", "code", "fmt.Println()"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q: %q", want, text)
		}
	}
	if strings.Contains(text, "go\nfmt") {
		t.Errorf("code fence info string survived: %q", text)
	}
}

func TestHTML_ExtractsVisibleText(t *testing.T) {
	h := NewHTML()
	input := `<html><head><style>body { color: red; }</style>
<script>alert("hi")</script></head>
<body><h1>Heading</h1><p>First paragraph.</p><p>Second paragraph.</p></body></html>`

	text, err := h.Extract(context.Background(), []byte(input))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	for _, want := range []string{"Heading", "First paragraph.", "Second paragraph."} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q: %q", want, text)
		}
	}
	for _, banned := range []string{"alert", "color: red"} {
		if strings.Contains(text, banned) {
			t.Errorf("script/style content leaked: %q", text)
		}
	}
}

func TestPDF_RejectsGarbage(t *testing.T) {
	p := NewPDF()
	_, err := p.Extract(context.Background(), []byte("not a pdf at all"))
	if !errors.Is(err, ErrMalformedInput) {
		t.Errorf("err = %v, want ErrMalformedInput", err)
	}
}

func TestDefaultChain_FormatRouting(t *testing.T) {
	chain := DefaultChain(0)

	// Markdown goes to the markdown strategy, not plaintext.
	result, err := chain.Extract(context.Background(), "md", []byte("# Heading\n\nBody text."))
	if err != nil {
		t.Fatalf("Extract md: %v", err)
	}
	if result.Strategy != "markdown" {
		t.Errorf("md Strategy = %q, want markdown", result.Strategy)
	}

	// Broken HTML falls back to plaintext salvage.
	result, err = chain.Extract(context.Background(), "txt", []byte("just text"))
	if err != nil {
		t.Fatalf("Extract txt: %v", err)
	}
	if result.Strategy != "plaintext" {
		t.Errorf("txt Strategy = %q, want plaintext", result.Strategy)
	}
}
