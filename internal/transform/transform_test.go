package transform

import (
	"strings"
	"testing"

	"github.com/teleward/teleward/internal/transport"
)

func TestFilter(t *testing.T) {
	tests := []struct {
		name string
		msg  transport.Message
		pass bool
	}{
		{"plain text", transport.Message{ID: 1, Text: "hello"}, true},
		{"service update", transport.Message{ID: 2, Text: "joined", Service: true}, false},
		{"empty text", transport.Message{ID: 3, Text: ""}, false},
		{"whitespace only", transport.Message{ID: 4, Text: "  \n\t "}, false},
		{"at the length limit", transport.Message{ID: 5, Text: strings.Repeat("a", maxTextLen)}, true},
		{"over the length limit", transport.Message{ID: 6, Text: strings.Repeat("a", maxTextLen+1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Filter{}.Apply(tt.msg, 0)
			if ok != tt.pass {
				t.Errorf("pass=%v, want %v", ok, tt.pass)
			}
		})
	}
}

func TestWatermark(t *testing.T) {
	msg := transport.Message{ID: 1, Text: "hello"}

	out, ok := Watermark{Suffix: "via teleward"}.Apply(msg, 0)
	if !ok {
		t.Fatal("watermark must never drop")
	}
	if out.Text != "hello\n\nvia teleward" {
		t.Fatalf("unexpected text: %q", out.Text)
	}

	out, ok = Watermark{}.Apply(msg, 0)
	if !ok || out.Text != "hello" {
		t.Fatalf("empty suffix should be a no-op, got %q", out.Text)
	}
}

func TestChainShortCircuits(t *testing.T) {
	chain := Chain{Filter{}, Watermark{Suffix: "w"}}

	out, ok := chain.Apply(transport.Message{ID: 1, Text: "hello"}, 0)
	if !ok || out.Text != "hello\n\nw" {
		t.Fatalf("chain result: ok=%v text=%q", ok, out.Text)
	}

	// Filter drops first, watermark never runs
	out, ok = chain.Apply(transport.Message{ID: 2, Text: "", Service: true}, 0)
	if ok {
		t.Fatal("service message should be dropped by the chain")
	}
	if strings.Contains(out.Text, "w") {
		t.Fatalf("watermark applied after a drop: %q", out.Text)
	}
}
