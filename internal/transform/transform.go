// Package transform holds the message pipeline applied before a post is
// re-sent to a destination.
package transform

import (
	"strings"

	"github.com/teleward/teleward/internal/transport"
)

const maxTextLen = 1000

// Transform rewrites a message for a destination. ok=false drops the
// message from the pipeline.
type Transform interface {
	Apply(msg transport.Message, dest int64) (transport.Message, bool)
}

// Chain applies transforms in order, short-circuiting on a drop.
type Chain []Transform

func (c Chain) Apply(msg transport.Message, dest int64) (transport.Message, bool) {
	for _, t := range c {
		var ok bool
		msg, ok = t.Apply(msg, dest)
		if !ok {
			return msg, false
		}
	}
	return msg, true
}

// Filter drops service updates, empty posts and oversized posts.
type Filter struct{}

func (Filter) Apply(msg transport.Message, _ int64) (transport.Message, bool) {
	if msg.Service {
		return msg, false
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" || len(msg.Text) > maxTextLen {
		return msg, false
	}
	return msg, true
}

// Watermark appends a fixed suffix to the message text.
type Watermark struct {
	Suffix string
}

func (w Watermark) Apply(msg transport.Message, _ int64) (transport.Message, bool) {
	if w.Suffix == "" {
		return msg, true
	}
	msg.Text = msg.Text + "\n\n" + w.Suffix
	return msg, true
}
