// Package transport abstracts the messaging backend the scheduler posts
// through. The production implementation lives in transport/telegram;
// tests use in-memory fakes.
package transport

import "context"

// Message is a single post in a source chat.
type Message struct {
	ID      int
	ChatID  int64
	Text    string
	Service bool // join/leave/pin and similar non-content updates
}

// IterateOptions bounds a history walk.
type IterateOptions struct {
	Limit int // stop after this many messages, 0 means backend default
}

// ErrStopIteration may be returned by an iteration callback to end the
// walk early without error.
type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const ErrStopIteration = sentinelError("stop iteration")

// Client is the minimal surface the scheduler needs.
type Client interface {
	// ResolveIdentity turns a chat reference (numeric id or @username)
	// into a canonical numeric chat id.
	ResolveIdentity(ctx context.Context, ref string) (int64, error)

	// IterateMessages walks recent messages of a chat, newest first,
	// calling fn for each until the options limit is reached, fn
	// returns an error, or history is exhausted. ErrStopIteration from
	// fn ends the walk cleanly.
	IterateMessages(ctx context.Context, chatID int64, opts IterateOptions, fn func(Message) error) error

	// SendMessage posts text to a destination chat and returns the new
	// message id.
	SendMessage(ctx context.Context, chatID int64, text string) (int, error)

	// Close releases backend resources.
	Close() error
}
