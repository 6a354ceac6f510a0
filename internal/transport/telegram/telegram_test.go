package telegram

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/teleward/teleward/internal/transport"
)

func newCacheOnlyClient() *Client {
	return &Client{
		limiter: rate.NewLimiter(1, 1),
		cache:   make(map[int64][]transport.Message),
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{Token: ""}); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := New(Config{Token: "   "}); err == nil {
		t.Fatal("expected error for blank token")
	}
}

func TestObserveCachesAndBounds(t *testing.T) {
	c := newCacheOnlyClient()
	chat := &tele.Chat{ID: 100}

	for i := 1; i <= cachePerChat+50; i++ {
		c.observe(&tele.Message{ID: i, Chat: chat, Text: "post"})
	}

	c.mu.Lock()
	cached := c.cache[100]
	c.mu.Unlock()
	if len(cached) != cachePerChat {
		t.Fatalf("cache should be bounded to %d, got %d", cachePerChat, len(cached))
	}
	// Oldest entries evicted, newest kept
	if cached[0].ID != 51 || cached[len(cached)-1].ID != cachePerChat+50 {
		t.Fatalf("wrong eviction window: first=%d last=%d", cached[0].ID, cached[len(cached)-1].ID)
	}

	// nil messages and chats are ignored
	c.observe(nil)
	c.observe(&tele.Message{ID: 9999})
}

func TestIsService(t *testing.T) {
	chat := &tele.Chat{ID: 1}
	if isService(&tele.Message{ID: 1, Chat: chat, Text: "hello"}) {
		t.Error("plain text flagged as service")
	}
	if !isService(&tele.Message{ID: 2, Chat: chat, UserJoined: &tele.User{ID: 5}}) {
		t.Error("user join not flagged")
	}
	if !isService(&tele.Message{ID: 3, Chat: chat, PinnedMessage: &tele.Message{ID: 1}}) {
		t.Error("pin not flagged")
	}
	if !isService(&tele.Message{ID: 4, Chat: chat, NewGroupTitle: "renamed"}) {
		t.Error("title change not flagged")
	}
	if !isService(&tele.Message{ID: 5, Chat: chat, ChannelCreated: true}) {
		t.Error("channel creation not flagged")
	}
}

func TestIterateMessagesNewestFirst(t *testing.T) {
	c := newCacheOnlyClient()
	chat := &tele.Chat{ID: 100}
	for _, id := range []int{3, 1, 5, 2, 4} {
		c.observe(&tele.Message{ID: id, Chat: chat, Text: "post"})
	}

	var got []int
	err := c.IterateMessages(context.Background(), 100, transport.IterateOptions{}, func(m transport.Message) error {
		got = append(got, m.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("IterateMessages: %v", err)
	}
	want := []int{5, 4, 3, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("not newest first: got %v", got)
		}
	}
}

func TestIterateMessagesLimitAndStop(t *testing.T) {
	c := newCacheOnlyClient()
	chat := &tele.Chat{ID: 100}
	for i := 1; i <= 10; i++ {
		c.observe(&tele.Message{ID: i, Chat: chat, Text: "post"})
	}

	var count int
	err := c.IterateMessages(context.Background(), 100, transport.IterateOptions{Limit: 3}, func(m transport.Message) error {
		count++
		return nil
	})
	if err != nil || count != 3 {
		t.Fatalf("limit not honored: count=%d err=%v", count, err)
	}

	count = 0
	err = c.IterateMessages(context.Background(), 100, transport.IterateOptions{}, func(m transport.Message) error {
		count++
		if count == 2 {
			return transport.ErrStopIteration
		}
		return nil
	})
	if err != nil || count != 2 {
		t.Fatalf("stop sentinel not honored: count=%d err=%v", count, err)
	}

	// Unknown chats iterate nothing
	err = c.IterateMessages(context.Background(), 999, transport.IterateOptions{}, func(transport.Message) error {
		t.Fatal("callback for unknown chat")
		return nil
	})
	if err != nil {
		t.Fatalf("IterateMessages on unknown chat: %v", err)
	}
}

func TestIterateMessagesCallbackError(t *testing.T) {
	c := newCacheOnlyClient()
	chat := &tele.Chat{ID: 100}
	c.observe(&tele.Message{ID: 1, Chat: chat, Text: "post"})

	boom := errors.New("boom")
	err := c.IterateMessages(context.Background(), 100, transport.IterateOptions{}, func(transport.Message) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("callback error not propagated: %v", err)
	}
}

func TestResolveIdentityNumeric(t *testing.T) {
	c := newCacheOnlyClient()

	id, err := c.ResolveIdentity(context.Background(), "-1001234567890")
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if id != -1001234567890 {
		t.Fatalf("wrong id: %d", id)
	}

	if _, err := c.ResolveIdentity(context.Background(), "  "); err == nil {
		t.Fatal("empty reference should error")
	}
}
