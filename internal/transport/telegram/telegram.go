// Package telegram adapts the Bot API (via telebot) to the transport
// interface. The Bot API has no history call, so the adapter keeps a
// bounded per-chat cache of posts observed while polling and serves
// IterateMessages from it.
package telegram

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/teleward/teleward/internal/transport"
)

const cachePerChat = 500

type Config struct {
	Token       string
	PollTimeout time.Duration
	SendRate    float64 // messages per second
}

type Client struct {
	bot     *tele.Bot
	limiter *rate.Limiter

	mu      sync.Mutex
	cache   map[int64][]transport.Message
	started bool
	stopped bool
}

var _ transport.Client = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.SendRate
	if rps <= 0 {
		rps = 1 // Telegram allows ~1 msg/s per chat, stay under it globally
	}
	c := &Client{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		cache:   make(map[int64][]transport.Message),
	}
	c.bot.Handle(tele.OnChannelPost, func(tc tele.Context) error {
		c.observe(tc.Message())
		return nil
	})
	c.bot.Handle(tele.OnText, func(tc tele.Context) error {
		c.observe(tc.Message())
		return nil
	})
	return c, nil
}

// Start begins long polling in the background. Polling stops when ctx
// is cancelled or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.bot.Stop()
	}()
	go c.bot.Start()
}

func (c *Client) observe(m *tele.Message) {
	if m == nil || m.Chat == nil {
		return
	}
	msg := transport.Message{
		ID:      m.ID,
		ChatID:  m.Chat.ID,
		Text:    m.Text,
		Service: isService(m),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append(c.cache[m.Chat.ID], msg)
	if len(list) > cachePerChat {
		list = list[len(list)-cachePerChat:]
	}
	c.cache[m.Chat.ID] = list
}

func isService(m *tele.Message) bool {
	return m.UserJoined != nil || m.UserLeft != nil || m.PinnedMessage != nil ||
		m.GroupCreated || m.ChannelCreated || m.NewGroupTitle != "" || m.NewGroupPhoto != nil
}

func (c *Client) ResolveIdentity(ctx context.Context, ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, errors.New("empty chat reference")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	chat, err := c.bot.ChatByUsername(ref)
	if err != nil {
		return 0, err
	}
	return chat.ID, nil
}

func (c *Client) IterateMessages(ctx context.Context, chatID int64, opts transport.IterateOptions, fn func(transport.Message) error) error {
	c.mu.Lock()
	cached := c.cache[chatID]
	snapshot := make([]transport.Message, len(cached))
	copy(snapshot, cached)
	c.mu.Unlock()

	// Newest first.
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID > snapshot[j].ID })
	limit := opts.Limit
	if limit <= 0 || limit > len(snapshot) {
		limit = len(snapshot)
	}
	for _, m := range snapshot[:limit] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(m); err != nil {
			if errors.Is(err, transport.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	msg, err := c.bot.Send(&tele.Chat{ID: chatID}, text)
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	if c.started {
		// telebot Stop is expected to be fast; run it async just in case.
		go c.bot.Stop()
	}
	return nil
}
