package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/teleward/teleward/internal/history"
	"github.com/teleward/teleward/internal/metrics"
	"github.com/teleward/teleward/internal/store"
	"github.com/teleward/teleward/internal/transport"
)

// TaskState is the lifecycle of one source task.
type TaskState string

const (
	StateIdle      TaskState = "idle"
	StateFetching  TaskState = "fetching"
	StatePosting   TaskState = "posting"
	StateWaiting   TaskState = "waiting"
	StateSuspended TaskState = "suspended"
	StateStopped   TaskState = "stopped"
)

const (
	usedIDsCap   = 5000
	usedIDsKeep  = 2500
	maxQuotaNap  = time.Hour
	candidateCap = 300
)

// TaskStatus is the externally visible snapshot of a source task.
type TaskStatus struct {
	Source     string    `json:"source"`
	SourceID   int64     `json:"source_id"`
	State      TaskState `json:"state"`
	DailyCount int       `json:"daily_count"`
	TotalSent  int       `json:"total_sent"`
	LastPost   time.Time `json:"last_post,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// sourceTask posts random recent messages from one source chat to its
// destinations, respecting the daily quota.
type sourceTask struct {
	ref      string
	sourceID int64
	destIDs  []int64
	sched    *Scheduler
	log      *slog.Logger

	mu         sync.Mutex
	state      TaskState
	dailyCount int // cache of the durable counter, authoritative copy is in the store
	totalSent  int
	lastPost   time.Time
	lastErr    error

	usedIDs  []int
	usedSeen map[int]struct{}
}

func newSourceTask(ref string, sourceID int64, destIDs []int64, sched *Scheduler) *sourceTask {
	return &sourceTask{
		ref:      ref,
		sourceID: sourceID,
		destIDs:  destIDs,
		sched:    sched,
		log:      sched.log.With("source", ref),
		state:    StateIdle,
		usedSeen: make(map[int]struct{}),
	}
}

func (t *sourceTask) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *sourceTask) status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TaskStatus{
		Source:     t.ref,
		SourceID:   t.sourceID,
		State:      t.state,
		DailyCount: t.dailyCount,
		TotalSent:  t.totalSent,
		LastPost:   t.lastPost,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	return st
}

// run is the task loop. It exits when ctx is cancelled or on an
// unrecoverable error, leaving the task in StateStopped for the revive
// sweep to pick up.
func (t *sourceTask) run(ctx context.Context) {
	defer t.setState(StateStopped)

	if err := t.resync(ctx); err != nil {
		t.fail(err)
		return
	}
	t.restoreState(ctx)

	for {
		if err := ctx.Err(); err != nil {
			t.persistState(ctx)
			return
		}

		if !t.underQuota(ctx) {
			t.setState(StateSuspended)
			metrics.IncQuotaSuspension(t.ref)
			t.sched.record(ctx, history.EventQuotaSuspend, t.sourceID, "daily quota reached")
			if !sleepCtx(ctx, minDur(t.sched.cfg.Delay, maxQuotaNap)) {
				t.persistState(ctx)
				return
			}
			continue
		}

		t.setState(StateFetching)
		batch, err := t.pickBatch(ctx)
		if err != nil {
			t.fail(err)
			t.persistState(ctx)
			return
		}

		if len(batch) > 0 {
			t.setState(StatePosting)
			for _, msg := range batch {
				if ctx.Err() != nil {
					t.persistState(ctx)
					return
				}
				if !t.underQuota(ctx) {
					break
				}
				if err := t.post(ctx, msg); err != nil {
					t.mu.Lock()
					t.lastErr = err
					t.mu.Unlock()
					t.log.Warn("post failed", "message_id", msg.ID, "error", err)
				}
			}
			t.persistState(ctx)
		}

		t.setState(StateWaiting)
		if !sleepCtx(ctx, t.sched.cfg.Delay) {
			t.persistState(ctx)
			return
		}
	}
}

// resync refreshes the in-memory daily count from the durable counter.
// The store value is authoritative, the cache only avoids a query per
// message.
func (t *sourceTask) resync(ctx context.Context) error {
	n, err := t.sched.store.GetCounter(ctx, t.sourceID, store.Today(), store.CounterRandom)
	if err != nil {
		metrics.IncStoreError("get_counter")
		return fmt.Errorf("counter resync: %w", err)
	}
	t.mu.Lock()
	t.dailyCount = n
	t.mu.Unlock()
	return nil
}

func (t *sourceTask) underQuota(ctx context.Context) bool {
	limit := t.sched.cfg.DailyLimit
	if limit <= 0 {
		return true
	}
	n, err := t.sched.store.GetCounter(ctx, t.sourceID, store.Today(), store.CounterRandom)
	if err != nil {
		metrics.IncStoreError("get_counter")
		// Fall back to the cache rather than posting blind.
		t.mu.Lock()
		cached := t.dailyCount
		t.mu.Unlock()
		return cached < limit
	}
	t.mu.Lock()
	t.dailyCount = n
	t.mu.Unlock()
	return n < limit
}

// pickBatch walks recent source messages and selects a random batch of
// unused candidates. The walk is bounded and stops early once enough
// candidates are in hand.
func (t *sourceTask) pickBatch(ctx context.Context) ([]transport.Message, error) {
	batch := t.sched.cfg.BatchSize
	window := minInt(candidateCap, batch*20)
	enough := batch * 5

	var candidates []transport.Message
	err := t.sched.client.IterateMessages(ctx, t.sourceID, transport.IterateOptions{Limit: window}, func(m transport.Message) error {
		if t.isUsed(m.ID) {
			return nil
		}
		if _, ok := t.sched.pipeline.Apply(m, 0); !ok {
			return nil
		}
		candidates = append(candidates, m)
		if len(candidates) >= enough {
			return transport.ErrStopIteration
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate source %d: %w", t.sourceID, err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > batch {
		candidates = candidates[:batch]
	}
	return candidates, nil
}

// post sends one message to every destination, bumping the durable
// counter before anything goes on the wire so a crash mid-send can
// never under-count.
func (t *sourceTask) post(ctx context.Context, msg transport.Message) error {
	n, err := t.sched.store.IncrCounter(ctx, t.sourceID, store.Today(), store.CounterRandom)
	if err != nil {
		metrics.IncStoreError("incr_counter")
		return fmt.Errorf("record send: %w", err)
	}
	t.mu.Lock()
	t.dailyCount = n
	t.mu.Unlock()

	t.markUsed(msg.ID)

	var firstErr error
	for _, dest := range t.destIDs {
		out, ok := t.sched.pipeline.Apply(msg, dest)
		if !ok {
			continue
		}
		if _, err := t.sched.client.SendMessage(ctx, dest, out.Text); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("send to %d: %w", dest, err)
			}
			continue
		}
	}
	if firstErr != nil {
		return firstErr
	}

	t.mu.Lock()
	t.totalSent++
	t.lastPost = time.Now()
	t.lastErr = nil
	t.mu.Unlock()
	metrics.IncRandomPost(t.ref)
	return nil
}

func (t *sourceTask) isUsed(id int) bool {
	t.mu.Lock()
	_, ok := t.usedSeen[id]
	t.mu.Unlock()
	return ok
}

// markUsed appends to the used-id FIFO, pruning to the newest half once
// the cap is hit so the set stays bounded.
func (t *sourceTask) markUsed(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.usedSeen[id]; ok {
		return
	}
	t.usedIDs = append(t.usedIDs, id)
	t.usedSeen[id] = struct{}{}
	if len(t.usedIDs) > usedIDsCap {
		drop := t.usedIDs[:len(t.usedIDs)-usedIDsKeep]
		for _, d := range drop {
			delete(t.usedSeen, d)
		}
		kept := make([]int, usedIDsKeep)
		copy(kept, t.usedIDs[len(t.usedIDs)-usedIDsKeep:])
		t.usedIDs = kept
	}
}

func (t *sourceTask) fail(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	t.log.Error("source task failed", "error", err)
}

func (t *sourceTask) restoreState(ctx context.Context) {
	var st store.RandomMessageState
	found, err := t.sched.store.LoadState(ctx, t.sched.sessionID, store.StateRandomMessages(t.sourceID), &st)
	if err != nil {
		metrics.IncStoreError("load_state")
		t.log.Warn("random state load failed", "error", err)
		return
	}
	if !found {
		return
	}
	t.mu.Lock()
	t.totalSent = st.TotalSent
	t.lastPost = st.LastPostTime
	t.mu.Unlock()
}

func (t *sourceTask) persistState(ctx context.Context) {
	t.mu.Lock()
	st := store.RandomMessageState{
		ChatID:       t.sourceID,
		LastPostTime: t.lastPost,
		DailyCount:   t.dailyCount,
		TotalSent:    t.totalSent,
	}
	t.mu.Unlock()
	if err := t.sched.store.SaveState(ctx, t.sched.sessionID, store.StateRandomMessages(t.sourceID), st, false); err != nil {
		metrics.IncStoreError("save_state")
		t.log.Warn("random state save failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
