// Package scheduler runs the random posting tasks: one goroutine per
// configured source, a lazy daily counter reset, and an hourly revive
// sweep for tasks that died.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/teleward/teleward/internal/config"
	"github.com/teleward/teleward/internal/history"
	"github.com/teleward/teleward/internal/metrics"
	"github.com/teleward/teleward/internal/store"
	"github.com/teleward/teleward/internal/transform"
	"github.com/teleward/teleward/internal/transport"
)

const maxResetNap = time.Hour

type Scheduler struct {
	cfg      config.RandomConfig
	store    store.Store
	client   transport.Client
	pipeline transform.Transform
	sink     history.Sink
	log      *slog.Logger

	sessionID string

	mu            sync.Mutex
	tasks         map[string]*sourceTask
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	cron          *cron.Cron
	lastResetDate string
	running       bool
}

func New(cfg config.RandomConfig, st store.Store, client transport.Client, pipeline transform.Transform, sink history.Sink, log *slog.Logger) *Scheduler {
	if pipeline == nil {
		pipeline = transform.Chain{transform.Filter{}}
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		client:   client,
		pipeline: pipeline,
		sink:     sink,
		log:      log,
		tasks:    make(map[string]*sourceTask),
	}
}

// Start resolves every configured source and launches its task, the
// reset loop and the revive sweep. Idempotent while running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.sessionID = uuid.NewString()
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	launched := 0
	for _, ref := range s.cfg.Sources {
		task, err := s.buildTask(rctx, ref)
		if err != nil {
			// One bad source must not take the others down.
			s.log.Warn("source skipped", "source", ref, "error", err)
			continue
		}
		s.mu.Lock()
		s.tasks[ref] = task
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			task.run(rctx)
		}()
		launched++
	}
	metrics.SetActiveSources(launched)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.resetLoop(rctx)
	}()

	c := cron.New()
	if _, err := c.AddFunc("0 * * * *", func() { s.revive(rctx) }); err != nil {
		s.Stop()
		return fmt.Errorf("schedule revive sweep: %w", err)
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	s.log.Info("random posting scheduler started", "sources", len(s.cfg.Sources), "session", s.sessionID)
	return nil
}

func (s *Scheduler) buildTask(ctx context.Context, ref string) (*sourceTask, error) {
	sourceID, err := s.client.ResolveIdentity(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("resolve source %q: %w", ref, err)
	}
	destRefs := s.cfg.DestinationsFor(ref)
	destIDs := make([]int64, 0, len(destRefs))
	for _, d := range destRefs {
		id, err := s.client.ResolveIdentity(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("resolve destination %q for %q: %w", d, ref, err)
		}
		destIDs = append(destIDs, id)
	}
	return newSourceTask(ref, sourceID, destIDs, s), nil
}

// Stop cancels every task and waits for them to persist their state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	metrics.SetActiveSources(0)
	s.log.Info("random posting scheduler stopped")
}

// revive restarts tasks that exited, as long as their durable counter
// still leaves room under today's quota. A stopped task keeps its
// status entry, so the sweep replaces it in place.
func (s *Scheduler) revive(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	var dead []*sourceTask
	for _, t := range s.tasks {
		if t.status().State == StateStopped {
			dead = append(dead, t)
		}
	}
	s.mu.Unlock()

	for _, old := range dead {
		st := old.status()
		if !s.underQuota(ctx, st.SourceID) {
			s.log.Debug("stopped source stays down, quota exhausted", "source", st.Source)
			continue
		}
		s.log.Info("reviving stopped source task", "source", st.Source, "last_error", st.LastError)
		task := newSourceTask(st.Source, st.SourceID, old.destIDs, s)
		s.mu.Lock()
		s.tasks[st.Source] = task
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			task.run(ctx)
		}()
	}
}

// underQuota reads the durable counter for the source. A read failure
// counts as under quota so a flaky store cannot strand a task.
func (s *Scheduler) underQuota(ctx context.Context, sourceID int64) bool {
	limit := s.cfg.DailyLimit
	if limit <= 0 {
		return true
	}
	n, err := s.store.GetCounter(ctx, sourceID, store.Today(), store.CounterRandom)
	if err != nil {
		metrics.IncStoreError("get_counter")
		return true
	}
	return n < limit
}

// resetLoop clears daily counters shortly after midnight. The sleep is
// capped so a clock jump or suspend never delays a reset by more than
// an hour.
func (s *Scheduler) resetLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		now := time.Now()
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		nap := minDur(time.Until(midnight), maxResetNap)
		if !sleepCtx(ctx, nap) {
			return
		}
		s.maybeReset(ctx)
	}
}

// maybeReset performs at most one reset per calendar day.
func (s *Scheduler) maybeReset(ctx context.Context) {
	today := store.Today()
	s.mu.Lock()
	if s.lastResetDate == today {
		s.mu.Unlock()
		return
	}
	first := s.lastResetDate == ""
	s.lastResetDate = today
	s.mu.Unlock()
	if first {
		// Process start, not a day rollover. Counters for today stand.
		return
	}

	yesterday := time.Now().AddDate(0, 0, -1).Format(store.DayFormat)
	removed, err := s.store.ResetCounters(ctx, yesterday, store.CounterRandom)
	if err != nil {
		metrics.IncStoreError("reset_counters")
		s.log.Warn("daily counter reset failed", "day", yesterday, "error", err)
		s.mu.Lock()
		s.lastResetDate = "" // retry on next wake
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	n := len(s.tasks)
	tasks := make([]*sourceTask, 0, n)
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		t.mu.Lock()
		t.dailyCount = 0
		t.mu.Unlock()
	}

	reset := store.DailyReset{Day: today, ResetAt: time.Now(), SourcesReset: n}
	if err := s.store.SaveState(ctx, s.sessionID, store.StateDailyReset, reset, false); err != nil {
		metrics.IncStoreError("save_state")
		s.log.Warn("daily reset state save failed", "error", err)
	}
	s.log.Info("daily counters reset", "day", yesterday, "rows", removed, "sources", n)
}

// ResetToday clears today's counters on operator request.
func (s *Scheduler) ResetToday(ctx context.Context) (int64, error) {
	removed, err := s.store.ResetCounters(ctx, store.Today(), store.CounterRandom)
	if err != nil {
		metrics.IncStoreError("reset_counters")
		return 0, err
	}
	s.mu.Lock()
	tasks := make([]*sourceTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	for _, t := range tasks {
		t.mu.Lock()
		t.dailyCount = 0
		t.mu.Unlock()
	}
	return removed, nil
}

// Status reports every task, sorted by source ref for stable output.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.status())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Running reports whether the scheduler has been started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) record(ctx context.Context, typ history.EventType, sourceID int64, detail string) {
	if s.sink == nil {
		return
	}
	ev := history.Event{
		Type:       typ,
		OccurredAt: time.Now(),
		SessionID:  s.sessionID,
		SourceID:   sourceID,
		Detail:     detail,
	}
	if err := s.sink.Send(ctx, ev); err != nil {
		s.log.Debug("history send failed", "type", typ, "error", err)
	}
}
