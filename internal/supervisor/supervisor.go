// Package supervisor spawns the forwarding worker, tracks its liveness
// and restarts it after crashes within a bounded budget.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/teleward/teleward/internal/config"
	"github.com/teleward/teleward/internal/history"
	"github.com/teleward/teleward/internal/metrics"
	"github.com/teleward/teleward/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("worker already running")
	ErrNotRunning     = errors.New("worker not running")
	ErrDegraded       = errors.New("restart limit reached, supervisor degraded")
)

// Status is a point-in-time snapshot of the supervised worker.
type Status struct {
	Running   bool      `json:"running"`
	Degraded  bool      `json:"degraded"`
	PID       int       `json:"pid,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Restarts  int       `json:"restarts"`
}

type Supervisor struct {
	cfg        config.WorkerConfig
	configHash string
	store      store.Store
	sink       history.Sink
	log        *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	mode      string
	sessionID string
	startedAt time.Time
	restarts  int
	degraded  bool
	stopping  bool
	waitDone  chan struct{}
}

func New(cfg config.WorkerConfig, configHash string, st store.Store, sink history.Sink, log *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, configHash: configHash, store: st, sink: sink, log: log}
}

// IsRunning probes the tracked worker. pid 0 means nothing was ever
// started. A zombie is a dead worker whose exit has not been reaped yet,
// so it counts as not running.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()
	return pidAlive(pid)
}

// buildWorkerCmd appends the mode as the worker's last argument.
// Commands with shell metacharacters run through /bin/sh so operators
// can configure pipelines and env expansion.
func buildWorkerCmd(command, mode string) *exec.Cmd {
	if strings.ContainsAny(command, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", command+" "+mode)
	}
	parts := strings.Fields(command)
	args := append(parts[1:], mode)
	// #nosec G204
	return exec.Command(parts[0], args...)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Adopt reattaches to a worker recorded in the pid file by a previous
// supervisor run. Returns false when no live worker is found.
func (s *Supervisor) Adopt() bool {
	pid, sessionID, err := readPIDFile(s.cfg.PIDFile)
	if err != nil || !pidAlive(pid) {
		return false
	}
	s.mu.Lock()
	s.pid = pid
	s.sessionID = sessionID
	s.mu.Unlock()
	s.log.Info("adopted running worker", "pid", pid, "session", sessionID)
	return true
}

// Start spawns the worker in its own process group with the given mode.
// force pushes the initial state save through even when the previous
// session of the same id was already marked ended.
func (s *Supervisor) Start(ctx context.Context, mode string, force bool) error {
	if !config.ValidMode(mode) {
		return fmt.Errorf("invalid mode %q", mode)
	}
	s.mu.Lock()
	if s.degraded {
		s.mu.Unlock()
		return ErrDegraded
	}
	if pidAlive(s.pid) {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.mu.Unlock()

	cmd := buildWorkerCmd(s.cfg.Command, mode)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	out := s.logWriter()
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	sessionID := uuid.NewString()
	now := time.Now()
	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.mode = mode
	s.sessionID = sessionID
	s.startedAt = now
	s.stopping = false
	s.waitDone = make(chan struct{})
	s.mu.Unlock()

	go s.reap(cmd)

	if err := writePIDFile(s.cfg.PIDFile, cmd.Process.Pid, sessionID); err != nil {
		s.log.Warn("pid file write failed", "path", s.cfg.PIDFile, "error", err)
	}

	app := store.ApplicationState{
		Mode:          mode,
		ConfigHash:    s.configHash,
		RunningSince:  now,
		LastHeartbeat: now,
	}
	if err := s.store.SaveState(ctx, sessionID, store.StateApplication, app, force); err != nil {
		metrics.IncStoreError("save_state")
		s.log.Warn("application state save failed", "error", err)
	}

	metrics.IncWorkerStart(mode)
	metrics.SetWorkerRunning(true)
	s.record(ctx, history.EventWorkerStart, sessionID, mode, cmd.Process.Pid, "")
	s.log.Info("worker started", "pid", cmd.Process.Pid, "mode", mode, "session", sessionID)
	return nil
}

// reap waits on the child so it never lingers as a zombie.
func (s *Supervisor) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	s.mu.Lock()
	done := s.waitDone
	s.waitDone = nil
	s.mu.Unlock()
	if done != nil {
		close(done)
	}
	if err != nil {
		s.log.Debug("worker exited", "error", err)
	}
}

// Stop terminates the worker process group, escalating from SIGTERM to
// SIGKILL after the grace window, and marks the session ended with the
// given reason. Stopping an already-stopped worker is a no-op.
func (s *Supervisor) Stop(ctx context.Context, reason store.EndReason) error {
	s.mu.Lock()
	pid := s.pid
	sessionID := s.sessionID
	mode := s.mode
	s.stopping = true
	done := s.waitDone
	s.mu.Unlock()

	if pidAlive(pid) {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		if !s.awaitExit(pid, done, s.cfg.StopGrace) {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			s.awaitExit(pid, done, 500*time.Millisecond)
		}
		metrics.IncWorkerStop()
		s.record(ctx, history.EventWorkerStop, sessionID, mode, pid, string(reason))
		s.log.Info("worker stopped", "pid", pid, "reason", reason)
	}

	s.mu.Lock()
	s.pid = 0
	s.cmd = nil
	s.mu.Unlock()
	removePIDFile(s.cfg.PIDFile)
	metrics.SetWorkerRunning(false)

	if sessionID != "" {
		if err := s.store.MarkSessionEnded(ctx, sessionID, reason); err != nil {
			metrics.IncStoreError("mark_ended")
			return fmt.Errorf("mark session ended: %w", err)
		}
	}
	return nil
}

func (s *Supervisor) awaitExit(pid int, done chan struct{}, wait time.Duration) bool {
	if done != nil {
		select {
		case <-done:
			return true
		case <-time.After(wait):
			return false
		}
	}
	// Adopted worker, no wait channel. Poll.
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return !pidAlive(pid)
}

// Restart stops the worker and starts it again after the configured
// cooldown. An empty mode keeps the mode of the stopped worker.
func (s *Supervisor) Restart(ctx context.Context, mode string) error {
	s.mu.Lock()
	current := s.mode
	s.mu.Unlock()
	if current == "" {
		return ErrNotRunning
	}
	if mode == "" {
		mode = current
	}
	if !config.ValidMode(mode) {
		return fmt.Errorf("invalid mode %q", mode)
	}
	if err := s.Stop(ctx, store.EndNormalShutdown); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.RestartCooldown):
	}
	return s.Start(ctx, mode, true)
}

// ResetDegraded clears the degraded flag and the restart counter so a
// manual start can succeed again.
func (s *Supervisor) ResetDegraded() {
	s.mu.Lock()
	s.degraded = false
	s.restarts = 0
	s.mu.Unlock()
}

// autoRestart handles one unexpected exit: marks the dead session as
// crashed and starts a replacement after the cooldown, until the
// restart budget is exhausted.
func (s *Supervisor) autoRestart(ctx context.Context) {
	s.mu.Lock()
	if s.stopping || s.degraded {
		s.mu.Unlock()
		return
	}
	sessionID := s.sessionID
	mode := s.mode
	s.pid = 0
	s.cmd = nil
	if s.restarts >= s.cfg.MaxRestarts {
		s.degraded = true
		s.mu.Unlock()
		metrics.SetWorkerRunning(false)
		s.log.Error("restart limit reached, entering degraded state", "restarts", s.cfg.MaxRestarts)
		return
	}
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	metrics.SetWorkerRunning(false)
	if sessionID != "" {
		if err := s.store.MarkSessionEnded(ctx, sessionID, store.EndCrash); err != nil {
			metrics.IncStoreError("mark_ended")
			s.log.Warn("crash marker save failed", "session", sessionID, "error", err)
		}
	}
	s.log.Warn("worker died, restarting", "attempt", attempt, "max", s.cfg.MaxRestarts, "cooldown", s.cfg.RestartCooldown)

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.RestartCooldown):
	}

	metrics.IncWorkerRestart()
	s.record(ctx, history.EventWorkerRestart, sessionID, mode, 0, fmt.Sprintf("attempt %d", attempt))
	if err := s.Start(ctx, mode, true); err != nil {
		s.log.Error("auto restart failed", "error", err)
	}
}

// startFromRecord brings up a worker when none is tracked and no mode
// is known in memory. The freshest session carrying application state
// decides: a gracefully ended one stays down, anything else starts in
// its recorded mode.
func (s *Supervisor) startFromRecord(ctx context.Context) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		metrics.IncStoreError("list_sessions")
		s.log.Warn("session list failed", "error", err)
		return
	}
	for _, sess := range sessions {
		hasApp := false
		for _, st := range sess.StateTypes {
			if st == store.StateApplication {
				hasApp = true
				break
			}
		}
		if !hasApp {
			continue
		}
		if sess.Ended && sess.EndReason.Graceful() {
			return
		}
		var app store.ApplicationState
		found, err := s.store.LoadState(ctx, sess.ID, store.StateApplication, &app)
		if err != nil {
			metrics.IncStoreError("load_state")
			s.log.Warn("application state load failed", "session", sess.ID, "error", err)
			return
		}
		if !found || !config.ValidMode(app.Mode) {
			return
		}
		s.log.Info("no worker process recorded, starting from saved state", "mode", app.Mode, "session", sess.ID)
		if err := s.Start(ctx, app.Mode, true); err != nil {
			s.log.Error("start from saved state failed", "error", err)
		}
		return
	}
}

// Monitor polls worker liveness until ctx is cancelled. A dead worker
// triggers the auto restart path; when no process is recorded at all,
// the last saved application state decides. Each healthy tick refreshes
// the session heartbeat.
func (s *Supervisor) Monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		pid := s.pid
		stopping := s.stopping
		degraded := s.degraded
		sessionID := s.sessionID
		mode := s.mode
		since := s.startedAt
		s.mu.Unlock()
		if stopping || degraded {
			continue
		}
		if pid != 0 && s.IsRunning() {
			if mode == "" {
				// Adopted worker, mode unknown. Leave the saved state be.
				continue
			}
			app := store.ApplicationState{
				Mode:          mode,
				ConfigHash:    s.configHash,
				RunningSince:  since,
				LastHeartbeat: time.Now(),
			}
			if err := s.store.SaveState(ctx, sessionID, store.StateApplication, app, false); err != nil {
				metrics.IncStoreError("save_state")
				s.log.Warn("heartbeat save failed", "error", err)
			}
			continue
		}
		// Nothing alive. A known mode means a tracked worker died or a
		// restart failed to spawn; retry it under the restart budget.
		// Otherwise the last saved application state decides.
		if mode != "" {
			s.autoRestart(ctx)
		} else {
			s.startFromRecord(ctx)
		}
	}
}

// Status returns a snapshot for the HTTP API.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:   pidAlive(s.pid),
		Degraded:  s.degraded,
		PID:       s.pid,
		Mode:      s.mode,
		SessionID: s.sessionID,
		StartedAt: s.startedAt,
		Restarts:  s.restarts,
	}
}

func (s *Supervisor) logWriter() io.Writer {
	if s.cfg.Log.Dir == "" {
		return nil
	}
	return s.cfg.Log.Writer("worker")
}

func (s *Supervisor) record(ctx context.Context, typ history.EventType, sessionID, mode string, pid int, detail string) {
	if s.sink == nil {
		return
	}
	ev := history.Event{
		Type:       typ,
		OccurredAt: time.Now(),
		SessionID:  sessionID,
		Mode:       mode,
		PID:        pid,
		Detail:     detail,
	}
	if err := s.sink.Send(ctx, ev); err != nil {
		s.log.Debug("history send failed", "type", typ, "error", err)
	}
}
