package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/teleward/teleward/internal/config"
	"github.com/teleward/teleward/internal/store"
	"github.com/teleward/teleward/internal/store/sqlite"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, command string) (*Supervisor, store.Store) {
	t.Helper()
	dir := t.TempDir()
	st, err := sqlite.New(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	cfg := config.WorkerConfig{
		Command:         command,
		PIDFile:         filepath.Join(dir, "worker.pid"),
		MaxRestarts:     3,
		RestartCooldown: 50 * time.Millisecond,
		MonitorInterval: 50 * time.Millisecond,
		StopGrace:       time.Second,
	}
	return New(cfg, "testhash", st, nil, testLogger()), st
}

func waitUntil(timeout, step time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(step)
	}
	return cond()
}

func TestBuildWorkerCmd(t *testing.T) {
	cmd := buildWorkerCmd("/usr/bin/worker --flag", "live")
	if filepath.Base(cmd.Path) == "sh" {
		t.Fatalf("plain command should not go through the shell: %v", cmd.Args)
	}
	want := []string{"/usr/bin/worker", "--flag", "live"}
	if len(cmd.Args) != len(want) {
		t.Fatalf("args mismatch: got %v want %v", cmd.Args, want)
	}
	for i := range want {
		if cmd.Args[i] != want[i] {
			t.Fatalf("args mismatch: got %v want %v", cmd.Args, want)
		}
	}

	shellCmd := buildWorkerCmd("worker | tee out.log", "past")
	if filepath.Base(shellCmd.Path) != "sh" {
		t.Fatalf("metacharacter command should run through the shell: %v", shellCmd.Args)
	}
	if !strings.HasSuffix(shellCmd.Args[len(shellCmd.Args)-1], " past") {
		t.Fatalf("mode not appended to shell command: %v", shellCmd.Args)
	}
}

func TestIsRunningBeforeStart(t *testing.T) {
	s, _ := newTestSupervisor(t, "sleep 5")
	if s.IsRunning() {
		t.Fatal("fresh supervisor should not report a running worker")
	}
	st := s.Status()
	if st.Running || st.PID != 0 || st.Restarts != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestStartInvalidMode(t *testing.T) {
	s, _ := newTestSupervisor(t, "sleep 5")
	if err := s.Start(context.Background(), "bogus", false); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	s, st := newTestSupervisor(t, "sh -c 'sleep 30'")

	if err := s.Start(ctx, config.ModeLive, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("worker should be running after Start")
	}
	status := s.Status()
	if status.PID <= 0 || status.Mode != config.ModeLive || status.SessionID == "" {
		t.Fatalf("unexpected status after start: %+v", status)
	}

	// Second start must be rejected while the worker lives
	if err := s.Start(ctx, config.ModeLive, false); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	// pid file written with pid and session
	pid, session, err := readPIDFile(s.cfg.PIDFile)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != status.PID || session != status.SessionID {
		t.Fatalf("pid file mismatch: %d/%s vs %+v", pid, session, status)
	}

	// Application state persisted under the session
	var app store.ApplicationState
	found, err := st.LoadState(ctx, status.SessionID, store.StateApplication, &app)
	if err != nil || !found {
		t.Fatalf("application state not saved: found=%v err=%v", found, err)
	}
	if app.Mode != config.ModeLive || app.ConfigHash != "testhash" {
		t.Fatalf("unexpected application state: %+v", app)
	}

	if err := s.Stop(ctx, store.EndManualStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Fatal("worker should not be running after Stop")
	}
	if _, err := os.Stat(s.cfg.PIDFile); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed after Stop, stat err: %v", err)
	}

	sessions, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) == 0 || !sessions[0].Ended || sessions[0].EndReason != store.EndManualStop {
		t.Fatalf("session not marked ended with manual_stop: %+v", sessions)
	}

	// Stopping again is a no-op
	if err := s.Stop(ctx, store.EndManualStop); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	// Worker ignores SIGTERM, so the grace window must be followed by SIGKILL.
	// The trailing comment swallows the appended mode argument.
	s, _ := newTestSupervisor(t, "trap '' TERM; while :; do sleep 1; done #")
	s.cfg.StopGrace = 200 * time.Millisecond

	if err := s.Start(ctx, config.ModeLive, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	if err := s.Stop(ctx, store.EndManualStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Stop took too long: %v", elapsed)
	}
	if s.IsRunning() {
		t.Fatal("worker should be dead after escalation")
	}
}

func TestAutoRestartAfterCrash(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Worker exits immediately with a failure, simulating a crash.
	s, st := newTestSupervisor(t, "sh -c 'exit 1'")

	if err := s.Start(ctx, config.ModeLive, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	firstSession := s.Status().SessionID

	go s.Monitor(ctx)

	ok := waitUntil(5*time.Second, 20*time.Millisecond, func() bool {
		return s.Status().Restarts >= 1
	})
	if !ok {
		t.Fatal("monitor did not restart the crashed worker")
	}

	// The crashed session must carry a crash end marker.
	ok = waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		sessions, err := st.ListSessions(ctx)
		if err != nil {
			return false
		}
		for _, sess := range sessions {
			if sess.ID == firstSession && sess.Ended && sess.EndReason == store.EndCrash {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatal("crashed session not marked with crash reason")
	}

	cancel()
	_ = s.Stop(context.Background(), store.EndNormalShutdown)
}

func TestMonitorStartsFromSavedState(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, st := newTestSupervisor(t, "sh -c 'sleep 30'")

	// A previous run left application state behind but no live process.
	app := store.ApplicationState{Mode: config.ModeLive, ConfigHash: "testhash", RunningSince: time.Now()}
	if err := st.SaveState(ctx, "previous-session", store.StateApplication, app, false); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	go s.Monitor(ctx)

	ok := waitUntil(5*time.Second, 20*time.Millisecond, func() bool {
		return s.IsRunning()
	})
	if !ok {
		t.Fatal("monitor did not start the worker from saved state")
	}
	if mode := s.Status().Mode; mode != config.ModeLive {
		t.Fatalf("worker started in mode %q, want %q", mode, config.ModeLive)
	}

	cancel()
	_ = s.Stop(context.Background(), store.EndNormalShutdown)
}

func TestMonitorLeavesGracefulEndAlone(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, st := newTestSupervisor(t, "sh -c 'sleep 30'")

	app := store.ApplicationState{Mode: config.ModeLive, RunningSince: time.Now()}
	if err := st.SaveState(ctx, "stopped-session", store.StateApplication, app, false); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	if err := st.MarkSessionEnded(ctx, "stopped-session", store.EndManualStop); err != nil {
		t.Fatalf("mark ended: %v", err)
	}

	go s.Monitor(ctx)
	time.Sleep(300 * time.Millisecond)

	if s.IsRunning() {
		t.Fatal("monitor must not revive a manually stopped session")
	}
}

func TestMonitorRetriesFailedSpawn(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, _ := newTestSupervisor(t, "sh -c 'sleep 30'")

	// A restart attempt that failed to spawn leaves a mode but no pid.
	s.mu.Lock()
	s.mode = config.ModeLive
	s.pid = 0
	s.mu.Unlock()

	go s.Monitor(ctx)

	ok := waitUntil(5*time.Second, 20*time.Millisecond, func() bool {
		st := s.Status()
		return st.Running && st.Restarts >= 1
	})
	if !ok {
		t.Fatalf("monitor did not retry the spawn: %+v", s.Status())
	}

	cancel()
	_ = s.Stop(context.Background(), store.EndNormalShutdown)
}

func TestRestartSwitchesModeAfterCooldown(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	s, _ := newTestSupervisor(t, "sh -c 'sleep 30'")
	s.cfg.RestartCooldown = 200 * time.Millisecond

	if err := s.Start(ctx, config.ModeLive, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	firstPID := s.Status().PID

	if err := s.Restart(ctx, "bogus"); err == nil {
		t.Fatal("expected error for invalid restart mode")
	}

	begin := time.Now()
	if err := s.Restart(ctx, config.ModePast); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if elapsed := time.Since(begin); elapsed < s.cfg.RestartCooldown {
		t.Fatalf("restart ignored the cooldown: %v", elapsed)
	}

	status := s.Status()
	if !status.Running || status.Mode != config.ModePast || status.PID == firstPID {
		t.Fatalf("unexpected status after restart: %+v (old pid %d)", status, firstPID)
	}
	_ = s.Stop(ctx, store.EndManualStop)
}

func TestDegradedAfterRestartBudget(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, _ := newTestSupervisor(t, "true")
	s.cfg.MaxRestarts = 1
	s.cfg.RestartCooldown = 10 * time.Millisecond
	s.cfg.MonitorInterval = 20 * time.Millisecond

	if err := s.Start(ctx, config.ModeLive, false); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go s.Monitor(ctx)

	ok := waitUntil(5*time.Second, 20*time.Millisecond, func() bool {
		return s.Status().Degraded
	})
	if !ok {
		t.Fatal("supervisor did not enter degraded state")
	}

	if err := s.Start(ctx, config.ModeLive, false); err != ErrDegraded {
		t.Fatalf("expected ErrDegraded, got %v", err)
	}

	s.ResetDegraded()
	status := s.Status()
	if status.Degraded || status.Restarts != 0 {
		t.Fatalf("ResetDegraded did not clear state: %+v", status)
	}
}

func TestAdopt(t *testing.T) {
	requireUnix(t)
	s, _ := newTestSupervisor(t, "sleep 5")

	// No pid file at all
	if s.Adopt() {
		t.Fatal("Adopt without a pid file should fail")
	}

	// Stale pid file pointing at a dead process
	if err := writePIDFile(s.cfg.PIDFile, 999999, "dead-session"); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	if s.Adopt() {
		t.Fatal("Adopt of a dead pid should fail")
	}

	// Live pid: use ourselves
	if err := writePIDFile(s.cfg.PIDFile, os.Getpid(), "live-session"); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	if !s.Adopt() {
		t.Fatal("Adopt of a live pid should succeed")
	}
	status := s.Status()
	if status.PID != os.Getpid() || status.SessionID != "live-session" {
		t.Fatalf("unexpected status after adopt: %+v", status)
	}
}

func TestReadPIDFileLegacyFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.pid")
	if err := os.WriteFile(path, []byte("12345\n"), 0o600); err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	pid, session, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != 12345 || session != "" {
		t.Fatalf("legacy parse mismatch: pid=%d session=%q", pid, session)
	}
}

func TestPidAlive(t *testing.T) {
	if pidAlive(0) {
		t.Fatal("pid 0 must never be alive")
	}
	if pidAlive(-5) {
		t.Fatal("negative pid must never be alive")
	}
	if !pidAlive(os.Getpid()) {
		t.Fatal("our own pid should be alive")
	}
}

func TestGetLogsWithoutLogDir(t *testing.T) {
	s, _ := newTestSupervisor(t, "sleep 5")
	out, err := s.GetLogs(10)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if out != "no logs available" {
		t.Fatalf("unexpected logs output: %q", out)
	}
}
