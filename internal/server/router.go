// Package server exposes the supervisor and scheduler over HTTP.
// Endpoints (relative to basePath):
//
//	GET  /health
//	GET  /status
//	POST /start               query: mode=live|past, force=1
//	POST /stop
//	POST /restart             query: mode=live|past (optional)
//	POST /reset-degraded
//	GET  /logs                query: lines=N
//	GET  /sessions
//	POST /sessions/cleanup    query: keep=N
//	GET  /scheduler/status
//	POST /scheduler/reset
//	GET  /metrics
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teleward/teleward/internal/metrics"
	"github.com/teleward/teleward/internal/scheduler"
	"github.com/teleward/teleward/internal/store"
	"github.com/teleward/teleward/internal/supervisor"
)

const defaultCleanupKeep = 5

type Router struct {
	sup      *supervisor.Supervisor
	sched    *scheduler.Scheduler
	store    store.Store
	basePath string
	started  time.Time
}

// NewRouter constructs a Router. sched may be nil when random posting
// is disabled.
func NewRouter(sup *supervisor.Supervisor, sched *scheduler.Scheduler, st store.Store, basePath string) *Router {
	return &Router{sup: sup, sched: sched, store: st, basePath: sanitizeBase(basePath), started: time.Now()}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/health", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.POST("/reset-degraded", r.handleResetDegraded)
	group.GET("/logs", r.handleLogs)
	group.GET("/sessions", r.handleSessions)
	group.POST("/sessions/cleanup", r.handleCleanup)
	group.GET("/scheduler/status", r.handleSchedulerStatus)
	group.POST("/scheduler/reset", r.handleSchedulerReset)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.sup.Status()
	payload := gin.H{
		"status":     "ok",
		"uptime":     time.Since(r.started).Round(time.Second).String(),
		"session_id": st.SessionID,
		"running":    st.Running,
		"degraded":   st.Degraded,
	}
	if err := r.store.Ping(c.Request.Context()); err != nil {
		payload["status"] = "degraded"
		payload["store"] = err.Error()
		writeJSON(c, http.StatusServiceUnavailable, payload)
		return
	}
	if st.Degraded {
		payload["status"] = "degraded"
	}
	writeJSON(c, http.StatusOK, payload)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.Status())
}

func (r *Router) handleStart(c *gin.Context) {
	mode := c.DefaultQuery("mode", "live")
	force := c.Query("force") == "1"
	if err := r.sup.Start(c.Request.Context(), mode, force); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.sup.Stop(c.Request.Context(), store.EndManualStop); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.sup.Restart(c.Request.Context(), c.Query("mode")); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, supervisor.ErrNotRunning) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleResetDegraded clears the degraded flag so a worker whose
// restart budget ran out can be started again by an operator.
func (r *Router) handleResetDegraded(c *gin.Context) {
	r.sup.ResetDegraded()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogs(c *gin.Context) {
	lines := 0
	if s := c.Query("lines"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a non-negative integer"})
			return
		}
		lines = n
	}
	out, err := r.sup.GetLogs(lines)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"logs": out})
}

func (r *Router) handleSessions(c *gin.Context) {
	sessions, err := r.store.ListSessions(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sessions)
}

func (r *Router) handleCleanup(c *gin.Context) {
	keep := defaultCleanupKeep
	if s := c.Query("keep"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "keep must be a positive integer"})
			return
		}
		keep = n
	}
	removed, err := r.store.CleanupOldSessions(c.Request.Context(), keep)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"removed": removed, "kept": keep})
}

func (r *Router) handleSchedulerStatus(c *gin.Context) {
	if r.sched == nil {
		writeJSON(c, http.StatusOK, gin.H{"enabled": false})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"enabled": true,
		"running": r.sched.Running(),
		"tasks":   r.sched.Status(),
	})
}

func (r *Router) handleSchedulerReset(c *gin.Context) {
	if r.sched == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "random posting is disabled"})
		return
	}
	removed, err := r.sched.ResetToday(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"removed": removed})
}
