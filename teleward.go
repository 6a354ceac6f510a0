// Package teleward supervises a Telegram forwarding worker: it keeps
// session state in a durable store, restarts crashed workers, resumes
// them after a host reboot, and runs the random posting scheduler.
package teleward

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teleward/teleward/internal/autoresume"
	"github.com/teleward/teleward/internal/config"
	"github.com/teleward/teleward/internal/history"
	historyfactory "github.com/teleward/teleward/internal/history/factory"
	"github.com/teleward/teleward/internal/logger"
	"github.com/teleward/teleward/internal/metrics"
	"github.com/teleward/teleward/internal/scheduler"
	"github.com/teleward/teleward/internal/server"
	"github.com/teleward/teleward/internal/store"
	storefactory "github.com/teleward/teleward/internal/store/factory"
	"github.com/teleward/teleward/internal/supervisor"
	"github.com/teleward/teleward/internal/transform"
	tgtransport "github.com/teleward/teleward/internal/transport/telegram"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Store = store.Store

type SessionSummary = store.SessionSummary

type EndReason = store.EndReason

type HistorySink = history.Sink

type WorkerStatus = supervisor.Status

type TaskStatus = scheduler.TaskStatus

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// OpenStore opens a state store from a DSN (sqlite path, sqlite:// or
// postgres:// URL).
func OpenStore(dsn string) (Store, error) { return storefactory.NewFromDSN(dsn) }

// OpenHistorySink opens a supervision-event sink from a DSN. Supported
// schemes: sqlite, postgres, clickhouse.
func OpenHistorySink(dsn string) (HistorySink, error) { return historyfactory.NewSinkFromDSN(dsn) }

// RegisterMetrics registers collectors on a custom registry.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers collectors on the default registry.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler { return metrics.Handler() }

// Daemon wires the whole supervisor together from one config.
type Daemon struct {
	cfg     *Config
	cfgPath string

	log   *slog.Logger
	store Store
	sink  HistorySink
	sup   *supervisor.Supervisor
	sched *scheduler.Scheduler
	tg    *tgtransport.Client
	http  *http.Server
}

// NewDaemonFromFile loads the config at path and builds a daemon that
// also watches the file for changes.
func NewDaemonFromFile(path string) (*Daemon, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	d, err := NewDaemon(cfg)
	if err != nil {
		return nil, err
	}
	d.cfgPath = path
	return d, nil
}

// NewDaemon builds a daemon from a loaded config.
func NewDaemon(cfg *Config) (*Daemon, error) {
	log := logger.Setup(logger.ParseLevel(cfg.LogLevel))

	st, err := storefactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var sink HistorySink
	if cfg.History.DSN != "" {
		sink, err = historyfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open history sink: %w", err)
		}
	}

	sup := supervisor.New(cfg.Worker, cfg.Hash(), st, sink, log)

	d := &Daemon{cfg: cfg, log: log, store: st, sink: sink, sup: sup}

	if cfg.Random.Enabled {
		tg, err := tgtransport.New(tgtransport.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: cfg.Telegram.PollTimeout,
			SendRate:    cfg.Telegram.SendRate,
		})
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("telegram client: %w", err)
		}
		pipeline := transform.Chain{transform.Filter{}}
		d.tg = tg
		d.sched = scheduler.New(cfg.Random, st, tg, pipeline, sink, log)
	}
	return d, nil
}

// Supervisor exposes the worker supervisor for embedding.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Scheduler exposes the random posting scheduler, nil when disabled.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.sched }

// Run starts everything and blocks until ctx is cancelled, then shuts
// down in reverse order. Cancellation counts as a normal shutdown: the
// worker session is marked so it will not auto resume.
func (d *Daemon) Run(ctx context.Context) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		d.log.Warn("metrics registration failed", "error", err)
	}

	if d.sink != nil {
		_ = d.sink.Send(ctx, history.Event{Type: history.EventSessionStart, OccurredAt: time.Now(), Mode: d.cfg.Mode})
	}

	resumer := autoresume.New(d.store, d.log)
	if !d.sup.Adopt() {
		if _, err := resumer.Run(ctx, d.sup); err != nil {
			d.log.Warn("auto resume failed", "error", err)
		}
	}

	go d.sup.Monitor(ctx)

	if d.sched != nil {
		d.tg.Start(ctx)
		if err := d.sched.Start(ctx); err != nil {
			d.log.Error("scheduler start failed", "error", err)
		}
	}

	router := server.NewRouter(d.sup, d.sched, d.store, d.cfg.Server.BasePath)
	d.http = server.NewServer(d.cfg.Server.Listen, router)
	d.log.Info("api server listening", "addr", d.cfg.Server.Listen)

	if d.cfgPath != "" {
		go func() {
			err := config.Watch(ctx, d.cfgPath, d.log, func(next *config.Config) {
				if next.Hash() != d.cfg.Hash() {
					d.log.Warn("config changed on disk, restart to apply")
				}
			})
			if err != nil && ctx.Err() == nil {
				d.log.Debug("config watcher exited", "error", err)
			}
		}()
	}

	<-ctx.Done()
	d.log.Info("shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if d.http != nil {
		_ = d.http.Shutdown(sctx)
	}
	if d.sched != nil {
		d.sched.Stop()
	}
	if err := d.sup.Stop(sctx, store.EndNormalShutdown); err != nil {
		d.log.Warn("worker stop failed", "error", err)
	}
	if d.sink != nil {
		_ = d.sink.Send(sctx, history.Event{Type: history.EventSessionEnd, OccurredAt: time.Now(), Mode: d.cfg.Mode})
	}
	return d.Close()
}

// Close releases the daemon's resources without touching the worker.
func (d *Daemon) Close() error {
	var first error
	if d.tg != nil {
		if err := d.tg.Close(); err != nil && first == nil {
			first = err
		}
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
