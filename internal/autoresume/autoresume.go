// Package autoresume decides at supervisor startup whether the worker
// should be brought back automatically. The rule is narrow: resume only
// when the previous session ended abnormally. A session ended by an
// operator or a clean shutdown stays down.
package autoresume

import (
	"context"
	"log/slog"
	"time"

	"github.com/teleward/teleward/internal/config"
	"github.com/teleward/teleward/internal/store"
)

const (
	waitTimeout = 5 * time.Minute
	waitProbe   = 5 * time.Second
)

// Decision explains the resume verdict.
type Decision struct {
	Resume bool
	Mode   string
	Why    string
}

type Resumer struct {
	store store.Store
	log   *slog.Logger
}

func New(st store.Store, log *slog.Logger) *Resumer {
	return &Resumer{store: st, log: log}
}

// WaitForStore blocks until the state store answers a ping, probing
// every few seconds. The store may come up after us when both are
// supervised by the same init system.
func (r *Resumer) WaitForStore(ctx context.Context) error {
	deadline := time.Now().Add(waitTimeout)
	for {
		pctx, cancel := context.WithTimeout(ctx, waitProbe)
		err := r.store.Ping(pctx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		r.log.Info("state store not ready, retrying", "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitProbe):
		}
	}
}

// Decide inspects the most recent session and returns whether the
// worker should be resumed and in which mode.
func (r *Resumer) Decide(ctx context.Context) (Decision, error) {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return Decision{}, err
	}
	if len(sessions) == 0 {
		return Decision{Why: "no previous sessions"}, nil
	}

	latest := sessions[0]
	if latest.Ended && latest.EndReason.Graceful() {
		return Decision{Why: "previous session ended gracefully (" + string(latest.EndReason) + ")"}, nil
	}

	var app store.ApplicationState
	found, err := r.store.LoadState(ctx, latest.ID, store.StateApplication, &app)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return Decision{Why: "previous session has no application state"}, nil
	}

	mode := app.Mode
	if !config.ValidMode(mode) {
		mode = config.ModeLive
	}
	why := "previous session crashed"
	if latest.Ended {
		why = "previous session ended with reason " + string(latest.EndReason)
	}
	return Decision{Resume: true, Mode: mode, Why: why}, nil
}

// Starter is the piece of the supervisor the resumer needs.
type Starter interface {
	Start(ctx context.Context, mode string, force bool) error
	IsRunning() bool
}

// Run performs the full resume sequence: wait for the store, decide,
// and start the worker when warranted. The start is forced because the
// crashed session may already carry an end marker.
func (r *Resumer) Run(ctx context.Context, sup Starter) (Decision, error) {
	if err := r.WaitForStore(ctx); err != nil {
		return Decision{}, err
	}
	d, err := r.Decide(ctx)
	if err != nil {
		return Decision{}, err
	}
	if !d.Resume {
		r.log.Info("auto resume skipped", "why", d.Why)
		return d, nil
	}
	if sup.IsRunning() {
		r.log.Info("worker already running, auto resume skipped")
		d.Resume = false
		d.Why = "worker already running"
		return d, nil
	}
	r.log.Info("auto resuming worker", "mode", d.Mode, "why", d.Why)
	if err := sup.Start(ctx, d.Mode, true); err != nil {
		return d, err
	}
	return d, nil
}
