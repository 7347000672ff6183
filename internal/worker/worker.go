package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/corvohq/allocd/internal/store"
)

// DefaultInterval is the execution cadence. No jitter, no backoff: a
// failed tick logs and waits for the next one.
const DefaultInterval = 60 * time.Second

// ActionSource lists actions by filter (the queue).
type ActionSource interface {
	Fetch(filter store.ActionFilter) ([]store.Action, error)
}

// ActionExecutor drains approved work (the coordinator).
type ActionExecutor interface {
	Execute(ctx context.Context, ids []int64, force bool) ([]store.Action, error)
}

// Worker polls for approved actions on a fixed interval and hands them
// to the executor. It performs no de-duplication of its own: the
// executor's serialized transaction is the overlap guard.
type Worker struct {
	source   ActionSource
	executor ActionExecutor
	interval time.Duration
}

func New(source ActionSource, executor ActionExecutor, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{source: source, executor: executor, interval: interval}
}

// Run starts the polling loop. It blocks until the context is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("action worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("action worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	status := store.StatusApproved
	approved, err := w.source.Fetch(store.ActionFilter{Status: &status})
	if err != nil {
		// Skip this tick; never crash the loop.
		slog.Error("fetch approved actions", "error", err)
		return
	}
	if len(approved) == 0 {
		return
	}

	ids := make([]int64, len(approved))
	for i, a := range approved {
		ids[i] = a.ID
	}
	slog.Info("executing approved actions", "count", len(ids))

	updated, err := w.executor.Execute(ctx, ids, false)
	if err != nil {
		slog.Error("execute approved actions", "error", err)
		return
	}

	var succeeded, failed int
	for _, a := range updated {
		switch a.Status {
		case store.StatusSuccess:
			succeeded++
		case store.StatusFailed:
			failed++
		}
	}
	slog.Info("execution pass complete", "succeeded", succeeded, "failed", failed)
}

// RunOnce executes a single tick. Useful for testing.
func (w *Worker) RunOnce(ctx context.Context) {
	w.tick(ctx)
}
