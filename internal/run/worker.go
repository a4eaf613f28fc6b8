package run

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Prismadic/magnet/internal/model"
)

var ErrWorkerStarted = errors.New("run: worker already started")

// Worker scans the jobs bucket for a role on an interval. A Worker runs
// once; Stop may be called any number of times, before or after Run.
type Worker struct {
	coordinator *Coordinator
	role        model.JobType
	interval    time.Duration

	started   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewWorker(c *Coordinator, role model.JobType, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Worker{
		coordinator: c,
		role:        role,
		interval:    interval,
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrWorkerStarted
	}
	defer close(w.stoppedCh)

	select {
	case <-w.stopCh:
		return nil
	default:
	}

	slog.InfoContext(ctx, "worker started", "role", w.role, "interval", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.coordinator.Work(ctx, w.role); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "job scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop ends Run and waits for the current scan to finish. It returns at
// once if Run was never called.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.stoppedCh
	}
}
