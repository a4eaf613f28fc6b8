package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel/trace"

	"github.com/Prismadic/magnet/common/logger"
	"github.com/Prismadic/magnet/internal/model"
)

var errNoTerminalStatus = errors.New("handler returned without a terminal status")

// HandleRun dispatches run to the handler for its params variant. Whatever
// the handler does (error, panic, or returning early) the run leaves here
// terminal and persisted; a run the handler did not finish is failed with the
// cause in results.error.
func (c *Coordinator) HandleRun(ctx context.Context, run *model.Run) (err error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:     logger.Ptr(run.Job.ID),
		RunID:     logger.Ptr(run.ID),
		Role:      logger.Ptr(string(run.Type)),
		Component: "magnet.run.coordinator",
	})
	sc := logger.StartSpan(ctx, "run.handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()
	sc.SetAttributes("magnet.job.id", run.Job.ID, "magnet.run.id", run.ID, "magnet.run.type", string(run.Type))

	c.status.Info(ctx, "handling run %s of type %s", run.ID, run.Type)

	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "panic recovered in run handler",
				"panic", rec,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
		if err == nil && !run.Status.IsTerminal() {
			err = errNoTerminalStatus
		}
		if err != nil {
			sc.RecordError(err)
		}
		c.settle(ctx, run, err)
	}()

	exec := &Execution{c: c, run: run}
	switch p := run.Job.Params.(type) {
	case model.AcquireParams:
		return c.handlers.Acquire(ctx, exec, p)
	case model.ProcessParams:
		return c.handlers.Process(ctx, exec, p)
	case model.TrainParams:
		return c.handlers.Train(ctx, exec, p)
	case model.InferenceParams:
		return c.handlers.Inference(ctx, exec, p)
	default:
		c.status.Warn(ctx, "unknown run type: %s", run.Type)
		return fmt.Errorf("%w %q", model.ErrUnknownJobType, run.Type)
	}
}

// settle is the safety net: fail a run the handler left open, then make sure
// the final state is in the runs bucket.
func (c *Coordinator) settle(ctx context.Context, run *model.Run, cause error) {
	if !run.Status.IsTerminal() {
		if cause == nil {
			cause = errNoTerminalStatus
		}
		if run.Results == nil {
			run.Results = map[string]any{}
		}
		run.Results["error"] = cause.Error()
		if err := c.Claim(context.WithoutCancel(ctx), run, model.RunStatusFailed); err != nil {
			slog.ErrorContext(ctx, "failed to record run failure", "error", err)
			// The job could not be written; stamp the run locally so the
			// stored record is still terminal.
			if !run.Status.IsTerminal() {
				_ = run.Transition(model.RunStatusFailed, c.now())
			}
			c.status.Fatal(ctx, "run %s failed: %v", run.ID, cause)
		}
	}
	if err := c.persist(ctx, run); err != nil {
		c.status.Warn(ctx, "failed to store run %s: %v", run.ID, err)
		return
	}
	c.status.Info(ctx, "run %s stored", run.ID)
}

// Work scans the jobs bucket once and runs every unclaimed job of type role.
// It returns how many runs it handled.
func (c *Coordinator) Work(ctx context.Context, role model.JobType) (int, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Role:      logger.Ptr(string(role)),
		Component: "magnet.run.coordinator",
	})

	jobs, err := c.prism.Jobs()
	if err != nil {
		c.status.Fatal(ctx, "cannot process jobs for role %s: %v", role, err)
		return 0, err
	}
	keys, err := jobs.Keys(ctx)
	if err != nil {
		c.status.Fatal(ctx, "could not list %s: %v", jobs.Bucket(), err)
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	c.status.Info(ctx, "processing jobs for role %s from %s", role, jobs.Bucket())

	handled := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		entry, err := jobs.Get(ctx, key)
		if err != nil {
			slog.WarnContext(ctx, "job vanished during scan", "job_id", key, "error", err)
			continue
		}
		var job model.Job
		if err := json.Unmarshal(entry.Value, &job); err != nil {
			c.status.Fatal(ctx, "invalid job %s: %v", key, err)
			continue
		}
		if job.IsClaimed || job.Type != role {
			continue
		}

		run := model.NewRun(job, job.Attempts+1)
		if err := c.Claim(ctx, run, model.RunStatusInProgress); err != nil {
			if errors.Is(err, ErrAlreadyClaimed) {
				slog.InfoContext(ctx, "job claimed elsewhere, skipping", "job_id", job.ID)
				continue
			}
			c.status.Warn(ctx, "could not claim %s: %v", job.ID, err)
			continue
		}

		if err := c.HandleRun(ctx, run); err != nil {
			slog.WarnContext(ctx, "run failed",
				"job_id", job.ID,
				"run_id", run.ID,
				"error", err)
		}
		handled++
	}
	return handled, nil
}
