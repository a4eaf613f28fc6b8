// Package run is the job/run coordinator: claiming a job, dispatching its run
// to the handler for the job's params variant, recording the terminal status
// and persisting both records.
//
// Claims are conditional writes on the job's KV revision, so two workers
// scanning the jobs bucket at once cannot both move the same job to
// in_progress; the loser sees ErrAlreadyClaimed and skips it.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/prism"
	"github.com/Prismadic/magnet/internal/status"
)

var ErrAlreadyClaimed = errors.New("run: job already claimed")

// DefaultMaxAttempts is how many runs a job gets before it stays claimed.
const DefaultMaxAttempts = 3

// claimRetries bounds re-reads when a terminal write races a manual unclaim.
const claimRetries = 3

const persistTimeout = 10 * time.Second

// Handlers executes runs, one method per params variant. Each method must
// call exec.Start first and exec.Complete or exec.Fail last.
type Handlers interface {
	Acquire(ctx context.Context, exec *Execution, params model.AcquireParams) error
	Process(ctx context.Context, exec *Execution, params model.ProcessParams) error
	Train(ctx context.Context, exec *Execution, params model.TrainParams) error
	Inference(ctx context.Context, exec *Execution, params model.InferenceParams) error
}

type Option func(*Coordinator)

func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

type Coordinator struct {
	prism       *prism.Prism
	handlers    Handlers
	status      *status.Reporter
	maxAttempts int
	now         func() time.Time
}

func New(p *prism.Prism, handlers Handlers, opts ...Option) *Coordinator {
	c := &Coordinator{
		prism:       p,
		handlers:    handlers,
		status:      p.Status(),
		maxAttempts: DefaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) MaxAttempts() int { return c.maxAttempts }

// Claim moves run to next and writes the job and the run back.
//
// in_progress claims the job for run.Attempt; it fails with
// ErrAlreadyClaimed when another attempt holds the job or a concurrent
// writer got there first. A terminal status on a failed attempt releases
// the job while attempts remain; a completed job stays claimed.
func (c *Coordinator) Claim(ctx context.Context, run *model.Run, next model.RunStatus) error {
	jobs, err := c.prism.Jobs()
	if err != nil {
		return err
	}

	for try := 0; ; try++ {
		entry, err := jobs.Get(ctx, run.Job.ID)
		if err != nil {
			return fmt.Errorf("load job %s: %w", run.Job.ID, err)
		}
		var job model.Job
		if err := json.Unmarshal(entry.Value, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", run.Job.ID, err)
		}

		updated := *run
		if err := updated.Transition(next, c.now()); err != nil {
			return err
		}
		before, held := job, job.IsClaimed

		switch next {
		case model.RunStatusInProgress:
			// Only the run already holding the claim may claim again.
			if job.IsClaimed && (job.Attempts != run.Attempt || run.Status != model.RunStatusInProgress) {
				return fmt.Errorf("%w: %s is held by attempt %d", ErrAlreadyClaimed, job.ID, job.Attempts)
			}
			if !job.IsClaimed && run.Attempt <= job.Attempts {
				return fmt.Errorf("%w: %s already ran attempt %d", ErrAlreadyClaimed, job.ID, run.Attempt)
			}
			job.IsClaimed = true
			job.Attempts = run.Attempt
		case model.RunStatusFailed:
			if job.Attempts == run.Attempt && job.Attempts < c.maxAttempts {
				job.IsClaimed = false
			}
		}
		updated.Job = job

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", job.ID, err)
		}
		rev, err := jobs.Update(ctx, job.ID, data, entry.Revision)
		if err != nil {
			if errors.Is(err, bus.ErrRevisionMismatch) {
				if next == model.RunStatusInProgress {
					return fmt.Errorf("%w: %s: %w", ErrAlreadyClaimed, job.ID, err)
				}
				if try < claimRetries {
					continue
				}
			}
			return fmt.Errorf("store job %s: %w", job.ID, err)
		}

		original := *run
		*run = updated
		if err := c.persist(ctx, run); err != nil {
			if next == model.RunStatusInProgress && !held {
				*run = original
				c.release(ctx, jobs, before, rev, run.ID)
			}
			return err
		}
		c.reportClaim(ctx, run)
		return nil
	}
}

// release puts back the job as it was before a claim whose run could not be
// stored, so no job stays claimed without a run record.
func (c *Coordinator) release(ctx context.Context, jobs bus.KeyValue, job model.Job, rev uint64, runID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	data, err := json.Marshal(job)
	if err == nil {
		_, err = jobs.Update(ctx, job.ID, data, rev)
	}
	if err != nil {
		c.status.Fatal(ctx, "could not release %s after run %s was not stored: %v", job.ID, runID, err)
		return
	}
	c.status.Warn(ctx, "released %s: run %s could not be stored", job.ID, runID)
}

func (c *Coordinator) reportClaim(ctx context.Context, run *model.Run) {
	switch run.Status {
	case model.RunStatusInProgress:
		c.status.Info(ctx, "claimed %s for run %s", run.Job.ID, run.ID)
	case model.RunStatusCompleted:
		c.status.Success(ctx, "run %s completed", run.ID)
	case model.RunStatusFailed:
		c.status.Fatal(ctx, "run %s failed: %v", run.ID, run.Results["error"])
		if run.Job.IsClaimed {
			c.status.Warn(ctx, "job %s used %d of %d attempts, leaving it claimed", run.Job.ID, run.Job.Attempts, c.maxAttempts)
		} else {
			c.status.Warn(ctx, "job %s released for retry after attempt %d of %d", run.Job.ID, run.Attempt, c.maxAttempts)
		}
	}
}

// persist writes the run to the runs bucket even when ctx is already done.
func (c *Coordinator) persist(ctx context.Context, run *model.Run) error {
	runs, err := c.prism.Runs()
	if err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := runs.Put(ctx, run.ID, data); err != nil {
		return fmt.Errorf("store run %s: %w", run.ID, err)
	}
	slog.DebugContext(ctx, "run stored", "status", run.Status)
	return nil
}

// Execution is a handler's view of the run it executes.
type Execution struct {
	c   *Coordinator
	run *model.Run
}

func (e *Execution) Run() *model.Run { return e.run }

func (e *Execution) Status() *status.Reporter { return e.c.status }

// Start claims the run as in_progress.
func (e *Execution) Start(ctx context.Context) error {
	return e.c.Claim(ctx, e.run, model.RunStatusInProgress)
}

// Complete records results and metrics and finishes the run.
func (e *Execution) Complete(ctx context.Context, results, metrics map[string]any) error {
	if err := e.open(); err != nil {
		return err
	}
	e.merge(results, metrics)
	return e.c.Claim(ctx, e.run, model.RunStatusCompleted)
}

// Fail records cause as results.error and finishes the run as failed.
func (e *Execution) Fail(ctx context.Context, cause error, results, metrics map[string]any) error {
	if err := e.open(); err != nil {
		return err
	}
	e.merge(results, metrics)
	if cause != nil {
		if e.run.Results == nil {
			e.run.Results = map[string]any{}
		}
		e.run.Results["error"] = cause.Error()
	}
	return e.c.Claim(ctx, e.run, model.RunStatusFailed)
}

// open rejects changes to a finished run before its results are touched.
func (e *Execution) open() error {
	if e.run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", model.ErrTerminalRun, e.run.ID, e.run.Status)
	}
	return nil
}

func (e *Execution) merge(results, metrics map[string]any) {
	if len(results) > 0 {
		if e.run.Results == nil {
			e.run.Results = map[string]any{}
		}
		maps.Copy(e.run.Results, results)
	}
	if len(metrics) > 0 {
		if e.run.Metrics == nil {
			e.run.Metrics = map[string]any{}
		}
		maps.Copy(e.run.Metrics, metrics)
	}
}
