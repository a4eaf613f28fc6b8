package charge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Prismadic/magnet/common/logger"
	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/model"
)

// GetJob loads a job from the jobs bucket.
func (c *Charge) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	jobs, err := c.prism.Jobs()
	if err != nil {
		return nil, err
	}
	entry, err := jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	var job model.Job
	if err := json.Unmarshal(entry.Value, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListJobs returns every decodable job, optionally only those of type t.
// Undecodable entries are reported as warnings and skipped.
func (c *Charge) ListJobs(ctx context.Context, t model.JobType) ([]model.Job, error) {
	jobs, err := c.prism.Jobs()
	if err != nil {
		return nil, err
	}
	keys, err := jobs.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]model.Job, 0, len(keys))
	for _, key := range keys {
		entry, err := jobs.Get(ctx, key)
		if err != nil {
			continue
		}
		var job model.Job
		if err := json.Unmarshal(entry.Value, &job); err != nil {
			c.status.Warn(ctx, "skipping job %s: %v", key, err)
			continue
		}
		if t != "" && job.Type != t {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetRun loads a run from the runs bucket.
func (c *Charge) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	runs, err := c.prism.Runs()
	if err != nil {
		return nil, err
	}
	entry, err := runs.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	var run model.Run
	if err := json.Unmarshal(entry.Value, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

// ErrRunActive reports an unclaim while the job's latest attempt may still
// be running: its run is not terminal, or it has no run record yet.
var ErrRunActive = errors.New("charge: job's latest run has not finished")

type unclaimOptions struct {
	force bool
}

type UnclaimOption func(*unclaimOptions)

// WithForce releases the job without checking its latest run. Use it only
// when the worker that holds the claim is known to be gone.
func WithForce() UnclaimOption {
	return func(o *unclaimOptions) { o.force = true }
}

// Unclaim releases a claimed job so the next worker scan picks it up again.
// The attempt counter is kept, so the next run gets a fresh id. The job is
// only released once the run of its latest attempt is completed or failed;
// otherwise ErrRunActive is returned and the claim stays.
func (c *Charge) Unclaim(ctx context.Context, jobID string, opts ...UnclaimOption) (*model.Job, error) {
	var o unclaimOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(jobID), Component: "magnet.charge"})
	job, err := c.unclaim(ctx, jobID, o)
	if err != nil {
		c.status.Fatal(ctx, "could not unclaim %s: %v", jobID, err)
		return nil, err
	}
	c.status.Warn(ctx, "unclaimed job %s after %d attempts", jobID, job.Attempts)
	return job, nil
}

func (c *Charge) unclaim(ctx context.Context, jobID string, o unclaimOptions) (*model.Job, error) {
	jobs, err := c.prism.Jobs()
	if err != nil {
		return nil, err
	}
	entry, err := jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	var job model.Job
	if err := json.Unmarshal(entry.Value, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	if !job.IsClaimed {
		return &job, nil
	}
	if !o.force {
		if err := c.latestRunFinished(ctx, job); err != nil {
			return nil, err
		}
	}
	job.IsClaimed = false
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", jobID, err)
	}
	// A claim taken after the read above bumps the revision and fails this write.
	if _, err := jobs.Update(ctx, jobID, data, entry.Revision); err != nil {
		return nil, fmt.Errorf("store job %s: %w", jobID, err)
	}
	return &job, nil
}

func (c *Charge) latestRunFinished(ctx context.Context, job model.Job) error {
	runID := model.RunID(job.ID, job.Attempts)
	run, err := c.GetRun(ctx, runID)
	if errors.Is(err, bus.ErrNotFound) {
		return fmt.Errorf("%w: %s is claimed but run %s is not recorded", ErrRunActive, job.ID, runID)
	}
	if err != nil {
		return err
	}
	if !run.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %q", ErrRunActive, runID, run.Status)
	}
	return nil
}
