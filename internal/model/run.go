package model

import (
	"errors"
	"fmt"
	"time"
)

type RunStatus string

// RunStatusPending is the unset status of a run that has been created but not
// yet claimed. It serializes as an empty string.
const (
	RunStatusPending    RunStatus = ""
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

var (
	ErrTerminalRun   = errors.New("run already reached a terminal status")
	ErrInvalidStatus = errors.New("invalid run status")
)

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one execution attempt of a Job. The job is embedded by value: the
// run record is a self-contained audit entry.
type Run struct {
	ID        string         `json:"id"`
	Job       Job            `json:"job"`
	Type      JobType        `json:"type"`
	Attempt   int            `json:"attempt"`
	StartTime *time.Time     `json:"start_time,omitempty"`
	Status    RunStatus      `json:"status"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Results   map[string]any `json:"results,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// RunID is the runs-bucket key for attempt n of a job.
func RunID(jobID string, attempt int) string {
	return fmt.Sprintf("%s.%d", jobID, attempt)
}

// NewRun prepares attempt of job. The run starts pending.
func NewRun(job Job, attempt int) *Run {
	return &Run{
		ID:      RunID(job.ID, attempt),
		Job:     job,
		Type:    job.Type,
		Attempt: attempt,
	}
}

// Transition moves the run to next, stamping times at now. StartTime is set
// on the first move to in_progress (or on a direct jump to a terminal status);
// EndTime is set exactly once, on the terminal move. Terminal runs reject any
// further transition.
func (r *Run) Transition(next RunStatus, now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", ErrTerminalRun, r.ID, r.Status)
	}
	switch next {
	case RunStatusInProgress:
		if r.StartTime == nil {
			r.StartTime = &now
		}
	case RunStatusCompleted, RunStatusFailed:
		if r.StartTime == nil {
			r.StartTime = &now
		}
		end := now
		if end.Before(*r.StartTime) {
			end = *r.StartTime
		}
		r.EndTime = &end
	default:
		return fmt.Errorf("%w %q", ErrInvalidStatus, next)
	}
	r.Status = next
	return nil
}
