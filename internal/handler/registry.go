// Package handler implements the run handlers for each job type. Every
// handler claims its run in_progress first and records completed or failed
// last; the coordinator only steps in when a handler returns early.
package handler

import (
	"context"
	"os"

	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/prism"
	"github.com/Prismadic/magnet/internal/resonator"
	"github.com/Prismadic/magnet/internal/run"
)

// Result is what a pipeline or trainer reports back onto the run.
type Result struct {
	Results map[string]any
	Metrics map[string]any
}

// Pipeline transforms acquired data for a process job.
type Pipeline interface {
	Process(ctx context.Context, params model.ProcessParams) (Result, error)
}

type PipelineFunc func(ctx context.Context, params model.ProcessParams) (Result, error)

func (f PipelineFunc) Process(ctx context.Context, params model.ProcessParams) (Result, error) {
	return f(ctx, params)
}

// Trainer trains a named model for a train job.
type Trainer interface {
	Train(ctx context.Context, params model.TrainParams) (Result, error)
}

type TrainerFunc func(ctx context.Context, params model.TrainParams) (Result, error)

func (f TrainerFunc) Train(ctx context.Context, params model.TrainParams) (Result, error) {
	return f(ctx, params)
}

// Generator answers inference jobs.
type Generator interface {
	Generate(ctx context.Context, params model.InferenceParams) (*model.GeneratedPayload, error)
}

type Option func(*Registry)

func WithWorkDir(dir string) Option {
	return func(r *Registry) { r.workDir = dir }
}

func WithPipeline(name string, p Pipeline) Option {
	return func(r *Registry) { r.pipelines[name] = p }
}

func WithTrainer(name string, t Trainer) Option {
	return func(r *Registry) { r.trainers[name] = t }
}

func WithGenerator(g Generator) Option {
	return func(r *Registry) { r.generator = g }
}

// WithResonatorOptions configures the subscriber used by stream_to_file acquisitions.
func WithResonatorOptions(opts ...resonator.Option) Option {
	return func(r *Registry) { r.resonatorOpts = append(r.resonatorOpts, opts...) }
}

type Registry struct {
	prism         *prism.Prism
	charge        *charge.Charge
	workDir       string
	pipelines     map[string]Pipeline
	trainers      map[string]Trainer
	generator     Generator
	resonatorOpts []resonator.Option
}

var _ run.Handlers = (*Registry)(nil)

func New(p *prism.Prism, c *charge.Charge, opts ...Option) *Registry {
	r := &Registry{
		prism:     p,
		charge:    c,
		workDir:   os.TempDir(),
		pipelines: make(map[string]Pipeline),
		trainers:  make(map[string]Trainer),
	}
	r.pipelines[DocumentsPipeline] = &documents{prism: p, charge: c}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// finish records err as a failure, or completes the run with res.
func finish(ctx context.Context, exec *run.Execution, res Result, err error) error {
	if err != nil {
		if failErr := exec.Fail(ctx, err, res.Results, res.Metrics); failErr != nil {
			return failErr
		}
		return err
	}
	return exec.Complete(ctx, res.Results, res.Metrics)
}
