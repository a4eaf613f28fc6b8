package handler

import (
	"context"

	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/run"
)

// Inference asks the generator for an answer and pulses it as a generated
// payload. Without a generator the run completes with no results.
func (r *Registry) Inference(ctx context.Context, exec *run.Execution, params model.InferenceParams) error {
	if err := exec.Start(ctx); err != nil {
		return err
	}
	exec.Status().Info(ctx, "inference run %s", exec.Run().ID)

	if r.generator == nil {
		return exec.Complete(ctx, nil, nil)
	}

	generated, err := r.generator.Generate(ctx, params)
	if err != nil {
		return finish(ctx, exec, Result{}, err)
	}

	var opts []charge.PulseOption
	if params.Subject != "" {
		if err := r.prism.EnsureCategory(ctx, params.Subject); err != nil {
			return finish(ctx, exec, Result{}, err)
		}
		opts = append(opts, charge.WithSubject(params.Subject))
	}
	receipt, err := r.charge.Pulse(ctx, *generated, opts...)
	if err != nil {
		return finish(ctx, exec, Result{}, err)
	}

	return finish(ctx, exec, Result{
		Results: map[string]any{
			"generated": true,
			"model":     generated.Model,
			"subject":   receipt.Subject,
			"sequence":  receipt.Sequence,
		},
		Metrics: map[string]any{
			"result_chars":  len(generated.Result),
			"context_items": len(generated.Context),
		},
	}, nil)
}
