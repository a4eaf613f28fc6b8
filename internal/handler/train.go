package handler

import (
	"context"
	"fmt"

	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/run"
)

// Train runs the trainer registered under params.Model.
func (r *Registry) Train(ctx context.Context, exec *run.Execution, params model.TrainParams) error {
	if err := exec.Start(ctx); err != nil {
		return err
	}
	exec.Status().Info(ctx, "training run %s with %s", exec.Run().ID, params.Model)

	trainer, ok := r.trainers[params.Model]
	if !ok {
		return finish(ctx, exec, Result{}, fmt.Errorf("no trainer registered for model %q", params.Model))
	}

	res, err := trainer.Train(ctx, params)
	if err == nil {
		if res.Results == nil {
			res.Results = map[string]any{}
		}
		res.Results["trained"] = true
	}
	return finish(ctx, exec, res, err)
}
