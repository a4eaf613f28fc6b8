package handler

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/prism"
	"github.com/Prismadic/magnet/internal/run"
)

// DocumentsPipeline turns an acquired object into text payloads on a category.
const DocumentsPipeline = "documents"

// Process runs the pipeline registered under params.Model.
func (r *Registry) Process(ctx context.Context, exec *run.Execution, params model.ProcessParams) error {
	if err := exec.Start(ctx); err != nil {
		return err
	}
	exec.Status().Info(ctx, "processing run %s with %s", exec.Run().ID, params.Model)

	pipeline, ok := r.pipelines[params.Model]
	if !ok {
		exec.Status().Info(ctx, "run %s has no pipeline for model %s", exec.Run().ID, params.Model)
		return finish(ctx, exec, Result{}, fmt.Errorf("no pipeline registered for model %q", params.Model))
	}

	res, err := pipeline.Process(ctx, params)
	if err == nil {
		if res.Results == nil {
			res.Results = map[string]any{}
		}
		res.Results["processed"] = true
	}
	return finish(ctx, exec, res, err)
}

// documents reads params.ResourceID from the jobs object bucket and pulses
// it as text payloads. Option "subject" picks the category; "chunk_size"
// splits the text on rune boundaries, one payload per chunk.
type documents struct {
	prism  *prism.Prism
	charge *charge.Charge
}

func (d *documents) Process(ctx context.Context, params model.ProcessParams) (Result, error) {
	if params.ResourceID == "" {
		return Result{}, fmt.Errorf("%w: documents pipeline needs a resource_id", model.ErrInvalidParams)
	}
	chunkSize := 0
	if v := params.Options["chunk_size"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Result{}, fmt.Errorf("%w: chunk_size %q", model.ErrInvalidParams, v)
		}
		chunkSize = n
	}

	store, err := d.prism.JobObjects()
	if err != nil {
		return Result{}, err
	}
	rc, _, err := store.Get(ctx, params.ResourceID)
	if err != nil {
		return Result{}, fmt.Errorf("get %s: %w", params.ResourceID, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", params.ResourceID, err)
	}
	if !utf8.Valid(raw) {
		return Result{}, fmt.Errorf("%s is not utf-8 text", params.ResourceID)
	}

	var opts []charge.PulseOption
	if subject := params.Options["subject"]; subject != "" {
		if err := d.prism.EnsureCategory(ctx, subject); err != nil {
			return Result{}, err
		}
		opts = append(opts, charge.WithSubject(subject))
	}

	chunks := Chunk(string(raw), chunkSize)
	published, duplicates := 0, 0
	for i, text := range chunks {
		docID := params.ResourceID
		if len(chunks) > 1 {
			docID = fmt.Sprintf("%s#%d", params.ResourceID, i)
		}
		receipt, err := d.charge.Pulse(ctx, model.TextPayload{DocumentID: docID, Text: text}, opts...)
		if err != nil {
			return Result{Metrics: map[string]any{"documents": published}}, err
		}
		if receipt.Duplicate {
			duplicates++
		}
		published++
	}
	return Result{
		Results: map[string]any{"resource": params.ResourceID},
		Metrics: map[string]any{"documents": published, "duplicates": duplicates, "bytes": len(raw)},
	}, nil
}

// Chunk splits text into pieces of at most size runes, preferring to break
// after whitespace. size <= 0 returns the trimmed text whole.
func Chunk(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}

	var out []string
	for len(runes) > 0 {
		end := min(size, len(runes))
		if end < len(runes) {
			for i := end; i > end/2; i-- {
				if runes[i-1] == ' ' || runes[i-1] == '\n' || runes[i-1] == '\t' {
					end = i
					break
				}
			}
		}
		if piece := strings.TrimSpace(string(runes[:end])); piece != "" {
			out = append(out, piece)
		}
		runes = runes[end:]
	}
	return out
}
