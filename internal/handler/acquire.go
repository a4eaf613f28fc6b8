package handler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/resonator"
	"github.com/Prismadic/magnet/internal/run"
)

const defaultAcquireBatch = 100

// Acquire fetches a resource per params.DataSource:
//   - local: reads Location and uploads it to the jobs object bucket as ResourceID
//   - stream_to_file: drains a batch from a category into a JSON lines file
//   - object_store: downloads ResourceID from the jobs object bucket
func (r *Registry) Acquire(ctx context.Context, exec *run.Execution, params model.AcquireParams) error {
	if err := exec.Start(ctx); err != nil {
		return err
	}
	exec.Status().Info(ctx, "claimed job %s", exec.Run().Job.ID)

	var (
		res Result
		err error
	)
	switch params.DataSource {
	case model.DataSourceLocal:
		res, err = r.acquireLocal(ctx, exec, params)
	case model.DataSourceStreamToFile:
		res, err = r.acquireStream(ctx, exec, params)
	case model.DataSourceObjectStore:
		res, err = r.acquireObject(ctx, exec, params)
	default:
		err = fmt.Errorf("%w: acquisition data_source %q is not supported", model.ErrInvalidParams, params.DataSource)
	}
	return finish(ctx, exec, res, err)
}

func (r *Registry) acquireLocal(ctx context.Context, exec *run.Execution, params model.AcquireParams) (Result, error) {
	location := expandHome(params.Location)
	data, err := os.ReadFile(location)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", location, err)
	}
	exec.Status().Info(ctx, "pulsing %s to jobs object store", params.ResourceID)

	receipt, err := r.charge.Pulse(ctx, model.FilePayload{
		ID:               params.ResourceID,
		OriginalFilename: filepath.Base(location),
		Data:             data,
	})
	if err != nil {
		return Result{}, err
	}
	exec.Status().Success(ctx, "%s pulsed to %s for run %s", params.ResourceID, receipt.Object.Bucket, exec.Run().ID)
	return Result{
		Results: map[string]any{"file_pulsed": true, "resource": receipt.Object.Bucket + "/" + params.ResourceID},
		Metrics: map[string]any{"file_size": len(data)},
	}, nil
}

// acquireStream joins a durable consumer named after the category, so
// repeated acquisitions continue where the last one stopped. Each line is
// flushed before its message is acknowledged.
func (r *Registry) acquireStream(ctx context.Context, exec *run.Execution, params model.AcquireParams) (res Result, err error) {
	subject := params.Options["subject"]
	if subject == "" {
		subject = r.prism.Config().Category
	}
	batch := defaultAcquireBatch
	if v, ok := params.Options["batch_size"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Result{}, fmt.Errorf("%w: batch_size %q", model.ErrInvalidParams, v)
		}
		batch = n
	}

	sub := resonator.New(r.prism, r.resonatorOpts...)
	if err := sub.On(ctx, "acquire_"+subject, resonator.WithCategory(subject)); err != nil {
		return Result{}, err
	}
	defer func() { _ = sub.Off(ctx) }()

	path := filepath.Join(r.workDir, exec.Run().ID+".jsonl")
	if err := os.MkdirAll(r.workDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			res, err = Result{}, fmt.Errorf("close %s: %w", path, closeErr)
		}
	}()
	w := bufio.NewWriter(f)

	exec.Status().Info(ctx, "consuming %s into %s", subject, path)

	var (
		lines    int
		writeErr error
	)
	err = sub.Listen(ctx, func(_ context.Context, d resonator.Delivery) error {
		line, err := model.EncodePayload(d.Payload)
		if err != nil {
			return err
		}
		// A nil return acks the message, so the line has to be on disk first.
		if _, err = w.Write(append(line, '\n')); err == nil {
			err = w.Flush()
		}
		if err != nil {
			if writeErr == nil {
				writeErr = fmt.Errorf("write %s: %w", path, err)
			}
			return writeErr
		}
		lines++
		return nil
	}, batch)
	if err != nil {
		return Result{}, err
	}
	if writeErr != nil {
		return Result{Metrics: map[string]any{"lines_written": lines}}, writeErr
	}

	exec.Status().Success(ctx, "data written to %s for run %s", path, exec.Run().ID)
	return Result{
		Results: map[string]any{"file_written": path},
		Metrics: map[string]any{"lines_written": lines},
	}, nil
}

func (r *Registry) acquireObject(ctx context.Context, exec *run.Execution, params model.AcquireParams) (Result, error) {
	store, err := r.prism.JobObjects()
	if err != nil {
		return Result{}, err
	}
	rc, _, err := store.Get(ctx, params.ResourceID)
	if err != nil {
		return Result{}, fmt.Errorf("get %s: %w", params.ResourceID, err)
	}
	defer rc.Close()

	path := resonator.LocalPath(r.workDir, store.Bucket(), params.ResourceID)
	exec.Status().Info(ctx, "downloading %s to %s", params.ResourceID, path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("create %s: %w", path, err)
	}
	n, err := io.Copy(f, rc)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return Result{}, fmt.Errorf("download %s: %w", params.ResourceID, err)
	}

	exec.Status().Success(ctx, "%s downloaded to %s for run %s", params.ResourceID, path, exec.Run().ID)
	return Result{
		Results: map[string]any{"file_downloaded": path},
		Metrics: map[string]any{"file_size": n},
	}, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// ReadLines decodes a JSON lines file written by a stream_to_file acquisition.
func ReadLines(path string) ([]model.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []model.Payload
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		p, err := model.DecodePayload(sc.Bytes())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, sc.Err()
}
