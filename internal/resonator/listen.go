package resonator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/Prismadic/magnet/common/logger"
	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/model"
)

// downloadChunk is the copy buffer for object downloads.
const downloadChunk = 128 * 1024

// Listen consumes deliveries. With batchSize > 0 it fetches one batch, hands
// each delivery to handler and returns. With batchSize <= 0 it fetches one
// message at a time until ctx ends: a fetch timeout is reported as a warning
// and retried, any other bus error is fatal and returned. Handler errors
// never stop the loop.
func (r *Resonator) Listen(ctx context.Context, handler Handler, batchSize int) error {
	r.mu.Lock()
	consumer, watcher, objects := r.consumer, r.watcher, r.objects
	role := r.role
	r.mu.Unlock()

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "magnet.resonator", Role: logger.Ptr(role)})

	switch {
	case watcher != nil:
		return r.listenObjects(ctx, handler, batchSize, watcher, objects)
	case consumer != nil:
		if batchSize > 0 {
			return r.listenBatch(ctx, handler, batchSize, consumer)
		}
		return r.listenForever(ctx, handler, consumer)
	}
	r.status.Fatal(ctx, "no subscriber initialized")
	return ErrNotSubscribed
}

func (r *Resonator) listenBatch(ctx context.Context, handler Handler, batchSize int, consumer bus.Consumer) error {
	msgs, err := consumer.Fetch(ctx, batchSize, r.consumerCfg.FetchTimeout)
	switch {
	case errors.Is(err, bus.ErrTimeout):
		r.status.Warn(ctx, "no new messages")
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return nil
		}
		r.status.Fatal(ctx, "error in listen: %v", err)
		return err
	}
	for _, m := range msgs {
		r.deliver(ctx, handler, m)
	}
	return nil
}

func (r *Resonator) listenForever(ctx context.Context, handler Handler, consumer bus.Consumer) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := consumer.Fetch(ctx, 1, r.consumerCfg.FetchTimeout)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, bus.ErrTimeout):
			r.status.Warn(ctx, "no new messages")
			if err := r.pause(ctx); err != nil {
				return nil
			}
			continue
		case err != nil:
			r.status.Fatal(ctx, "error in listen: %v", err)
			return err
		}
		for _, m := range msgs {
			r.deliver(ctx, handler, m)
		}
	}
}

func (r *Resonator) pause(ctx context.Context) error {
	if r.consumerCfg.RetryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(r.consumerCfg.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// deliver decodes m and runs handler. Undecodable messages are terminated so
// they are never redelivered; handler failures are nacked.
func (r *Resonator) deliver(ctx context.Context, handler Handler, m bus.Msg) {
	seq := strconv.FormatUint(m.Sequence(), 10)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID: logger.Ptr(seq),
		Subject:   logger.Ptr(m.Subject()),
	})

	sc := logger.StartSpan(ctx, "resonator.deliver", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()
	sc.SetAttributes("messaging.destination.name", m.Subject(), "messaging.message.id", seq)

	payload, err := model.DecodePayload(m.Data())
	if err != nil {
		sc.RecordError(err)
		r.status.Fatal(ctx, "could not decode message %s on %s: %v", seq, m.Subject(), err)
		if termErr := m.Term(); termErr != nil {
			slog.WarnContext(ctx, "failed to terminate message", "error", termErr)
		}
		return
	}

	if err := r.safeHandle(ctx, handler, Delivery{
		Payload:  payload,
		Subject:  m.Subject(),
		Sequence: m.Sequence(),
		Msg:      m,
	}); err != nil {
		sc.RecordError(err)
		r.status.Warn(ctx, "handler failed for message %s: %v", seq, err)
		if nakErr := m.Nak(); nakErr != nil {
			slog.WarnContext(ctx, "failed to nak message", "error", nakErr)
		}
		return
	}

	if err := m.Ack(); err != nil {
		r.status.Warn(ctx, "could not ack message %s: %v", seq, err)
		return
	}
	slog.DebugContext(ctx, "message delivered", "attempt", m.NumDelivered())
}

func (r *Resonator) safeHandle(ctx context.Context, handler Handler, d Delivery) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "panic in delivery handler",
				"panic", rec,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return handler(ctx, d)
}

func (r *Resonator) listenObjects(ctx context.Context, handler Handler, batchSize int, watcher bus.ObjectWatcher, store bus.ObjectStore) error {
	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case info, ok := <-watcher.Updates():
			if !ok {
				if ctx.Err() == nil {
					r.status.Warn(ctx, "object watch on %s closed", store.Bucket())
				}
				return nil
			}
			if info.Deleted {
				continue
			}
			r.deliverObject(ctx, handler, store, info)
			delivered++
			if batchSize > 0 && delivered >= batchSize {
				return nil
			}
		}
	}
}

func (r *Resonator) deliverObject(ctx context.Context, handler Handler, store bus.ObjectStore, info bus.ObjectInfo) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(info.Name)})
	sc := logger.StartSpan(ctx, "resonator.deliver", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()
	sc.SetAttributes("object.bucket", store.Bucket(), "object.name", info.Name)

	path, err := r.download(ctx, store, info.Name)
	if err != nil {
		sc.RecordError(err)
		r.status.Fatal(ctx, "could not download %s from %s: %v", info.Name, store.Bucket(), err)
		return
	}

	obj := info
	err = r.safeHandle(ctx, handler, Delivery{
		Payload: model.FilePayload{
			ID:               info.Name,
			OriginalFilename: info.Headers["original_filename"],
		},
		Object:    &obj,
		LocalPath: path,
	})
	if err != nil {
		sc.RecordError(err)
		r.status.Warn(ctx, "handler failed for object %s: %v", info.Name, err)
	}
}

// download copies the object into workDir/<bucket>/<name> in fixed-size chunks.
func (r *Resonator) download(ctx context.Context, store bus.ObjectStore, name string) (string, error) {
	rc, _, err := store.Get(ctx, name)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	path := LocalPath(r.workDir, store.Bucket(), name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.CopyBuffer(struct{ io.Writer }{f}, rc, make([]byte, downloadChunk)); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("copy %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// LocalPath is where an object download lands; names cannot escape root.
func LocalPath(root, bucket, name string) string {
	return filepath.Join(root, bucket, filepath.Clean("/"+name))
}
