package status_test

import (
	"bytes"
	"context"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Prismadic/magnet/internal/status"
)

var _ = Describe("Reporter", func() {
	var (
		ctx context.Context
		rec *status.Recorder
		r   *status.Reporter
	)

	BeforeEach(func() {
		ctx = context.Background()
		rec = &status.Recorder{}
		r = status.NewReporter(rec)
	})

	It("formats messages and keeps order", func() {
		r.Wait(ctx, "connecting to %s", "nats")
		r.Success(ctx, "connected")
		r.Fatal(ctx, "lost %d", 1)

		Expect(rec.Levels()).To(Equal([]status.Level{status.LevelWait, status.LevelSuccess, status.LevelFatal}))
		Expect(rec.ByLevel(status.LevelWait)).To(ConsistOf("connecting to nats"))
		Expect(rec.ByLevel(status.LevelFatal)).To(ConsistOf("lost 1"))
	})

	It("attaches fields", func() {
		r.With(ctx, status.LevelInfo, map[string]any{"num_pending": 3}, "pending")
		events := rec.Events()
		Expect(events).To(HaveLen(1))
		Expect(events[0].Fields).To(HaveKeyWithValue("num_pending", 3))
		Expect(events[0].Timestamp).NotTo(BeZero())
	})

	It("is safe on a nil reporter", func() {
		var nilReporter *status.Reporter
		Expect(func() { nilReporter.Info(ctx, "ignored") }).NotTo(Panic())
	})

	It("clears on reset", func() {
		r.Info(ctx, "one")
		rec.Reset()
		Expect(rec.Events()).To(BeEmpty())
	})
})

var _ = Describe("Multi", func() {
	It("fans out to every sink and skips nil ones", func() {
		a, b := &status.Recorder{}, &status.Recorder{}
		r := status.NewReporter(status.Multi(a, nil, b))
		r.Warn(context.Background(), "careful")
		Expect(a.ByLevel(status.LevelWarn)).To(ConsistOf("careful"))
		Expect(b.ByLevel(status.LevelWarn)).To(ConsistOf("careful"))
	})
})

var _ = Describe("SlogSink", func() {
	It("maps levels onto slog", func() {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		r := status.NewReporter(status.NewSlogSink(logger))

		r.Fatal(context.Background(), "could not align")
		r.With(context.Background(), status.LevelInfo, map[string]any{"consumer": "w1"}, "joined")

		out := buf.String()
		Expect(out).To(ContainSubstring("level=ERROR"))
		Expect(out).To(ContainSubstring(`msg="could not align"`))
		Expect(out).To(ContainSubstring("status=fatal"))
		Expect(out).To(ContainSubstring("consumer=w1"))
	})
})

var _ = Describe("RedisSink", func() {
	It("does nothing without a client", func() {
		sink := status.NewRedisSink(nil, "magnet:status", "test")
		Expect(func() { sink.Emit(context.Background(), status.Event{Level: status.LevelInfo}) }).NotTo(Panic())
	})
})
