package prism_test

import (
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/bus/membus"
	"github.com/Prismadic/magnet/internal/prism"
	"github.com/Prismadic/magnet/internal/status"
	"github.com/Prismadic/magnet/internal/testutil"
)

var _ = Describe("ValidateBucketName", func() {
	DescribeTable("bucket names",
		func(name string, valid bool) {
			err := prism.ValidateBucketName(name)
			if valid {
				Expect(err).NotTo(HaveOccurred())
			} else {
				Expect(err).To(MatchError(prism.ErrInvalidBucketName))
			}
		},
		Entry("plain", "magnet_kv", true),
		Entry("dashes and digits", "kv-2", true),
		Entry("two characters", "ab", true),
		Entry("one character", "a", false),
		Entry("too long", strings.Repeat("a", 256), false),
		Entry("leading underscore", "_kv", false),
		Entry("trailing dash", "kv-", false),
		Entry("dot", "my.kv", false),
		Entry("space", "my kv", false),
	)
})

var _ = Describe("Prism", func() {
	var (
		ctx    context.Context
		srv    *membus.Server
		rec    *status.Recorder
		cfg    config.BusConfig
		sleeps []time.Duration
		sleep  func(context.Context, time.Duration) error
	)

	BeforeEach(func() {
		ctx = context.Background()
		srv = membus.NewServer()
		rec = &status.Recorder{}
		cfg = testutil.BusConfig()
		sleeps = nil
		sleep = func(ctx context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return ctx.Err()
		}
	})

	newPrism := func(align config.AlignConfig) *prism.Prism {
		return prism.New(cfg, srv, prism.WithStatus(rec), prism.WithAlign(align), prism.WithSleep(sleep))
	}

	Describe("Align", func() {
		It("provisions the stream, buckets and sub-buckets", func() {
			p := newPrism(config.AlignConfig{})
			Expect(p.Align(ctx)).To(Succeed())

			info, err := p.StreamInfo()
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Config.Subjects).To(ConsistOf("main"))

			kv, objects := srv.BucketCount()
			Expect(kv).To(Equal(4))
			Expect(objects).To(Equal(4))

			jobs, err := p.Jobs()
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs.Bucket()).To(Equal("magnet_kv_jobs"))
			runs, err := p.RunObjects()
			Expect(err).NotTo(HaveOccurred())
			Expect(runs.Bucket()).To(Equal("magnet_os_runs"))

			Expect(rec.ByLevel(status.LevelSuccess)).To(ContainElement(ContainSubstring("connected to host=membus")))
		})

		It("is idempotent", func() {
			Expect(newPrism(config.AlignConfig{}).Align(ctx)).To(Succeed())
			Expect(newPrism(config.AlignConfig{}).Align(ctx)).To(Succeed())

			Expect(srv.StreamCount()).To(Equal(1))
			kv, objects := srv.BucketCount()
			Expect(kv).To(Equal(4))
			Expect(objects).To(Equal(4))
		})

		It("skips sub-buckets when disabled", func() {
			cfg.SubBuckets = false
			p := newPrism(config.AlignConfig{})
			Expect(p.Align(ctx)).To(Succeed())
			kv, objects := srv.BucketCount()
			Expect(kv).To(Equal(1))
			Expect(objects).To(Equal(1))

			_, err := p.Jobs()
			Expect(err).To(MatchError(prism.ErrNotProvisioned))
		})

		It("skips subsystems without a name", func() {
			cfg.KVName = ""
			cfg.OSName = ""
			p := newPrism(config.AlignConfig{})
			Expect(p.Align(ctx)).To(Succeed())
			kv, objects := srv.BucketCount()
			Expect(kv).To(BeZero())
			Expect(objects).To(BeZero())
		})

		It("adds the configured category to an existing stream", func() {
			Expect(newPrism(config.AlignConfig{}).Align(ctx)).To(Succeed())
			cfg.Category = "audit"
			p := newPrism(config.AlignConfig{})
			Expect(p.Align(ctx)).To(Succeed())

			info, _ := p.StreamInfo()
			Expect(info.Config.Subjects).To(ConsistOf("main", "audit"))
		})

		It("fails fast on an invalid bucket name without dialing", func() {
			cfg.KVName = "_bad"
			p := newPrism(config.AlignConfig{})
			Expect(p.Align(ctx)).To(MatchError(prism.ErrInvalidBucketName))
			Expect(srv.Dials()).To(BeZero())
			Expect(sleeps).To(BeEmpty())
			Expect(rec.Levels()).To(Equal([]status.Level{status.LevelFatal}))
		})

		It("fails fast without a host", func() {
			cfg.Host = " "
			Expect(newPrism(config.AlignConfig{}).Align(ctx)).To(MatchError(prism.ErrMissingHost))
			Expect(srv.Dials()).To(BeZero())
		})

		It("rejects an unknown backoff strategy", func() {
			p := newPrism(config.AlignConfig{Backoff: "random"})
			Expect(p.Align(ctx)).To(HaveOccurred())
			Expect(srv.Dials()).To(BeZero())
		})

		It("retries failed dials with growing waits", func() {
			srv.FailDials(3, errors.New("connection refused"))
			p := newPrism(config.AlignConfig{Backoff: "exponential"})
			Expect(p.Align(ctx)).To(Succeed())

			Expect(srv.Dials()).To(Equal(4))
			Expect(sleeps).To(HaveLen(3))
			Expect(sleeps[0]).To(Equal(time.Second))
			Expect(sleeps[1]).To(BeNumerically(">", sleeps[0]))
			Expect(sleeps[2]).To(BeNumerically(">", sleeps[1]))

			Expect(rec.ByLevel(status.LevelWarn)).To(ContainElements(
				"could not align membus (attempt 1): dial: connection refused",
				"could not align membus (attempt 3): dial: connection refused",
			))
			Expect(rec.ByLevel(status.LevelWait)).To(HaveLen(3))
			Expect(rec.Levels()[len(rec.Levels())-1]).To(Equal(status.LevelSuccess))
		})

		It("caps each wait at MaxDelay", func() {
			srv.FailDials(5, errors.New("down"))
			p := newPrism(config.AlignConfig{Backoff: "exponential", MaxDelay: 3 * time.Second})
			Expect(p.Align(ctx)).To(Succeed())
			for _, d := range sleeps {
				Expect(d).To(BeNumerically("<=", 3*time.Second))
			}
			Expect(sleeps[len(sleeps)-1]).To(Equal(3 * time.Second))
		})

		It("uses linear waits when configured", func() {
			srv.FailDials(2, errors.New("down"))
			p := newPrism(config.AlignConfig{Backoff: "linear"})
			Expect(p.Align(ctx)).To(Succeed())
			Expect(sleeps[0]).To(BeZero())
			Expect(sleeps[1]).To(BeNumerically("~", 1618*time.Millisecond, time.Millisecond))
		})

		It("gives up after MaxAttempts", func() {
			srv.FailDials(10, errors.New("down"))
			p := newPrism(config.AlignConfig{MaxAttempts: 3})
			err := p.Align(ctx)
			Expect(err).To(MatchError(prism.ErrAttemptsExhausted))
			Expect(srv.Dials()).To(Equal(3))
			Expect(sleeps).To(HaveLen(2))
			Expect(rec.Levels()[len(rec.Levels())-1]).To(Equal(status.LevelFatal))
		})

		It("stops retrying when the context ends", func() {
			srv.FailDials(100, errors.New("down"))
			cctx, cancel := context.WithCancel(ctx)
			sleep = func(context.Context, time.Duration) error {
				cancel()
				return context.Canceled
			}
			p := newPrism(config.AlignConfig{})
			Expect(p.Align(cctx)).To(MatchError(context.Canceled))
			Expect(srv.Dials()).To(Equal(1))
		})

		It("closes the previous session on realign", func() {
			p := newPrism(config.AlignConfig{})
			Expect(p.Align(ctx)).To(Succeed())
			Expect(p.Align(ctx)).To(Succeed())
			Expect(srv.ClosedSessions()).To(Equal(1))
		})
	})

	Describe("before Align", func() {
		It("reports not aligned", func() {
			p := newPrism(config.AlignConfig{})
			_, err := p.Session()
			Expect(err).To(MatchError(prism.ErrNotAligned))
			_, err = p.Jobs()
			Expect(err).To(MatchError(prism.ErrNotAligned))
		})
	})

	Describe("EnsureCategory", func() {
		It("widens the stream once", func() {
			p := newPrism(config.AlignConfig{})
			Expect(p.Align(ctx)).To(Succeed())
			Expect(p.EnsureCategory(ctx, "results")).To(Succeed())
			Expect(p.EnsureCategory(ctx, "results")).To(Succeed())

			info, _ := p.StreamInfo()
			Expect(info.Config.Subjects).To(ConsistOf("main", "results"))
		})
	})

	Describe("Off", func() {
		It("closes the session and warns", func() {
			p := newPrism(config.AlignConfig{})
			Expect(p.Align(ctx)).To(Succeed())
			rec.Reset()

			Expect(p.Off(ctx)).To(Succeed())
			Expect(srv.ClosedSessions()).To(Equal(1))
			Expect(rec.ByLevel(status.LevelWarn)).To(ConsistOf("disconnected from membus"))

			_, err := p.Session()
			Expect(err).To(MatchError(prism.ErrNotAligned))
			Expect(p.Off(ctx)).To(Succeed())
		})
	})

	It("defaults the category", func() {
		cfg.Category = ""
		p := newPrism(config.AlignConfig{})
		Expect(p.Config().Category).To(Equal(prism.DefaultCategory))
		Expect(p.Align(ctx)).To(Succeed())
		info, _ := p.StreamInfo()
		Expect(info.Config.Subjects).To(ConsistOf(prism.DefaultCategory))
	})

	It("exposes the base object bucket", func() {
		p := newPrism(config.AlignConfig{})
		Expect(p.Align(ctx)).To(Succeed())
		store, err := p.ObjectStore()
		Expect(err).NotTo(HaveOccurred())
		Expect(store.Bucket()).To(Equal("magnet_os"))
	})
})
