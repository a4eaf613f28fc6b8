// Package prism is the connection manager. Align dials the bus with backoff
// and provisions the configured stream, key-value bucket and object bucket
// (plus their jobs/fabric/runs sub-buckets) with ensure-exists semantics.
package prism

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Prismadic/magnet/common/logger"
	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/status"
)

var (
	ErrMissingHost       = errors.New("prism: host is required")
	ErrInvalidBucketName = errors.New("prism: invalid bucket name")
	ErrNotAligned        = errors.New("prism: not aligned")
	ErrNotProvisioned    = errors.New("prism: bucket not provisioned")
	ErrAttemptsExhausted = errors.New("prism: connection attempts exhausted")
)

// DefaultCategory is the subject a new stream is created with when none is configured.
const DefaultCategory = "magnet"

// Sub-bucket suffixes provisioned next to the KV and object buckets.
const (
	SubJobs   = "jobs"
	SubFabric = "fabric"
	SubRuns   = "runs"
)

var subBuckets = []string{SubJobs, SubFabric, SubRuns}

// SubBucketName is the name of the sub bucket of base.
func SubBucketName(base, sub string) string {
	return base + "_" + sub
}

type Option func(*Prism)

func WithStatus(sink status.Sink) Option {
	return func(p *Prism) { p.status = status.NewReporter(sink) }
}

func WithAlign(cfg config.AlignConfig) Option {
	return func(p *Prism) { p.align = cfg }
}

// WithSleep replaces the wait between connection attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Prism) { p.sleep = fn }
}

type Prism struct {
	cfg    config.BusConfig
	align  config.AlignConfig
	dialer bus.Dialer
	status *status.Reporter
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	session bus.Session
	stream  *bus.StreamInfo
	kv      map[string]bus.KeyValue
	objects map[string]bus.ObjectStore
}

func New(cfg config.BusConfig, dialer bus.Dialer, opts ...Option) *Prism {
	p := &Prism{
		cfg:    cfg,
		align:  config.AlignConfig{Backoff: string(StrategyExponential), MaxDelay: 5 * time.Minute},
		dialer: dialer,
		status: status.NewReporter(nil),
		sleep:  sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.Category == "" {
		p.cfg.Category = DefaultCategory
	}
	return p
}

func (p *Prism) Config() config.BusConfig { return p.cfg }

func (p *Prism) Status() *status.Reporter { return p.status }

// Validate checks the configuration. Its errors are never retried.
func Validate(cfg config.BusConfig) error {
	if strings.TrimSpace(cfg.Host) == "" {
		return ErrMissingHost
	}
	for _, name := range bucketNames(cfg) {
		if err := ValidateBucketName(name); err != nil {
			return err
		}
	}
	return nil
}

func bucketNames(cfg config.BusConfig) []string {
	var names []string
	for _, base := range []string{cfg.KVName, cfg.OSName} {
		if base == "" {
			continue
		}
		names = append(names, base)
		if cfg.SubBuckets {
			for _, sub := range subBuckets {
				names = append(names, SubBucketName(base, sub))
			}
		}
	}
	return names
}

// ValidateBucketName accepts 2 to 255 characters of letters, digits, '-' and
// '_', not starting or ending with a separator.
func ValidateBucketName(name string) error {
	if len(name) < 2 || len(name) > 255 {
		return fmt.Errorf("%w: %q must be 2 to 255 characters", ErrInvalidBucketName, name)
	}
	if isSeparator(name[0]) || isSeparator(name[len(name)-1]) {
		return fmt.Errorf("%w: %q starts or ends with a separator", ErrInvalidBucketName, name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidBucketName, name, c)
		}
	}
	return nil
}

func isSeparator(c byte) bool {
	return c == '-' || c == '_' || c == '.'
}

// Align connects and provisions. Configuration errors return immediately;
// every other failure is retried under the configured strategy until ctx
// ends or AlignConfig.MaxAttempts is reached.
func (p *Prism) Align(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "magnet.prism"})

	if err := Validate(p.cfg); err != nil {
		p.status.Fatal(ctx, "invalid connection config: %v", err)
		return err
	}
	strategy, err := ParseStrategy(p.align.Backoff)
	if err != nil {
		p.status.Fatal(ctx, "invalid connection config: %v", err)
		return err
	}

	for attempt := 0; ; attempt++ {
		err := p.attempt(ctx)
		if err == nil {
			p.status.Success(ctx, "connected to %s", p.cfg)
			return nil
		}
		if ctx.Err() != nil {
			p.status.Fatal(ctx, "could not align %s: %v", p.cfg.Host, ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ErrInvalidBucketName) {
			p.status.Fatal(ctx, "could not align %s: %v", p.cfg.Host, err)
			return err
		}
		if p.align.MaxAttempts > 0 && attempt+1 >= p.align.MaxAttempts {
			p.status.Fatal(ctx, "could not align %s after %d attempts: %v", p.cfg.Host, attempt+1, err)
			return fmt.Errorf("%w: %w", ErrAttemptsExhausted, err)
		}

		delay := strategy.Delay(attempt)
		if p.align.MaxDelay > 0 && delay > p.align.MaxDelay {
			delay = p.align.MaxDelay
		}
		p.status.Warn(ctx, "could not align %s (attempt %d): %v", p.cfg.Host, attempt+1, err)
		p.status.Wait(ctx, "retrying in %s", delay)
		slog.DebugContext(ctx, "align retry scheduled",
			"attempt", attempt+1,
			"delay", delay,
			"strategy", strategy,
			"error", err)

		if err := p.sleep(ctx, delay); err != nil {
			p.status.Fatal(ctx, "could not align %s: %v", p.cfg.Host, err)
			return err
		}
	}
}

// attempt is one dial plus provisioning; a partially provisioned session is closed.
func (p *Prism) attempt(ctx context.Context) error {
	session, err := p.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	var stream *bus.StreamInfo
	kv := make(map[string]bus.KeyValue)
	objects := make(map[string]bus.ObjectStore)

	err = func() error {
		if p.cfg.StreamName != "" {
			stream, err = p.ensureStream(ctx, session, p.cfg.StreamName, p.cfg.Category)
			if err != nil {
				return err
			}
		}
		if p.cfg.KVName != "" {
			for _, name := range p.kvNames() {
				b, err := p.ensureKeyValue(ctx, session, name)
				if err != nil {
					return err
				}
				kv[name] = b
			}
		}
		if p.cfg.OSName != "" {
			for _, name := range p.osNames() {
				b, err := p.ensureObjectStore(ctx, session, name)
				if err != nil {
					return err
				}
				objects[name] = b
			}
		}
		return nil
	}()
	if err != nil {
		_ = session.Close(ctx)
		return err
	}

	p.mu.Lock()
	old := p.session
	p.session = session
	p.stream = stream
	p.kv = kv
	p.objects = objects
	p.mu.Unlock()

	if old != nil {
		_ = old.Close(ctx)
	}
	return nil
}

func (p *Prism) kvNames() []string {
	return withSubs(p.cfg.KVName, p.cfg.SubBuckets)
}

func (p *Prism) osNames() []string {
	return withSubs(p.cfg.OSName, p.cfg.SubBuckets)
}

func withSubs(base string, subs bool) []string {
	names := []string{base}
	if subs {
		for _, sub := range subBuckets {
			names = append(names, SubBucketName(base, sub))
		}
	}
	return names
}

func (p *Prism) ensureStream(ctx context.Context, session bus.Session, name, category string) (*bus.StreamInfo, error) {
	info, err := session.Stream(ctx, name)
	if errors.Is(err, bus.ErrNotFound) {
		p.status.Warn(ctx, "stream %s not found, creating", name)
		info, err = session.CreateStream(ctx, bus.StreamConfig{
			Name:     name,
			Subjects: []string{category},
		})
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", name, err)
		}
		p.status.Success(ctx, "created %s with category %s", name, category)
		return info, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", name, err)
	}
	if info.HasSubject(category) {
		return info, nil
	}

	p.status.Warn(ctx, "category %s missing from stream %s, adding", category, name)
	cfg := info.Config
	cfg.Subjects = append(append([]string(nil), cfg.Subjects...), category)
	info, err = session.UpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("update stream %s: %w", name, err)
	}
	p.status.Success(ctx, "added category %s to %s", category, name)
	return info, nil
}

func (p *Prism) ensureKeyValue(ctx context.Context, session bus.Session, name string) (bus.KeyValue, error) {
	kv, err := session.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, bus.ErrNotFound) {
		return nil, fmt.Errorf("kv bucket %s: %w", name, err)
	}
	p.status.Warn(ctx, "kv bucket %s not found, creating", name)
	kv, err = session.CreateKeyValue(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", name, err)
	}
	p.status.Success(ctx, "created kv bucket %s", name)
	return kv, nil
}

func (p *Prism) ensureObjectStore(ctx context.Context, session bus.Session, name string) (bus.ObjectStore, error) {
	os, err := session.ObjectStore(ctx, name)
	if err == nil {
		return os, nil
	}
	if !errors.Is(err, bus.ErrNotFound) {
		return nil, fmt.Errorf("object bucket %s: %w", name, err)
	}
	p.status.Warn(ctx, "object bucket %s not found, creating", name)
	os, err = session.CreateObjectStore(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create object bucket %s: %w", name, err)
	}
	p.status.Success(ctx, "created object bucket %s", name)
	return os, nil
}

// EnsureCategory widens the configured stream with category if it is missing.
func (p *Prism) EnsureCategory(ctx context.Context, category string) error {
	session, err := p.Session()
	if err != nil {
		return err
	}
	if p.cfg.StreamName == "" {
		return fmt.Errorf("%w: no stream configured", ErrNotProvisioned)
	}
	info, err := p.ensureStream(ctx, session, p.cfg.StreamName, category)
	if err != nil {
		p.status.Fatal(ctx, "could not ensure category %s: %v", category, err)
		return err
	}
	p.mu.Lock()
	p.stream = info
	p.mu.Unlock()
	return nil
}

func (p *Prism) Session() (bus.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return nil, ErrNotAligned
	}
	return p.session, nil
}

// StreamInfo is the stream as last seen during provisioning.
func (p *Prism) StreamInfo() (*bus.StreamInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return nil, ErrNotAligned
	}
	if p.stream == nil {
		return nil, fmt.Errorf("%w: no stream configured", ErrNotProvisioned)
	}
	return p.stream, nil
}

func (p *Prism) keyValue(name string) (bus.KeyValue, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return nil, ErrNotAligned
	}
	kv, ok := p.kv[name]
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: kv bucket %q", ErrNotProvisioned, name)
	}
	return kv, nil
}

func (p *Prism) objectStore(name string) (bus.ObjectStore, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.session == nil {
		return nil, ErrNotAligned
	}
	os, ok := p.objects[name]
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: object bucket %q", ErrNotProvisioned, name)
	}
	return os, nil
}

func (p *Prism) KeyValue() (bus.KeyValue, error) { return p.keyValue(p.cfg.KVName) }

func (p *Prism) Jobs() (bus.KeyValue, error) {
	return p.keyValue(SubBucketName(p.cfg.KVName, SubJobs))
}

func (p *Prism) Fabric() (bus.KeyValue, error) {
	return p.keyValue(SubBucketName(p.cfg.KVName, SubFabric))
}

func (p *Prism) Runs() (bus.KeyValue, error) {
	return p.keyValue(SubBucketName(p.cfg.KVName, SubRuns))
}

func (p *Prism) ObjectStore() (bus.ObjectStore, error) { return p.objectStore(p.cfg.OSName) }

func (p *Prism) JobObjects() (bus.ObjectStore, error) {
	return p.objectStore(SubBucketName(p.cfg.OSName, SubJobs))
}

func (p *Prism) FabricObjects() (bus.ObjectStore, error) {
	return p.objectStore(SubBucketName(p.cfg.OSName, SubFabric))
}

func (p *Prism) RunObjects() (bus.ObjectStore, error) {
	return p.objectStore(SubBucketName(p.cfg.OSName, SubRuns))
}

// Off drains and closes the session.
func (p *Prism) Off(ctx context.Context) error {
	p.mu.Lock()
	session := p.session
	p.session = nil
	p.stream = nil
	p.kv = nil
	p.objects = nil
	p.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Close(ctx); err != nil {
		p.status.Fatal(ctx, "could not disconnect from %s: %v", p.cfg.Host, err)
		return err
	}
	p.status.Warn(ctx, "disconnected from %s", p.cfg.Host)
	return nil
}
