// Package resonator subscribes to the bus. On joins a durable pull consumer
// on a category, named after the node and role so a restarted worker rejoins
// its group; OnObjects watches an object bucket instead. Listen hands each
// decoded delivery to a caller-supplied handler.
package resonator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/prism"
	"github.com/Prismadic/magnet/internal/status"
)

var ErrNotSubscribed = errors.New("resonator: no subscription, call On or OnObjects first")

const (
	DefaultBandwidth = 1000
	DefaultAckWait   = time.Hour
)

// Delivery is one message or object handed to a Handler. Msg is nil for
// object deliveries, which carry Object and the LocalPath of the download.
type Delivery struct {
	Payload   model.Payload
	Subject   string
	Sequence  uint64
	Msg       bus.Msg
	Object    *bus.ObjectInfo
	LocalPath string
}

// Handler processes one delivery. A non-nil error asks for redelivery.
type Handler func(ctx context.Context, d Delivery) error

type Option func(*Resonator)

func WithConsumerConfig(cfg config.ConsumerConfig) Option {
	return func(r *Resonator) { r.consumerCfg = cfg }
}

// WithWorkDir sets where watched objects are downloaded.
func WithWorkDir(dir string) Option {
	return func(r *Resonator) { r.workDir = dir }
}

// WithNode overrides the node identity used in durable names.
func WithNode(node string) Option {
	return func(r *Resonator) { r.hostname = func() (string, error) { return node, nil } }
}

type Resonator struct {
	prism       *prism.Prism
	status      *status.Reporter
	consumerCfg config.ConsumerConfig
	workDir     string
	hostname    func() (string, error)
	now         func() time.Time

	mu       sync.Mutex
	role     string
	node     string
	durable  string
	subject  string
	consumer bus.Consumer
	watcher  bus.ObjectWatcher
	objects  bus.ObjectStore
}

func New(p *prism.Prism, opts ...Option) *Resonator {
	r := &Resonator{
		prism:  p,
		status: p.Status(),
		consumerCfg: config.ConsumerConfig{
			Bandwidth:    DefaultBandwidth,
			AckWait:      DefaultAckWait,
			FetchTimeout: 5 * time.Second,
			RetryDelay:   time.Second,
		},
		workDir:  os.TempDir(),
		hostname: os.Hostname,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type onOptions struct {
	local     bool
	bandwidth int
	subject   string
}

type OnOption func(*onOptions)

// WithLocal salts the durable name so several instances on one node do not share a consumer.
func WithLocal() OnOption {
	return func(o *onOptions) { o.local = true }
}

// WithBandwidth bounds the unacknowledged messages in flight.
func WithBandwidth(n int) OnOption {
	return func(o *onOptions) { o.bandwidth = n }
}

// WithCategory binds to category instead of the configured one.
func WithCategory(category string) OnOption {
	return func(o *onOptions) { o.subject = category }
}

// DurableName derives the consumer name from node and role. With salt
// non-zero the node is suffixed with a hash of node and salt.
func DurableName(node, role string, salt int64) string {
	node = sanitize(node)
	if salt != 0 {
		node = fmt.Sprintf("%s_%016x", node, xxhash.Sum64String(fmt.Sprintf("%s:%d", node, salt)))
	}
	return fmt.Sprintf("%s_%s", node, sanitize(role))
}

// sanitize keeps letters, digits, '-' and '_'; consumer names cannot hold '.', '*', '>' or spaces.
func sanitize(s string) string {
	if s == "" {
		return "node"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// On joins the durable consumer for role on the configured stream.
func (r *Resonator) On(ctx context.Context, role string, opts ...OnOption) error {
	o := onOptions{
		bandwidth: r.consumerCfg.Bandwidth,
		subject:   r.prism.Config().Category,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bandwidth <= 0 {
		o.bandwidth = DefaultBandwidth
	}

	if err := r.on(ctx, role, o); err != nil {
		r.status.Fatal(ctx, "could not join %s for role %s: %v", r.prism.Config().StreamName, role, err)
		return err
	}
	return nil
}

func (r *Resonator) on(ctx context.Context, role string, o onOptions) error {
	session, err := r.prism.Session()
	if err != nil {
		return err
	}
	if err := r.prism.EnsureCategory(ctx, o.subject); err != nil {
		return err
	}

	node, err := r.hostname()
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}
	var salt int64
	if o.local {
		salt = r.now().UnixNano()
	}
	durable := DurableName(node, role, salt)

	r.status.Wait(ctx, "connecting to %s for role %s", r.prism.Config().Host, role)
	consumer, err := session.Consumer(ctx, r.prism.Config().StreamName, bus.ConsumerConfig{
		Durable:       durable,
		FilterSubject: o.subject,
		MaxAckPending: o.bandwidth,
		AckWait:       r.consumerCfg.AckWait,
	})
	if err != nil {
		return fmt.Errorf("consumer %s: %w", durable, err)
	}

	r.mu.Lock()
	r.stopWatcherLocked()
	r.role = role
	r.node = node
	r.durable = durable
	r.subject = o.subject
	r.consumer = consumer
	r.mu.Unlock()

	r.status.Info(ctx, "joined worker queue %s as %s for role %s", r.prism.Config().Session, durable, role)
	return nil
}

// OnObjects watches the configured object bucket for new objects.
func (r *Resonator) OnObjects(ctx context.Context, role string) error {
	store, err := r.prism.ObjectStore()
	if err == nil {
		err = r.onObjects(ctx, role, store)
	}
	if err != nil {
		r.status.Fatal(ctx, "could not watch object store %s: %v", r.prism.Config().OSName, err)
		return err
	}
	return nil
}

func (r *Resonator) onObjects(ctx context.Context, role string, store bus.ObjectStore) error {
	node, err := r.hostname()
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}
	watcher, err := store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch %s: %w", store.Bucket(), err)
	}

	r.mu.Lock()
	r.stopWatcherLocked()
	r.role = role
	r.node = node
	r.durable = ""
	r.subject = ""
	r.consumer = nil
	r.watcher = watcher
	r.objects = store
	r.mu.Unlock()

	r.status.Info(ctx, "subscribed to object store %s as %s", store.Bucket(), node)
	return nil
}

func (r *Resonator) stopWatcherLocked() {
	if r.watcher != nil {
		_ = r.watcher.Stop()
		r.watcher = nil
		r.objects = nil
	}
}

// Durable is the consumer name chosen by the last On.
func (r *Resonator) Durable() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.durable
}

// Info reports the consumer's pending and in-flight counts.
func (r *Resonator) Info(ctx context.Context) (*bus.ConsumerInfo, error) {
	r.mu.Lock()
	consumer := r.consumer
	r.mu.Unlock()
	if consumer == nil {
		r.status.Fatal(ctx, "no subscriber initialized")
		return nil, ErrNotSubscribed
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		r.status.Fatal(ctx, "consumer info: %v", err)
		return nil, err
	}
	r.status.With(ctx, status.LevelInfo, map[string]any{
		"consumer":        info.Name,
		"num_pending":     info.NumPending,
		"num_ack_pending": info.NumAckPending,
		"delivered":       info.Delivered,
	}, "consumer %s: %d pending, %d awaiting ack", info.Name, info.NumPending, info.NumAckPending)
	return info, nil
}

// Off drops the subscription. The durable consumer stays on the server.
func (r *Resonator) Off(ctx context.Context) error {
	r.mu.Lock()
	had := r.consumer != nil || r.watcher != nil
	r.stopWatcherLocked()
	r.consumer = nil
	r.mu.Unlock()
	if !had {
		return nil
	}
	r.status.Warn(ctx, "unsubscribed from %s", r.prism.Config().StreamName)
	return nil
}
