// Package jetstream backs the bus with a NATS JetStream server.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/bus"
)

type Dialer struct {
	cfg  config.BusConfig
	name string
}

var _ bus.Dialer = (*Dialer)(nil)

// NewDialer returns a dialer for cfg. name identifies the client connection
// on the server.
func NewDialer(cfg config.BusConfig, name string) *Dialer {
	return &Dialer{cfg: cfg, name: name}
}

// URL resolves the server address: credentials switch the scheme to tls://,
// and a bare host gets the default client port.
func URL(cfg config.BusConfig) string {
	host := cfg.Host
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if !strings.Contains(host, ":") {
		host += ":4222"
	}
	if cfg.Credentials != "" {
		return "tls://" + host
	}
	return "nats://" + host
}

func (d *Dialer) Dial(ctx context.Context) (bus.Session, error) {
	opts := []nats.Option{nats.Name(d.name)}
	if d.cfg.Credentials != "" {
		opts = append(opts, nats.UserCredentials(d.cfg.Credentials))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(URL(d.cfg), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", URL(d.cfg), err)
	}

	var js jetstream.JetStream
	if d.cfg.Domain != "" {
		js, err = jetstream.NewWithDomain(nc, d.cfg.Domain)
	} else {
		js, err = jetstream.New(nc)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &session{nc: nc, js: js}, nil
}

type session struct {
	nc *nats.Conn
	js jetstream.JetStream
}

var _ bus.Session = (*session)(nil)

func (s *session) Close(ctx context.Context) error {
	if s.nc.IsClosed() {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("drain: %w", err)
	}
	for !s.nc.IsClosed() {
		select {
		case <-ctx.Done():
			s.nc.Close()
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func (s *session) Stream(ctx context.Context, name string) (*bus.StreamInfo, error) {
	st, err := s.js.Stream(ctx, name)
	if err != nil {
		return nil, translate(err)
	}
	info, err := st.Info(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return streamInfo(info), nil
}

func (s *session) CreateStream(ctx context.Context, cfg bus.StreamConfig) (*bus.StreamInfo, error) {
	st, err := s.js.CreateStream(ctx, streamConfig(cfg))
	if err != nil {
		return nil, translate(err)
	}
	return streamInfo(st.CachedInfo()), nil
}

func (s *session) UpdateStream(ctx context.Context, cfg bus.StreamConfig) (*bus.StreamInfo, error) {
	st, err := s.js.UpdateStream(ctx, streamConfig(cfg))
	if err != nil {
		return nil, translate(err)
	}
	return streamInfo(st.CachedInfo()), nil
}

func (s *session) DeleteStream(ctx context.Context, name string) error {
	return translate(s.js.DeleteStream(ctx, name))
}

func (s *session) PurgeStream(ctx context.Context, name, subject string) error {
	st, err := s.js.Stream(ctx, name)
	if err != nil {
		return translate(err)
	}
	var opts []jetstream.StreamPurgeOpt
	if subject != "" {
		opts = append(opts, jetstream.WithPurgeSubject(subject))
	}
	return translate(st.Purge(ctx, opts...))
}

func (s *session) Publish(ctx context.Context, subject string, data []byte, msgID string) (*bus.PubAck, error) {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	ack, err := s.js.Publish(ctx, subject, data, opts...)
	if err != nil {
		return nil, translate(err)
	}
	return &bus.PubAck{Stream: ack.Stream, Sequence: ack.Sequence, Duplicate: ack.Duplicate}, nil
}

func (s *session) Consumer(ctx context.Context, stream string, cfg bus.ConsumerConfig) (bus.Consumer, error) {
	c, err := s.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: cfg.MaxAckPending,
		AckWait:       cfg.AckWait,
		FilterSubject: cfg.FilterSubject,
	})
	if err != nil {
		return nil, translate(err)
	}
	return &consumer{c: c}, nil
}

func (s *session) KeyValue(ctx context.Context, bucket string) (bus.KeyValue, error) {
	kv, err := s.js.KeyValue(ctx, bucket)
	if err != nil {
		return nil, translate(err)
	}
	return &keyValue{kv: kv}, nil
}

func (s *session) CreateKeyValue(ctx context.Context, bucket string) (bus.KeyValue, error) {
	kv, err := s.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, translate(err)
	}
	return &keyValue{kv: kv}, nil
}

func (s *session) ObjectStore(ctx context.Context, bucket string) (bus.ObjectStore, error) {
	os, err := s.js.ObjectStore(ctx, bucket)
	if err != nil {
		return nil, translate(err)
	}
	return &objectStore{bucket: bucket, os: os}, nil
}

func (s *session) CreateObjectStore(ctx context.Context, bucket string) (bus.ObjectStore, error) {
	os, err := s.js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucket})
	if err != nil {
		return nil, translate(err)
	}
	return &objectStore{bucket: bucket, os: os}, nil
}

func streamConfig(cfg bus.StreamConfig) jetstream.StreamConfig {
	dup := cfg.Duplicates
	if dup == 0 {
		dup = bus.DefaultDuplicateWindow
	}
	return jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		Duplicates: dup,
	}
}

func streamInfo(info *jetstream.StreamInfo) *bus.StreamInfo {
	if info == nil {
		return &bus.StreamInfo{}
	}
	return &bus.StreamInfo{
		Config: bus.StreamConfig{
			Name:       info.Config.Name,
			Subjects:   append([]string(nil), info.Config.Subjects...),
			Duplicates: info.Config.Duplicates,
		},
		Messages: info.State.Msgs,
	}
}

type consumer struct {
	c jetstream.Consumer
}

func (c *consumer) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]bus.Msg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := c.c.Fetch(batch, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, translate(err)
	}
	var out []bus.Msg
	for m := range b.Messages() {
		out = append(out, &msg{m: m})
	}
	if err := b.Error(); err != nil && len(out) == 0 {
		return nil, translate(err)
	}
	if len(out) == 0 {
		return nil, bus.ErrTimeout
	}
	return out, nil
}

func (c *consumer) Info(ctx context.Context) (*bus.ConsumerInfo, error) {
	info, err := c.c.Info(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return &bus.ConsumerInfo{
		Name:          info.Name,
		NumPending:    info.NumPending,
		NumAckPending: info.NumAckPending,
		Delivered:     info.Delivered.Stream,
	}, nil
}

type msg struct {
	m jetstream.Msg
}

func (m *msg) Subject() string { return m.m.Subject() }
func (m *msg) Data() []byte    { return m.m.Data() }
func (m *msg) Ack() error      { return m.m.Ack() }
func (m *msg) Nak() error      { return m.m.Nak() }
func (m *msg) Term() error     { return m.m.Term() }

func (m *msg) Sequence() uint64 {
	md, err := m.m.Metadata()
	if err != nil {
		return 0
	}
	return md.Sequence.Stream
}

func (m *msg) NumDelivered() uint64 {
	md, err := m.m.Metadata()
	if err != nil {
		return 0
	}
	return md.NumDelivered
}

type keyValue struct {
	kv jetstream.KeyValue
}

func (k *keyValue) Bucket() string { return k.kv.Bucket() }

func (k *keyValue) Get(ctx context.Context, key string) (bus.Entry, error) {
	e, err := k.kv.Get(ctx, key)
	if err != nil {
		return bus.Entry{}, translate(err)
	}
	return bus.Entry{Key: e.Key(), Value: e.Value(), Revision: e.Revision()}, nil
}

func (k *keyValue) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := k.kv.Put(ctx, key, value)
	return rev, translate(err)
}

func (k *keyValue) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := k.kv.Create(ctx, key, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, fmt.Errorf("key %s: %w", key, bus.ErrKeyExists)
	}
	return rev, translate(err)
}

func (k *keyValue) Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error) {
	next, err := k.kv.Update(ctx, key, value, rev)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, fmt.Errorf("key %s at revision %d: %w", key, rev, bus.ErrRevisionMismatch)
	}
	return next, translate(err)
}

func (k *keyValue) Keys(ctx context.Context) ([]string, error) {
	lister, err := k.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, translate(err)
	}
	keys := []string{}
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

func (k *keyValue) Delete(ctx context.Context, key string) error {
	return translate(k.kv.Delete(ctx, key))
}

type objectStore struct {
	bucket string
	os     jetstream.ObjectStore
}

func (o *objectStore) Bucket() string { return o.bucket }

func (o *objectStore) Put(ctx context.Context, meta bus.ObjectMeta, r io.Reader) (*bus.ObjectInfo, error) {
	headers := nats.Header{}
	for k, v := range meta.Headers {
		headers.Set(k, v)
	}
	info, err := o.os.Put(ctx, jetstream.ObjectMeta{Name: meta.Name, Headers: headers}, r)
	if err != nil {
		return nil, translate(err)
	}
	out := objectInfo(info)
	return &out, nil
}

func (o *objectStore) Get(ctx context.Context, name string) (io.ReadCloser, *bus.ObjectInfo, error) {
	res, err := o.os.Get(ctx, name)
	if err != nil {
		return nil, nil, translate(err)
	}
	info, err := res.Info()
	if err != nil {
		_ = res.Close()
		return nil, nil, translate(err)
	}
	out := objectInfo(info)
	return res, &out, nil
}

func (o *objectStore) List(ctx context.Context) ([]bus.ObjectInfo, error) {
	infos, err := o.os.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return []bus.ObjectInfo{}, nil
		}
		return nil, translate(err)
	}
	out := make([]bus.ObjectInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, objectInfo(info))
	}
	return out, nil
}

func (o *objectStore) Delete(ctx context.Context, name string) error {
	return translate(o.os.Delete(ctx, name))
}

func (o *objectStore) Watch(ctx context.Context) (bus.ObjectWatcher, error) {
	w, err := o.os.Watch(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return nil, translate(err)
	}
	out := &watcher{w: w, updates: make(chan bus.ObjectInfo), done: make(chan struct{})}
	go out.pump()
	return out, nil
}

type watcher struct {
	w       jetstream.ObjectWatcher
	updates chan bus.ObjectInfo
	done    chan struct{}
	once    sync.Once
}

// pump forwards updates until the underlying watcher closes its channel.
// A nil entry marks the end of the initial values and is skipped.
func (w *watcher) pump() {
	defer close(w.updates)
	for info := range w.w.Updates() {
		if info == nil {
			continue
		}
		select {
		case w.updates <- objectInfo(info):
		case <-w.done:
			return
		}
	}
}

func (w *watcher) Updates() <-chan bus.ObjectInfo { return w.updates }

func (w *watcher) Stop() error {
	w.once.Do(func() { close(w.done) })
	return w.w.Stop()
}

func objectInfo(info *jetstream.ObjectInfo) bus.ObjectInfo {
	headers := make(map[string]string, len(info.Headers))
	for k := range info.Headers {
		headers[strings.ToLower(k)] = info.Headers.Get(k)
	}
	return bus.ObjectInfo{
		Bucket:  info.Bucket,
		Name:    info.Name,
		Size:    info.Size,
		Headers: headers,
		ModTime: info.ModTime,
		Deleted: info.Deleted,
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrStreamNotFound),
		errors.Is(err, jetstream.ErrConsumerNotFound),
		errors.Is(err, jetstream.ErrBucketNotFound),
		errors.Is(err, jetstream.ErrKeyNotFound),
		errors.Is(err, jetstream.ErrObjectNotFound),
		errors.Is(err, jetstream.ErrNoStreamResponse):
		return fmt.Errorf("%w: %w", bus.ErrNotFound, err)
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", bus.ErrTimeout, err)
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return fmt.Errorf("%w: %w", bus.ErrClosed, err)
	}
	return err
}
