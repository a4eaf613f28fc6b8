package membus

import (
	"context"
	"fmt"
	"sort"

	"github.com/Prismadic/magnet/internal/bus"
)

type kvBucket struct {
	name    string
	entries map[string]bus.Entry
	rev     uint64
}

type keyValue struct {
	srv  *Server
	name string
}

func (c *session) KeyValue(_ context.Context, bucket string) (bus.KeyValue, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.kv[bucket]; !ok {
		return nil, fmt.Errorf("bucket %s: %w", bucket, bus.ErrNotFound)
	}
	return &keyValue{srv: c.srv, name: bucket}, nil
}

func (c *session) CreateKeyValue(_ context.Context, bucket string) (bus.KeyValue, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.kv[bucket]; !ok {
		c.srv.kv[bucket] = &kvBucket{name: bucket, entries: make(map[string]bus.Entry)}
	}
	return &keyValue{srv: c.srv, name: bucket}, nil
}

func (k *keyValue) Bucket() string { return k.name }

func (k *keyValue) bucketLocked() (*kvBucket, error) {
	b, ok := k.srv.kv[k.name]
	if !ok {
		return nil, fmt.Errorf("bucket %s: %w", k.name, bus.ErrNotFound)
	}
	return b, nil
}

func (k *keyValue) writableLocked() (*kvBucket, error) {
	b, err := k.bucketLocked()
	if err != nil {
		return nil, err
	}
	if err := k.srv.writeErrLocked(k.name); err != nil {
		return nil, err
	}
	return b, nil
}

func (k *keyValue) Get(_ context.Context, key string) (bus.Entry, error) {
	k.srv.mu.Lock()
	defer k.srv.mu.Unlock()
	b, err := k.bucketLocked()
	if err != nil {
		return bus.Entry{}, err
	}
	e, ok := b.entries[key]
	if !ok {
		return bus.Entry{}, fmt.Errorf("key %s: %w", key, bus.ErrNotFound)
	}
	e.Value = append([]byte(nil), e.Value...)
	return e, nil
}

func (k *keyValue) Put(_ context.Context, key string, value []byte) (uint64, error) {
	k.srv.mu.Lock()
	defer k.srv.mu.Unlock()
	b, err := k.writableLocked()
	if err != nil {
		return 0, err
	}
	return b.write(key, value), nil
}

func (k *keyValue) Create(_ context.Context, key string, value []byte) (uint64, error) {
	k.srv.mu.Lock()
	defer k.srv.mu.Unlock()
	b, err := k.writableLocked()
	if err != nil {
		return 0, err
	}
	if _, ok := b.entries[key]; ok {
		return 0, fmt.Errorf("key %s: %w", key, bus.ErrKeyExists)
	}
	return b.write(key, value), nil
}

func (k *keyValue) Update(_ context.Context, key string, value []byte, rev uint64) (uint64, error) {
	k.srv.mu.Lock()
	defer k.srv.mu.Unlock()
	b, err := k.writableLocked()
	if err != nil {
		return 0, err
	}
	e, ok := b.entries[key]
	if !ok || e.Revision != rev {
		return 0, fmt.Errorf("key %s at revision %d: %w", key, rev, bus.ErrRevisionMismatch)
	}
	return b.write(key, value), nil
}

func (k *keyValue) Keys(context.Context) ([]string, error) {
	k.srv.mu.Lock()
	defer k.srv.mu.Unlock()
	b, err := k.bucketLocked()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (k *keyValue) Delete(_ context.Context, key string) error {
	k.srv.mu.Lock()
	defer k.srv.mu.Unlock()
	b, err := k.bucketLocked()
	if err != nil {
		return err
	}
	delete(b.entries, key)
	return nil
}

func (b *kvBucket) write(key string, value []byte) uint64 {
	b.rev++
	b.entries[key] = bus.Entry{Key: key, Value: append([]byte(nil), value...), Revision: b.rev}
	return b.rev
}
