package membus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/Prismadic/magnet/internal/bus"
)

type object struct {
	info bus.ObjectInfo
	data []byte
}

type objectBucket struct {
	name     string
	objects  map[string]*object
	watchers map[*watcher]struct{}
}

type objectStore struct {
	srv  *Server
	name string
}

func (c *session) ObjectStore(_ context.Context, bucket string) (bus.ObjectStore, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.objects[bucket]; !ok {
		return nil, fmt.Errorf("object bucket %s: %w", bucket, bus.ErrNotFound)
	}
	return &objectStore{srv: c.srv, name: bucket}, nil
}

func (c *session) CreateObjectStore(_ context.Context, bucket string) (bus.ObjectStore, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.objects[bucket]; !ok {
		c.srv.objects[bucket] = &objectBucket{
			name:     bucket,
			objects:  make(map[string]*object),
			watchers: make(map[*watcher]struct{}),
		}
	}
	return &objectStore{srv: c.srv, name: bucket}, nil
}

func (o *objectStore) Bucket() string { return o.name }

func (o *objectStore) bucketLocked() (*objectBucket, error) {
	b, ok := o.srv.objects[o.name]
	if !ok {
		return nil, fmt.Errorf("object bucket %s: %w", o.name, bus.ErrNotFound)
	}
	return b, nil
}

func (o *objectStore) Put(_ context.Context, meta bus.ObjectMeta, r io.Reader) (*bus.ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", meta.Name, err)
	}
	o.srv.mu.Lock()
	defer o.srv.mu.Unlock()
	b, err := o.bucketLocked()
	if err != nil {
		return nil, err
	}
	info := bus.ObjectInfo{
		Bucket:  o.name,
		Name:    meta.Name,
		Size:    uint64(len(data)),
		Headers: maps.Clone(meta.Headers),
		ModTime: time.Now().UTC(),
	}
	b.objects[meta.Name] = &object{info: info, data: data}
	b.notify(info)
	out := info
	return &out, nil
}

func (o *objectStore) Get(_ context.Context, name string) (io.ReadCloser, *bus.ObjectInfo, error) {
	o.srv.mu.Lock()
	defer o.srv.mu.Unlock()
	b, err := o.bucketLocked()
	if err != nil {
		return nil, nil, err
	}
	obj, ok := b.objects[name]
	if !ok {
		return nil, nil, fmt.Errorf("object %s: %w", name, bus.ErrNotFound)
	}
	info := obj.info
	info.Headers = maps.Clone(obj.info.Headers)
	return io.NopCloser(bytes.NewReader(obj.data)), &info, nil
}

func (o *objectStore) List(context.Context) ([]bus.ObjectInfo, error) {
	o.srv.mu.Lock()
	defer o.srv.mu.Unlock()
	b, err := o.bucketLocked()
	if err != nil {
		return nil, err
	}
	out := make([]bus.ObjectInfo, 0, len(b.objects))
	for _, obj := range b.objects {
		out = append(out, obj.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (o *objectStore) Delete(_ context.Context, name string) error {
	o.srv.mu.Lock()
	defer o.srv.mu.Unlock()
	b, err := o.bucketLocked()
	if err != nil {
		return err
	}
	obj, ok := b.objects[name]
	if !ok {
		return fmt.Errorf("object %s: %w", name, bus.ErrNotFound)
	}
	delete(b.objects, name)
	info := obj.info
	info.Deleted = true
	info.ModTime = time.Now().UTC()
	b.notify(info)
	return nil
}

func (o *objectStore) Watch(ctx context.Context) (bus.ObjectWatcher, error) {
	o.srv.mu.Lock()
	defer o.srv.mu.Unlock()
	b, err := o.bucketLocked()
	if err != nil {
		return nil, err
	}
	w := &watcher{
		srv:     o.srv,
		bucket:  b,
		updates: make(chan bus.ObjectInfo, 64),
		done:    make(chan struct{}),
	}
	b.watchers[w] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.done:
		}
	}()
	return w, nil
}

// notify runs under the server lock; a watcher with a full buffer drops the update.
func (b *objectBucket) notify(info bus.ObjectInfo) {
	for w := range b.watchers {
		select {
		case w.updates <- info:
		default:
		}
	}
}

type watcher struct {
	srv     *Server
	bucket  *objectBucket
	updates chan bus.ObjectInfo
	done    chan struct{}
	once    sync.Once
}

func (w *watcher) Updates() <-chan bus.ObjectInfo { return w.updates }

func (w *watcher) Stop() error {
	w.once.Do(func() {
		w.srv.mu.Lock()
		delete(w.bucket.watchers, w)
		close(w.updates)
		w.srv.mu.Unlock()
		close(w.done)
	})
	return nil
}
