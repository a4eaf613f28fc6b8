// Package testutil builds aligned prisms over the in-memory bus for tests.
package testutil

import (
	"context"
	"time"

	"github.com/Prismadic/magnet/core/config"
	"github.com/Prismadic/magnet/internal/bus/membus"
	"github.com/Prismadic/magnet/internal/prism"
	"github.com/Prismadic/magnet/internal/status"
)

// BusConfig is a fully provisioned connection: stream "docs" on category
// "main", KV "magnet_kv" and object store "magnet_os" with sub-buckets.
func BusConfig() config.BusConfig {
	return config.BusConfig{
		Host:       "membus",
		StreamName: "docs",
		Category:   "main",
		KVName:     "magnet_kv",
		OSName:     "magnet_os",
		Session:    "test",
		SubBuckets: true,
	}
}

// NoSleep skips backoff waits but still honours cancellation.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

type Env struct {
	Server   *membus.Server
	Prism    *prism.Prism
	Recorder *status.Recorder
}

// Aligned returns a prism aligned on a fresh in-memory server.
func Aligned(ctx context.Context, cfg config.BusConfig) (*Env, error) {
	srv := membus.NewServer()
	return AlignedOn(ctx, srv, cfg)
}

// AlignedOn aligns another prism on srv, as a second process would.
func AlignedOn(ctx context.Context, srv *membus.Server, cfg config.BusConfig) (*Env, error) {
	rec := &status.Recorder{}
	p := prism.New(cfg, srv, prism.WithStatus(rec), prism.WithSleep(NoSleep))
	if err := p.Align(ctx); err != nil {
		return nil, err
	}
	rec.Reset()
	return &Env{Server: srv, Prism: p, Recorder: rec}, nil
}
