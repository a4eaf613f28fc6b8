package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisStreamMaxLen = 2000

// RedisSink mirrors events onto a capped Redis stream so dashboards can tail
// worker activity without access to the bus.
type RedisSink struct {
	client *redis.Client
	stream string
	source string
}

func NewRedisSink(client *redis.Client, stream, source string) *RedisSink {
	return &RedisSink{client: client, stream: stream, source: source}
}

func (s *RedisSink) Emit(ctx context.Context, ev Event) {
	if s.client == nil {
		return
	}
	values := map[string]any{
		"level":   string(ev.Level),
		"message": ev.Message,
		"source":  s.source,
		"ts":      ev.Timestamp.Format(time.RFC3339Nano),
	}
	for k, v := range ev.Fields {
		values[k] = v
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		slog.DebugContext(ctx, "status event not mirrored to redis", "error", err, "stream", s.stream)
	}
}
