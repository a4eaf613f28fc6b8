package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// StatusHandler tails the Redis stream that workers mirror status events to.
type StatusHandler struct {
	redis  *redis.Client
	stream string
	block  time.Duration
}

func NewStatusHandler(redisClient *redis.Client, stream string) *StatusHandler {
	return &StatusHandler{redis: redisClient, stream: stream, block: 25 * time.Second}
}

// Stream writes status events as server-sent events. last_id resumes after a
// known entry; the default starts with new events only.
func (h *StatusHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	if h.redis == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status stream not configured"})
		return
	}

	lastID := c.Query("last_id")
	if lastID == "" {
		lastID = "$"
	}
	level := c.Query("level")

	setSSEHeaders(c.Writer)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	sseWrite(c.Writer, "ping", "ready")
	flusher.Flush()

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := h.redis.XRead(ctx, &redis.XReadArgs{
			Streams: []string{h.stream, lastID},
			Block:   h.block,
			Count:   100,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				sseWrite(c.Writer, "ping", time.Now().UTC().Format(time.RFC3339Nano))
				flusher.Flush()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			sseWrite(c.Writer, "error", map[string]string{"error": err.Error()})
			flusher.Flush()
			return
		}

		for _, streamRes := range res {
			for _, msg := range streamRes.Messages {
				lastID = msg.ID
				if level != "" && msg.Values["level"] != level {
					continue
				}
				sseWrite(c.Writer, "status", map[string]any{"id": msg.ID, "event": msg.Values})
			}
		}
		flusher.Flush()
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
}

func sseWrite(w http.ResponseWriter, event string, data any) {
	var payload string
	switch v := data.(type) {
	case string:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			payload = fmt.Sprintf("%v", v)
		} else {
			payload = string(b)
		}
	}
	if event != "" {
		_, _ = fmt.Fprintf(w, "event: %s\n", event)
	}
	for _, line := range strings.Split(payload, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}
