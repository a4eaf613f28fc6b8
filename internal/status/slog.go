package status

import (
	"context"
	"log/slog"
)

// SlogSink writes each event as a slog record on logger (slog.Default when nil).
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Emit(ctx context.Context, ev Event) {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := make([]any, 0, 2+2*len(ev.Fields))
	attrs = append(attrs, "status", string(ev.Level))
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}

	logger.Log(ctx, slogLevel(ev.Level), ev.Message, attrs...)
}

func slogLevel(level Level) slog.Level {
	switch level {
	case LevelWarn:
		return slog.LevelWarn
	case LevelFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
