// Package status is the telemetry channel of the coordinator. Every
// provisioning step, publish, delivery and run transition is reported as an
// Event to an injected Sink, so tests can assert on what a component did and
// production can fan the events out to logs and a Redis stream.
package status

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelSuccess Level = "success"
	LevelWait    Level = "wait"
	LevelFatal   Level = "fatal"
)

type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink receives status events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

type multiSink []Sink

// Multi fans events out to every sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Emit(ctx, ev)
	}
}

// Reporter stamps and emits events. The zero value discards.
type Reporter struct {
	sink Sink
	now  func() time.Time
}

func NewReporter(sink Sink) *Reporter {
	if sink == nil {
		sink = Discard
	}
	return &Reporter{sink: sink, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Reporter) emit(ctx context.Context, level Level, fields map[string]any, format string, args ...any) {
	if r == nil || r.sink == nil {
		return
	}
	r.sink.Emit(ctx, Event{
		Timestamp: r.now(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
		Fields:    fields,
	})
}

func (r *Reporter) Info(ctx context.Context, format string, args ...any) {
	r.emit(ctx, LevelInfo, nil, format, args...)
}

func (r *Reporter) Warn(ctx context.Context, format string, args ...any) {
	r.emit(ctx, LevelWarn, nil, format, args...)
}

func (r *Reporter) Success(ctx context.Context, format string, args ...any) {
	r.emit(ctx, LevelSuccess, nil, format, args...)
}

func (r *Reporter) Wait(ctx context.Context, format string, args ...any) {
	r.emit(ctx, LevelWait, nil, format, args...)
}

func (r *Reporter) Fatal(ctx context.Context, format string, args ...any) {
	r.emit(ctx, LevelFatal, nil, format, args...)
}

// With emits an event carrying structured fields.
func (r *Reporter) With(ctx context.Context, level Level, fields map[string]any, format string, args ...any) {
	r.emit(ctx, level, fields, format, args...)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of what was recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Levels returns the level of each recorded event, in order.
func (r *Recorder) Levels() []Level {
	events := r.Events()
	out := make([]Level, len(events))
	for i, ev := range events {
		out[i] = ev.Level
	}
	return out
}

// ByLevel returns the messages recorded at level.
func (r *Recorder) ByLevel(level Level) []string {
	var out []string
	for _, ev := range r.Events() {
		if ev.Level == level {
			out = append(out, ev.Message)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
