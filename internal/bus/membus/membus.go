// Package membus is an in-process bus backend. It keeps JetStream semantics
// that the coordinator relies on (dedupe by message id, explicit ack with
// redelivery after the ack wait, revision-checked KV updates, object watches)
// and is shared by every session dialed from the same Server, so several
// workers in one test observe the same streams and buckets.
package membus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Prismadic/magnet/internal/bus"
)

type Server struct {
	mu      sync.Mutex
	streams map[string]*stream
	kv      map[string]*kvBucket
	objects map[string]*objectBucket
	// publish wakes every waiting fetch; it is closed and replaced on each publish.
	publish chan struct{}

	failDials  int
	dialErr    error
	fetchErrs  []error
	writeErrs  map[string][]error
	dials      int
	closedSess int
}

func NewServer() *Server {
	return &Server{
		streams: make(map[string]*stream),
		kv:      make(map[string]*kvBucket),
		objects: make(map[string]*objectBucket),
		publish: make(chan struct{}),
	}
}

// FailDials makes the next n dials fail with err.
func (s *Server) FailDials(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDials = n
	s.dialErr = err
}

// FailFetches queues errors returned, one per call, by the next fetches on any consumer.
func (s *Server) FailFetches(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErrs = append(s.fetchErrs, errs...)
}

// FailWrites queues errors returned, one per call, by the next puts, creates
// and updates on the KV bucket named bucket.
func (s *Server) FailWrites(bucket string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErrs == nil {
		s.writeErrs = make(map[string][]error)
	}
	s.writeErrs[bucket] = append(s.writeErrs[bucket], errs...)
}

func (s *Server) writeErrLocked(bucket string) error {
	errs := s.writeErrs[bucket]
	if len(errs) == 0 {
		return nil
	}
	s.writeErrs[bucket] = errs[1:]
	return errs[0]
}

// Dials reports how many dial attempts were made, including failed ones.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *Server) ClosedSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedSess
}

// StreamCount and BucketCount let tests assert provisioning stayed idempotent.
func (s *Server) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Server) BucketCount() (kv, objects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kv), len(s.objects)
}

func (s *Server) Dial(ctx context.Context) (bus.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.failDials > 0 {
		s.failDials--
		return nil, s.dialErr
	}
	return &session{srv: s}, nil
}

func (s *Server) wakeLocked() {
	close(s.publish)
	s.publish = make(chan struct{})
}

type session struct {
	srv    *Server
	mu     sync.Mutex
	closed bool
}

var (
	_ bus.Session = (*session)(nil)
	_ bus.Dialer  = (*Server)(nil)
)

func (c *session) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bus.ErrClosed
	}
	return nil
}

func (c *session) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.srv.mu.Lock()
		c.srv.closedSess++
		c.srv.mu.Unlock()
	}
	return nil
}

type storedMsg struct {
	seq     uint64
	subject string
	data    []byte
	msgID   string
	at      time.Time
}

type stream struct {
	cfg       bus.StreamConfig
	msgs      []*storedMsg
	lastSeq   uint64
	dedupe    map[string]*storedMsg
	consumers map[string]*consumerState
}

func (st *stream) info() *bus.StreamInfo {
	cfg := st.cfg
	cfg.Subjects = append([]string(nil), st.cfg.Subjects...)
	return &bus.StreamInfo{Config: cfg, Messages: uint64(len(st.msgs))}
}

func (st *stream) find(seq uint64) *storedMsg {
	for _, m := range st.msgs {
		if m.seq == seq {
			return m
		}
	}
	return nil
}

func (c *session) Stream(_ context.Context, name string) (*bus.StreamInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	st, ok := c.srv.streams[name]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", name, bus.ErrNotFound)
	}
	return st.info(), nil
}

func (c *session) CreateStream(_ context.Context, cfg bus.StreamConfig) (*bus.StreamInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if st, ok := c.srv.streams[cfg.Name]; ok {
		if equalSubjects(st.cfg.Subjects, cfg.Subjects) {
			return st.info(), nil
		}
		return nil, fmt.Errorf("stream name already in use with a different configuration")
	}
	if cfg.Duplicates == 0 {
		cfg.Duplicates = bus.DefaultDuplicateWindow
	}
	cfg.Subjects = append([]string(nil), cfg.Subjects...)
	st := &stream{
		cfg:       cfg,
		dedupe:    make(map[string]*storedMsg),
		consumers: make(map[string]*consumerState),
	}
	c.srv.streams[cfg.Name] = st
	return st.info(), nil
}

func (c *session) UpdateStream(_ context.Context, cfg bus.StreamConfig) (*bus.StreamInfo, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	st, ok := c.srv.streams[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", cfg.Name, bus.ErrNotFound)
	}
	st.cfg.Subjects = append([]string(nil), cfg.Subjects...)
	if cfg.Duplicates > 0 {
		st.cfg.Duplicates = cfg.Duplicates
	}
	return st.info(), nil
}

func (c *session) DeleteStream(_ context.Context, name string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	if _, ok := c.srv.streams[name]; !ok {
		return fmt.Errorf("stream %s: %w", name, bus.ErrNotFound)
	}
	delete(c.srv.streams, name)
	return nil
}

func (c *session) PurgeStream(_ context.Context, name, subject string) error {
	if err := c.check(); err != nil {
		return err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	st, ok := c.srv.streams[name]
	if !ok {
		return fmt.Errorf("stream %s: %w", name, bus.ErrNotFound)
	}
	// Message ids stay in the dedupe window, as they do on a JetStream purge.
	kept := st.msgs[:0]
	for _, m := range st.msgs {
		if subject != "" && !subjectMatches(subject, m.subject) {
			kept = append(kept, m)
		}
	}
	st.msgs = kept
	return nil
}

func (c *session) Publish(_ context.Context, subject string, data []byte, msgID string) (*bus.PubAck, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()

	var target *stream
	for _, st := range c.srv.streams {
		for _, s := range st.cfg.Subjects {
			if subjectMatches(s, subject) {
				target = st
				break
			}
		}
		if target != nil {
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("no stream bound to subject %s: %w", subject, bus.ErrNotFound)
	}

	now := time.Now()
	if msgID != "" {
		if prev, ok := target.dedupe[msgID]; ok && now.Sub(prev.at) < target.cfg.Duplicates {
			return &bus.PubAck{Stream: target.cfg.Name, Sequence: prev.seq, Duplicate: true}, nil
		}
	}

	target.lastSeq++
	m := &storedMsg{
		seq:     target.lastSeq,
		subject: subject,
		data:    append([]byte(nil), data...),
		msgID:   msgID,
		at:      now,
	}
	target.msgs = append(target.msgs, m)
	if msgID != "" {
		target.dedupe[msgID] = m
	}
	c.srv.wakeLocked()
	return &bus.PubAck{Stream: target.cfg.Name, Sequence: m.seq}, nil
}

// subjectMatches implements NATS token matching: "*" matches one token,
// a trailing ">" matches one or more.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func equalSubjects(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
