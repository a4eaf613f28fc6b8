package membus

import (
	"context"
	"fmt"
	"time"

	"github.com/Prismadic/magnet/internal/bus"
)

type pendingMsg struct {
	deadline  time.Time
	delivered uint64
}

type consumerState struct {
	name          string
	filter        string
	maxAckPending int
	ackWait       time.Duration
	// cursor is the last stream sequence handed out for the first time.
	cursor    uint64
	pending   map[uint64]*pendingMsg
	delivered uint64
}

type consumer struct {
	srv    *Server
	stream string
	name   string
}

func (c *session) Consumer(_ context.Context, streamName string, cfg bus.ConsumerConfig) (bus.Consumer, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	st, ok := c.srv.streams[streamName]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", streamName, bus.ErrNotFound)
	}
	name := cfg.Durable
	if name == "" {
		name = fmt.Sprintf("ephemeral_%d", len(st.consumers)+1)
	}
	state, ok := st.consumers[name]
	if !ok {
		state = &consumerState{name: name, pending: make(map[uint64]*pendingMsg)}
		st.consumers[name] = state
	}
	state.filter = cfg.FilterSubject
	state.maxAckPending = cfg.MaxAckPending
	state.ackWait = cfg.AckWait
	if state.ackWait <= 0 {
		state.ackWait = 30 * time.Second
	}
	return &consumer{srv: c.srv, stream: streamName, name: name}, nil
}

func (c *consumer) stateLocked() (*stream, *consumerState, error) {
	st, ok := c.srv.streams[c.stream]
	if !ok {
		return nil, nil, fmt.Errorf("stream %s: %w", c.stream, bus.ErrNotFound)
	}
	state, ok := st.consumers[c.name]
	if !ok {
		return nil, nil, fmt.Errorf("consumer %s: %w", c.name, bus.ErrNotFound)
	}
	return st, state, nil
}

func (c *consumer) Info(context.Context) (*bus.ConsumerInfo, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	st, state, err := c.stateLocked()
	if err != nil {
		return nil, err
	}
	var waiting uint64
	for _, m := range st.msgs {
		if m.seq > state.cursor && state.matches(m.subject) {
			waiting++
		}
	}
	return &bus.ConsumerInfo{
		Name:          state.name,
		NumPending:    waiting,
		NumAckPending: len(state.pending),
		Delivered:     state.delivered,
	}, nil
}

func (s *consumerState) matches(subject string) bool {
	return s.filter == "" || subjectMatches(s.filter, subject)
}

func (c *consumer) Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]bus.Msg, error) {
	if batch <= 0 {
		batch = 1
	}
	deadline := time.Now().Add(maxWait)

	for {
		c.srv.mu.Lock()
		if len(c.srv.fetchErrs) > 0 {
			err := c.srv.fetchErrs[0]
			c.srv.fetchErrs = c.srv.fetchErrs[1:]
			c.srv.mu.Unlock()
			return nil, err
		}
		msgs, next, err := c.collectLocked(batch, time.Now())
		wake := c.srv.publish
		c.srv.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, bus.ErrTimeout
		}
		wait := remaining
		if !next.IsZero() {
			if d := time.Until(next); d < wait {
				wait = d
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// collectLocked hands out expired deliveries first, then new messages, while
// the ack-pending window has room. next is the earliest pending deadline.
func (c *consumer) collectLocked(batch int, now time.Time) ([]bus.Msg, time.Time, error) {
	st, state, err := c.stateLocked()
	if err != nil {
		return nil, time.Time{}, err
	}

	var out []bus.Msg
	var next time.Time
	room := func() bool {
		return len(out) < batch
	}

	for seq, p := range state.pending {
		if !room() {
			break
		}
		m := st.find(seq)
		if m == nil {
			delete(state.pending, seq)
			continue
		}
		if p.deadline.After(now) {
			if next.IsZero() || p.deadline.Before(next) {
				next = p.deadline
			}
			continue
		}
		p.delivered++
		p.deadline = now.Add(state.ackWait)
		state.delivered++
		out = append(out, c.newMsg(m, p.delivered))
	}

	for _, m := range st.msgs {
		if !room() {
			break
		}
		if m.seq <= state.cursor {
			continue
		}
		if state.maxAckPending > 0 && len(state.pending) >= state.maxAckPending {
			break
		}
		state.cursor = m.seq
		if !state.matches(m.subject) {
			continue
		}
		p := &pendingMsg{deadline: now.Add(state.ackWait), delivered: 1}
		state.pending[m.seq] = p
		state.delivered++
		out = append(out, c.newMsg(m, 1))
	}
	return out, next, nil
}

func (c *consumer) newMsg(m *storedMsg, delivered uint64) *msg {
	return &msg{
		consumer:  c,
		subject:   m.subject,
		data:      append([]byte(nil), m.data...),
		seq:       m.seq,
		delivered: delivered,
	}
}

type msg struct {
	consumer  *consumer
	subject   string
	data      []byte
	seq       uint64
	delivered uint64
}

func (m *msg) Subject() string      { return m.subject }
func (m *msg) Data() []byte         { return m.data }
func (m *msg) Sequence() uint64     { return m.seq }
func (m *msg) NumDelivered() uint64 { return m.delivered }

func (m *msg) Ack() error  { return m.settle(false) }
func (m *msg) Term() error { return m.settle(false) }

func (m *msg) Nak() error { return m.settle(true) }

func (m *msg) settle(redeliver bool) error {
	srv := m.consumer.srv
	srv.mu.Lock()
	defer srv.mu.Unlock()
	_, state, err := m.consumer.stateLocked()
	if err != nil {
		return err
	}
	p, ok := state.pending[m.seq]
	if !ok || p.delivered != m.delivered {
		return fmt.Errorf("message %d already settled", m.seq)
	}
	if redeliver {
		p.deadline = time.Time{}
		srv.wakeLocked()
		return nil
	}
	delete(state.pending, m.seq)
	srv.wakeLocked()
	return nil
}
