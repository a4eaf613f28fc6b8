// Package bus defines the durable messaging backend the coordinator is built
// on: streams with pull consumers and explicit acknowledgement, key-value
// buckets with revision checks, and object buckets with change watches.
// Implementations live in subpackages.
package bus

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound reports a missing stream, bucket, key or object.
	ErrNotFound = errors.New("not found")
	// ErrTimeout reports a fetch or request that saw no data before its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrRevisionMismatch reports a conditional update that lost to another writer.
	ErrRevisionMismatch = errors.New("revision mismatch")
	// ErrKeyExists reports a create on a key that already holds a value.
	ErrKeyExists = errors.New("key exists")
	// ErrClosed reports use of a drained session.
	ErrClosed = errors.New("session closed")
)

// DefaultDuplicateWindow is how long a stream remembers message ids for dedupe.
const DefaultDuplicateWindow = 2 * time.Minute

type StreamConfig struct {
	Name       string
	Subjects   []string
	Duplicates time.Duration
}

type StreamInfo struct {
	Config   StreamConfig
	Messages uint64
}

// HasSubject reports whether subject is bound to the stream verbatim.
func (i StreamInfo) HasSubject(subject string) bool {
	for _, s := range i.Config.Subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type PubAck struct {
	Stream    string
	Sequence  uint64
	Duplicate bool
}

type ConsumerConfig struct {
	Durable       string
	FilterSubject string
	MaxAckPending int
	AckWait       time.Duration
}

type ConsumerInfo struct {
	Name          string
	NumPending    uint64
	NumAckPending int
	Delivered     uint64
}

// Msg is one delivery from a pull consumer.
type Msg interface {
	Subject() string
	Data() []byte
	Sequence() uint64
	NumDelivered() uint64
	// Ack marks the message consumed.
	Ack() error
	// Nak asks for redelivery.
	Nak() error
	// Term drops the message for good; it is never redelivered.
	Term() error
}

type Consumer interface {
	// Fetch waits up to maxWait for at most batch messages. It returns
	// ErrTimeout when nothing arrived.
	Fetch(ctx context.Context, batch int, maxWait time.Duration) ([]Msg, error)
	Info(ctx context.Context) (*ConsumerInfo, error)
}

type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

type KeyValue interface {
	Bucket() string
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	// Create writes key only if it holds no value, else ErrKeyExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update writes key only if its current revision is rev, else ErrRevisionMismatch.
	Update(ctx context.Context, key string, value []byte, rev uint64) (uint64, error)
	// Keys lists every key; an empty bucket yields an empty slice.
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, key string) error
}

type ObjectMeta struct {
	Name    string
	Headers map[string]string
}

type ObjectInfo struct {
	Bucket  string
	Name    string
	Size    uint64
	Headers map[string]string
	ModTime time.Time
	Deleted bool
}

type ObjectWatcher interface {
	// Updates yields one ObjectInfo per put or delete after the watch began.
	Updates() <-chan ObjectInfo
	Stop() error
}

type ObjectStore interface {
	Bucket() string
	Put(ctx context.Context, meta ObjectMeta, r io.Reader) (*ObjectInfo, error)
	// Get streams the object; the caller closes the reader.
	Get(ctx context.Context, name string) (io.ReadCloser, *ObjectInfo, error)
	List(ctx context.Context) ([]ObjectInfo, error)
	Delete(ctx context.Context, name string) error
	Watch(ctx context.Context) (ObjectWatcher, error)
}

// ObjectStores opens and creates object buckets. It is split out of Session
// so an external object store can replace the backend's own.
type ObjectStores interface {
	ObjectStore(ctx context.Context, bucket string) (ObjectStore, error)
	CreateObjectStore(ctx context.Context, bucket string) (ObjectStore, error)
}

// Session is a live connection to the backend.
type Session interface {
	ObjectStores

	Stream(ctx context.Context, name string) (*StreamInfo, error)
	CreateStream(ctx context.Context, cfg StreamConfig) (*StreamInfo, error)
	UpdateStream(ctx context.Context, cfg StreamConfig) (*StreamInfo, error)
	DeleteStream(ctx context.Context, name string) error
	// PurgeStream removes the messages on subject, or all messages when subject
	// is empty. Their message ids stay in the duplicate window.
	PurgeStream(ctx context.Context, name, subject string) error

	// Publish appends data on subject. A non-empty msgID is the dedupe key:
	// a repeat inside the stream's duplicate window is acknowledged with
	// Duplicate set and not stored again.
	Publish(ctx context.Context, subject string, data []byte, msgID string) (*PubAck, error)

	// Consumer creates or updates the durable pull consumer on stream.
	Consumer(ctx context.Context, stream string, cfg ConsumerConfig) (Consumer, error)

	KeyValue(ctx context.Context, bucket string) (KeyValue, error)
	CreateKeyValue(ctx context.Context, bucket string) (KeyValue, error)

	// Close drains pending work and closes the connection.
	Close(ctx context.Context) error
}

// Dialer opens sessions. Each call is one connection attempt.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

type objectOverride struct {
	Session
	objects ObjectStores
}

func (o objectOverride) ObjectStore(ctx context.Context, bucket string) (ObjectStore, error) {
	return o.objects.ObjectStore(ctx, bucket)
}

func (o objectOverride) CreateObjectStore(ctx context.Context, bucket string) (ObjectStore, error) {
	return o.objects.CreateObjectStore(ctx, bucket)
}

// WithObjectStores routes the session's object buckets to objects.
func WithObjectStores(s Session, objects ObjectStores) Session {
	return objectOverride{Session: s, objects: objects}
}

// WithObjectStoresDialer wraps every session dialed by d with WithObjectStores.
func WithObjectStoresDialer(d Dialer, objects ObjectStores) Dialer {
	return DialerFunc(func(ctx context.Context) (Session, error) {
		s, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return WithObjectStores(s, objects), nil
	})
}
