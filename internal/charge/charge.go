// Package charge publishes onto the bus: payloads onto a category (pulse),
// jobs into the jobs bucket (excite), and destructive stream maintenance
// (emp, reset) guarded by name.
package charge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Prismadic/magnet/common/id"
	"github.com/Prismadic/magnet/common/logger"
	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/model"
	"github.com/Prismadic/magnet/internal/prism"
	"github.com/Prismadic/magnet/internal/status"
)

var ErrNameMismatch = errors.New("charge: name does not match the configured stream or category")

// Receipt describes where a pulse landed. Object is set for file payloads,
// which go to the object store instead of the stream.
type Receipt struct {
	Stream    string
	Subject   string
	Sequence  uint64
	Duplicate bool
	Hash      string
	Object    *bus.ObjectInfo
	Timestamp time.Time
}

type Charge struct {
	prism    *prism.Prism
	status   *status.Reporter
	category string
	now      func() time.Time
}

func New(p *prism.Prism) *Charge {
	return &Charge{
		prism:    p,
		status:   p.Status(),
		category: p.Config().Category,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// On makes category (the configured one when empty) the default pulse
// target, adding it to the stream if it is missing.
func (c *Charge) On(ctx context.Context, category string) error {
	if category == "" {
		category = c.prism.Config().Category
	}
	if err := c.prism.EnsureCategory(ctx, category); err != nil {
		return err
	}
	c.category = category
	return nil
}

func (c *Charge) Category() string { return c.category }

type pulseOptions struct {
	subject string
	stream  string
	verbose bool
}

type PulseOption func(*pulseOptions)

func WithSubject(subject string) PulseOption {
	return func(o *pulseOptions) { o.subject = subject }
}

// WithStream names the stream the subject must belong to.
func WithStream(stream string) PulseOption {
	return func(o *pulseOptions) { o.stream = stream }
}

// WithVerbose reports every successful pulse as a success event.
func WithVerbose() PulseOption {
	return func(o *pulseOptions) { o.verbose = true }
}

// ContentHash is the dedupe key of an encoded payload.
func ContentHash(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Pulse publishes payload. Republishing identical content inside the stream's
// duplicate window is acknowledged as a duplicate and stored once. On failure
// a fatal event is emitted and the receipt is nil.
func (c *Charge) Pulse(ctx context.Context, payload model.Payload, opts ...PulseOption) (*Receipt, error) {
	o := pulseOptions{subject: c.category, stream: c.prism.Config().StreamName}
	for _, opt := range opts {
		opt(&o)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "magnet.charge", Subject: logger.Ptr(o.subject)})

	receipt, err := c.pulse(ctx, payload, o)
	if err != nil {
		c.status.Fatal(ctx, "could not pulse data to %s: %v", c.prism.Config().Host, err)
		return nil, err
	}
	return receipt, nil
}

func (c *Charge) pulse(ctx context.Context, payload model.Payload, o pulseOptions) (*Receipt, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", model.ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	if file, ok := payload.(model.FilePayload); ok {
		return c.upload(ctx, file, o)
	}

	session, err := c.prism.Session()
	if err != nil {
		return nil, err
	}
	if o.stream != "" {
		info, err := session.Stream(ctx, o.stream)
		if err != nil {
			return nil, fmt.Errorf("stream %s: %w", o.stream, err)
		}
		if !info.HasSubject(o.subject) {
			return nil, fmt.Errorf("subject %s is not bound to stream %s: %w", o.subject, o.stream, bus.ErrNotFound)
		}
	}

	data, err := model.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	hash := ContentHash(data)

	ack, err := session.Publish(ctx, o.subject, data, hash)
	if err != nil {
		return nil, fmt.Errorf("publish to %s: %w", o.subject, err)
	}

	if ack.Duplicate {
		slog.DebugContext(ctx, "duplicate pulse", "hash", hash, "sequence", ack.Sequence)
	}
	if o.verbose {
		c.status.Success(ctx, "pulsed %s to %s on %s", payload.Key(), o.subject, ack.Stream)
	}
	return &Receipt{
		Stream:    ack.Stream,
		Subject:   o.subject,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
		Hash:      hash,
		Timestamp: c.now(),
	}, nil
}

// upload puts a file payload into the jobs object bucket, keyed by its id,
// with the original extension as the "ext" header.
func (c *Charge) upload(ctx context.Context, file model.FilePayload, o pulseOptions) (*Receipt, error) {
	store, err := c.prism.JobObjects()
	if err != nil {
		return nil, err
	}
	ext := strings.TrimPrefix(filepath.Ext(file.OriginalFilename), ".")
	info, err := store.Put(ctx, bus.ObjectMeta{
		Name: file.ID,
		Headers: map[string]string{
			"ext":               ext,
			"original_filename": file.OriginalFilename,
		},
	}, bytes.NewReader(file.Data))
	if err != nil {
		return nil, fmt.Errorf("upload %s to %s: %w", file.ID, store.Bucket(), err)
	}
	if o.verbose {
		c.status.Success(ctx, "uploaded to object store in bucket %s as %s", store.Bucket(), file.ID)
	}
	return &Receipt{
		Hash:      ContentHash(file.Data),
		Object:    info,
		Timestamp: c.now(),
	}, nil
}

// Excite creates a job of type t in the jobs bucket. It does not publish.
func (c *Charge) Excite(ctx context.Context, t model.JobType, params model.JobParams) (*model.Job, error) {
	job, err := c.excite(ctx, t, params)
	if err != nil {
		c.status.Fatal(ctx, "failed to create %s job: %v", t, err)
		return nil, err
	}
	c.status.Info(logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(job.ID)}), "created %s job %s", t, job.ID)
	return job, nil
}

func (c *Charge) excite(ctx context.Context, t model.JobType, params model.JobParams) (*model.Job, error) {
	if _, err := model.ParseJobType(string(t)); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, fmt.Errorf("%w: nil params", model.ErrInvalidParams)
	}
	if params.JobType() != t {
		return nil, fmt.Errorf("%w: %s params for a %s job", model.ErrInvalidParams, params.JobType(), t)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	jobs, err := c.prism.Jobs()
	if err != nil {
		return nil, err
	}
	job := &model.Job{
		ID:        model.NewJobID(t, c.prism.Config().Session, id.NewString()),
		Type:      t,
		Params:    params,
		CreatedAt: c.now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	if _, err := jobs.Create(ctx, job.ID, data); err != nil {
		return nil, fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return job, nil
}

// Emp deletes the configured stream. name must equal the stream name.
func (c *Charge) Emp(ctx context.Context, name string) error {
	stream := c.prism.Config().StreamName
	if name == "" || name != stream {
		err := fmt.Errorf("%w: %q", ErrNameMismatch, name)
		c.status.Fatal(ctx, "name doesn't match the stream or stream doesn't exist")
		return err
	}
	session, err := c.prism.Session()
	if err != nil {
		c.status.Fatal(ctx, "could not delete %s: %v", stream, err)
		return err
	}
	if err := session.DeleteStream(ctx, stream); err != nil {
		c.status.Fatal(ctx, "could not delete %s: %v", stream, err)
		return err
	}
	c.status.Warn(ctx, "%s stream deleted", stream)
	return nil
}

// Reset purges the configured category from the stream. name must equal the
// category. Pulses of content already seen inside the stream's duplicate
// window keep being acknowledged as duplicates after the purge.
func (c *Charge) Reset(ctx context.Context, name string) error {
	category := c.prism.Config().Category
	if name == "" || name != category {
		err := fmt.Errorf("%w: %q", ErrNameMismatch, name)
		c.status.Fatal(ctx, "name doesn't match the stream category or category doesn't exist")
		return err
	}
	session, err := c.prism.Session()
	if err != nil {
		c.status.Fatal(ctx, "could not purge %s: %v", category, err)
		return err
	}
	stream := c.prism.Config().StreamName
	if err := session.PurgeStream(ctx, stream, category); err != nil {
		c.status.Fatal(ctx, "could not purge %s: %v", category, err)
		return err
	}
	c.status.Warn(ctx, "%s category deleted", category)

	// A purge does not clear message ids, so content pulsed shortly before
	// it is still acknowledged as a duplicate and not stored again.
	window := bus.DefaultDuplicateWindow
	if info, err := session.Stream(ctx, stream); err == nil && info.Config.Duplicates > 0 {
		window = info.Config.Duplicates
	}
	c.status.Warn(ctx, "content pulsed to %s in the last %s is still deduplicated", category, window)
	return nil
}
