package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type JobType string

const (
	JobTypeAcquire   JobType = "acquire"
	JobTypeProcess   JobType = "process"
	JobTypeTrain     JobType = "train"
	JobTypeInference JobType = "inference"
)

var JobTypes = []JobType{JobTypeAcquire, JobTypeProcess, JobTypeTrain, JobTypeInference}

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidParams  = errors.New("invalid job params")
)

func ParseJobType(s string) (JobType, error) {
	for _, t := range JobTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownJobType, s)
}

type DataSource string

const (
	DataSourceLocal        DataSource = "local"
	DataSourceStreamToFile DataSource = "stream_to_file"
	DataSourceObjectStore  DataSource = "object_store"
)

// JobParams is the tagged union of per-type parameters. The variant always
// matches the owning job's Type.
type JobParams interface {
	JobType() JobType
	Validate() error
}

type AcquireParams struct {
	DataSource DataSource        `json:"data_source" jsonschema:"required,enum=local,enum=stream_to_file,enum=object_store"`
	Location   string            `json:"location,omitempty" jsonschema:"description=Local path for data_source=local"`
	ResourceID string            `json:"resource_id,omitempty" jsonschema:"description=Object name in the jobs object store"`
	Options    map[string]string `json:"acquisition_options,omitempty" jsonschema:"description=Source specific options (subject and batch_size for stream_to_file)"`
}

type ProcessParams struct {
	Model      string            `json:"model" jsonschema:"required,description=Registered pipeline name"`
	ResourceID string            `json:"resource_id,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

type TrainParams struct {
	Model      string            `json:"model" jsonschema:"required,description=Registered trainer name"`
	ResourceID string            `json:"resource_id,omitempty"`
	Epochs     int               `json:"epochs,omitempty" jsonschema:"minimum=0"`
	Options    map[string]string `json:"options,omitempty"`
}

type InferenceParams struct {
	Model   string   `json:"model,omitempty"`
	Query   string   `json:"query,omitempty"`
	Prompt  string   `json:"prompt,omitempty"`
	Context []string `json:"context,omitempty"`
	Subject string   `json:"subject,omitempty" jsonschema:"description=Category to pulse the generated payload to"`
}

func (AcquireParams) JobType() JobType   { return JobTypeAcquire }
func (ProcessParams) JobType() JobType   { return JobTypeProcess }
func (TrainParams) JobType() JobType     { return JobTypeTrain }
func (InferenceParams) JobType() JobType { return JobTypeInference }

func (p AcquireParams) Validate() error {
	switch p.DataSource {
	case DataSourceLocal:
		if p.Location == "" {
			return fmt.Errorf("%w: local acquisition needs a location", ErrInvalidParams)
		}
		if p.ResourceID == "" {
			return fmt.Errorf("%w: local acquisition needs a resource_id", ErrInvalidParams)
		}
	case DataSourceObjectStore:
		if p.ResourceID == "" {
			return fmt.Errorf("%w: object store acquisition needs a resource_id", ErrInvalidParams)
		}
	case DataSourceStreamToFile:
	default:
		return fmt.Errorf("%w: unsupported data_source %q", ErrInvalidParams, p.DataSource)
	}
	return nil
}

func (p ProcessParams) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("%w: process needs a model", ErrInvalidParams)
	}
	return nil
}

func (p TrainParams) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("%w: train needs a model", ErrInvalidParams)
	}
	if p.Epochs < 0 {
		return fmt.Errorf("%w: epochs must not be negative", ErrInvalidParams)
	}
	return nil
}

func (InferenceParams) Validate() error { return nil }

// Job is a unit of requested work, stored in the jobs bucket under ID.
type Job struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	Params    JobParams `json:"params"`
	IsClaimed bool      `json:"is_claimed"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJobID builds "{type}.{session}.{suffix}".
func NewJobID(t JobType, session, suffix string) string {
	return fmt.Sprintf("%s.%s.%s", t, session, suffix)
}

func (j *Job) UnmarshalJSON(b []byte) error {
	var aux struct {
		ID        string          `json:"id"`
		Type      JobType         `json:"type"`
		Params    json.RawMessage `json:"params"`
		IsClaimed bool            `json:"is_claimed"`
		Attempts  int             `json:"attempts"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	params, err := DecodeParams(aux.Type, aux.Params)
	if err != nil {
		return fmt.Errorf("job %s: %w", aux.ID, err)
	}
	*j = Job{
		ID:        aux.ID,
		Type:      aux.Type,
		Params:    params,
		IsClaimed: aux.IsClaimed,
		Attempts:  aux.Attempts,
		CreatedAt: aux.CreatedAt,
	}
	return nil
}

// DecodeParams parses raw into the params variant for t.
func DecodeParams(t JobType, raw json.RawMessage) (JobParams, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	switch t {
	case JobTypeAcquire:
		p, err := decodeParams[AcquireParams](raw)
		if err == nil && p.DataSource == "stream_to_csv" {
			p.DataSource = DataSourceStreamToFile
		}
		return p, err
	case JobTypeProcess:
		return decodeParams[ProcessParams](raw)
	case JobTypeTrain:
		return decodeParams[TrainParams](raw)
	case JobTypeInference:
		return decodeParams[InferenceParams](raw)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownJobType, t)
	}
}

func decodeParams[T JobParams](raw json.RawMessage) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return v, nil
}
