package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type PayloadKind string

const (
	PayloadKindText      PayloadKind = "text"
	PayloadKindFile      PayloadKind = "file"
	PayloadKindGenerated PayloadKind = "generated"
	PayloadKindEmbedding PayloadKind = "embedding"
)

var (
	ErrUnknownPayload = errors.New("unknown payload kind")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Payload is the closed set of values carried on the bus. Exactly one
// variant is active per message.
type Payload interface {
	Kind() PayloadKind
	// Key names the payload in status events (document or object id).
	Key() string
	Validate() error
	isPayload()
}

type TextPayload struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
}

// FilePayload never travels on a stream; its bytes go to the object store
// keyed by ID.
type FilePayload struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	Data             []byte `json:"-"`
}

type GeneratedPayload struct {
	Query   string   `json:"query"`
	Prompt  string   `json:"prompt"`
	Context []string `json:"context"`
	Result  string   `json:"result"`
	Model   string   `json:"model"`
}

type EmbeddingPayload struct {
	DocumentID string    `json:"document_id"`
	Embedding  []float32 `json:"embedding"`
	Text       string    `json:"text"`
	Model      string    `json:"model"`
}

func (TextPayload) Kind() PayloadKind      { return PayloadKindText }
func (FilePayload) Kind() PayloadKind      { return PayloadKindFile }
func (GeneratedPayload) Kind() PayloadKind { return PayloadKindGenerated }
func (EmbeddingPayload) Kind() PayloadKind { return PayloadKindEmbedding }

func (p TextPayload) Key() string      { return p.DocumentID }
func (p FilePayload) Key() string      { return p.ID }
func (p GeneratedPayload) Key() string { return p.Model }
func (p EmbeddingPayload) Key() string { return p.DocumentID }

func (TextPayload) isPayload()      {}
func (FilePayload) isPayload()      {}
func (GeneratedPayload) isPayload() {}
func (EmbeddingPayload) isPayload() {}

func (p TextPayload) Validate() error {
	if p.DocumentID == "" {
		return fmt.Errorf("%w: text payload missing document_id", ErrInvalidPayload)
	}
	return nil
}

func (p FilePayload) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: file payload missing id", ErrInvalidPayload)
	}
	return nil
}

func (p GeneratedPayload) Validate() error {
	if p.Query == "" && p.Prompt == "" {
		return fmt.Errorf("%w: generated payload needs a query or prompt", ErrInvalidPayload)
	}
	return nil
}

func (p EmbeddingPayload) Validate() error {
	if p.DocumentID == "" {
		return fmt.Errorf("%w: embedding payload missing document_id", ErrInvalidPayload)
	}
	if len(p.Embedding) == 0 {
		return fmt.Errorf("%w: embedding payload has an empty vector", ErrInvalidPayload)
	}
	return nil
}

type envelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serializes the active variant into its canonical wire form.
// Identical payloads always produce identical bytes, which is what makes the
// content hash usable as a dedupe key.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(envelope{Kind: p.Kind(), Data: data})
}

// DecodePayload reverses EncodePayload. Unknown kinds, unknown fields and
// variants failing validation are rejected.
func DecodePayload(b []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var p Payload
	var err error
	switch env.Kind {
	case PayloadKindText:
		p, err = decodeStrict[TextPayload](env.Data)
	case PayloadKindFile:
		p, err = decodeStrict[FilePayload](env.Data)
	case PayloadKindGenerated:
		p, err = decodeStrict[GeneratedPayload](env.Data)
	case PayloadKindEmbedding:
		p, err = decodeStrict[EmbeddingPayload](env.Data)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownPayload, env.Kind)
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeStrict[T any](raw json.RawMessage) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}
