package dto

import (
	"encoding/json"
	"time"

	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/model"
)

type CreateJobRequest struct {
	Type   string          `json:"type" binding:"required"`
	Params json.RawMessage `json:"params"`
}

type PulseRequest struct {
	Kind    string          `json:"kind" binding:"required"`
	Data    json.RawMessage `json:"data" binding:"required"`
	Subject string          `json:"subject,omitempty"`
}

type ReceiptResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Hash      string    `json:"hash"`
	Bucket    string    `json:"bucket,omitempty"`
	Object    string    `json:"object,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Duplicate bool      `json:"duplicate"`
}

type JobListResponse struct {
	Jobs  []model.Job `json:"jobs"`
	Total int         `json:"total"`
}

func ToReceiptResponse(r *charge.Receipt) *ReceiptResponse {
	resp := &ReceiptResponse{
		Timestamp: r.Timestamp,
		Stream:    r.Stream,
		Subject:   r.Subject,
		Hash:      r.Hash,
		Sequence:  r.Sequence,
		Duplicate: r.Duplicate,
	}
	if r.Object != nil {
		resp.Bucket = r.Object.Bucket
		resp.Object = r.Object.Name
	}
	return resp
}
