package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/http/dto"
	"github.com/Prismadic/magnet/internal/model"
)

const maxUploadBytes = 64 << 20

type StreamService interface {
	Pulse(ctx context.Context, payload model.Payload, opts ...charge.PulseOption) (*charge.Receipt, error)
	Emp(ctx context.Context, name string) error
	Reset(ctx context.Context, name string) error
}

type StreamHandler struct {
	streams StreamService
}

func NewStreamHandler(streams StreamService) *StreamHandler {
	return &StreamHandler{streams: streams}
}

// Pulse publishes one payload. File payloads go through Upload instead.
func (h *StreamHandler) Pulse(c *gin.Context) {
	var req dto.PulseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if model.PayloadKind(req.Kind) == model.PayloadKindFile {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file payloads are uploaded to /api/v1/objects/:id"})
		return
	}

	raw, err := json.Marshal(map[string]any{"kind": req.Kind, "data": req.Data})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := model.DecodePayload(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var opts []charge.PulseOption
	if req.Subject != "" {
		opts = append(opts, charge.WithSubject(req.Subject))
	}
	receipt, err := h.streams.Pulse(c.Request.Context(), payload, opts...)
	if err != nil {
		respondError(c, err, "failed to pulse payload")
		return
	}

	code := http.StatusAccepted
	if receipt.Duplicate {
		code = http.StatusOK
	}
	c.JSON(code, dto.ToReceiptResponse(receipt))
}

// Upload stores the multipart "file" field in the jobs object store under :id.
func (h *StreamHandler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	if fh.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	receipt, err := h.streams.Pulse(c.Request.Context(), model.FilePayload{
		ID:               c.Param("id"),
		OriginalFilename: filepath.Base(fh.Filename),
		Data:             data,
	})
	if err != nil {
		respondError(c, err, "failed to upload object")
		return
	}
	c.JSON(http.StatusCreated, dto.ToReceiptResponse(receipt))
}

func (h *StreamHandler) DeleteStream(c *gin.Context) {
	if err := h.streams.Emp(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err, "failed to delete stream")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) PurgeCategory(c *gin.Context) {
	if err := h.streams.Reset(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, err, "failed to purge category")
		return
	}
	c.Status(http.StatusNoContent)
}
