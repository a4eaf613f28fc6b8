package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Prismadic/magnet/internal/bus"
	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/model"
)

func respondError(c *gin.Context, err error, msg string) {
	ctx := c.Request.Context()
	switch {
	case errors.Is(err, bus.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, model.ErrInvalidParams),
		errors.Is(err, model.ErrUnknownJobType),
		errors.Is(err, model.ErrInvalidPayload),
		errors.Is(err, model.ErrUnknownPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, charge.ErrNameMismatch), errors.Is(err, charge.ErrRunActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, bus.ErrKeyExists), errors.Is(err, bus.ErrRevisionMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.ErrorContext(ctx, msg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
