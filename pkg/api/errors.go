// Package api exposes the HTTP and SSE surface under /api/v1.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentum-ai/agentum/pkg/services"
)

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

// mapServiceError translates service-layer errors to HTTP status codes.
// Unrecognized errors become opaque 500s; the detail goes to the log, not
// the client.
func mapServiceError(c *gin.Context, err error) {
	var vErr *services.ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: vErr.Error()})
	case errors.Is(err, services.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "session not found"})
	case errors.Is(err, services.ErrNotCancellable):
		c.JSON(http.StatusConflict, errorResponse{Error: "session is not cancellable"})
	case errors.Is(err, services.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, errorResponse{Error: "session already running"})
	case errors.Is(err, services.ErrNotFinished):
		c.JSON(http.StatusConflict, errorResponse{Error: "session has not finished"})
	case errors.Is(err, services.ErrNotResumable):
		c.JSON(http.StatusGone, errorResponse{Error: "session is not resumable"})
	case errors.Is(err, services.ErrCapacity):
		c.JSON(http.StatusTooManyRequests, errorResponse{Error: "server at capacity, retry later"})
	default:
		slog.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
