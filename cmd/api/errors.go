package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/metrics"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/packaging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/rendition"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/source"
)

// statusForError maps pipeline errors onto HTTP status codes
func statusForError(err error) int {
	var encodeErr *packaging.EncodeError

	switch {
	case errors.Is(err, source.ErrInvalidIdentity), errors.Is(err, rendition.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, source.ErrSourceNotFound), errors.Is(err, rendition.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, source.ErrAmbiguousSource):
		return http.StatusConflict
	// an encoder timeout wraps DeadlineExceeded but is a job failure
	case errors.As(err, &encodeErr), errors.Is(err, packaging.ErrManifestWrite):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes a JSON error and logs server-side failures
func respondError(c *gin.Context, logger *logging.Logger, err error) {
	status := statusForError(err)
	body := gin.H{"error": err.Error()}

	var encodeErr *packaging.EncodeError
	if errors.As(err, &encodeErr) {
		body["error"] = "packaging failed"
		body["profile"] = encodeErr.Profile
	}

	if status >= http.StatusInternalServerError {
		logger.WithField("path", c.Request.URL.Path).ErrorWithErr("Request failed", err)
		metrics.RecordError("api", http.StatusText(status))
	}

	c.AbortWithStatusJSON(status, body)
}
