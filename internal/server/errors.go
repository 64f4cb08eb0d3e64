package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// writeError maps engine and store errors onto HTTP statuses
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		encErr   *model.EncodingError
		transErr *model.InvalidTransitionError
		certErr  *model.CertificateError
		signErr  *model.SigningError
	)

	switch {
	case errors.As(err, &encErr):
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:  "invalid invoice",
			Fields: encErr.Fields,
		})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "record not found"})
	case errors.As(err, &transErr):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "invalid transition",
			Code:    string(model.KindInvalidTransition),
			Details: transErr.Error(),
		})
	case errors.Is(err, model.ErrIdempotencyReuse):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "idempotency key reused", Details: err.Error()})
	case errors.Is(err, model.ErrNotIssued):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, model.ErrLockNotAcquired), errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "record busy, retry later"})
	case errors.As(err, &certErr):
		status := http.StatusBadRequest
		if certErr.Code == model.CertCodeUnknownHandle {
			status = http.StatusNotFound
		}
		c.JSON(status, ErrorResponse{Error: "certificate error", Code: certErr.Code, Details: certErr.Message})
	case errors.As(err, &signErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "certificate not usable", Code: signErr.Reason, Details: signErr.Message})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}
