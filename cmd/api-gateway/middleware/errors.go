package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/pkg/types"
	"github.com/rs/zerolog/log"
)

// StatusForError maps the error taxonomy to an HTTP status code
func StatusForError(err error) int {
	switch {
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrUpstreamVerification):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AbortWithError writes the JSON error body for err and stops the chain.
// Internal errors are logged and not echoed to the client.
func AbortWithError(c *gin.Context, err error) {
	status := StatusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
		message = "internal server error"
	}
	c.AbortWithStatusJSON(status, types.ErrorResponse{Error: message})
}
