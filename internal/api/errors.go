package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"trustlink-chat/pkg/chat"
)

type ErrorResponse struct {
	Error string `json:"error" example:"Incident not found"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError answers with the status mapped from err. Internal errors are
// not echoed to the client.
func abortWithError(c *gin.Context, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		message = "Internal server error"
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: message})
}
