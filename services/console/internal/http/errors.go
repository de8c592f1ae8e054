package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vgold/heatwatch/services/console/internal/apierr"
)

// respondUpstreamError maps a failed upstream call onto a response with the
// operator-facing message and hint.
func respondUpstreamError(c *gin.Context, err error) {
	_ = c.Error(err)

	body := gin.H{"error": apierr.Message(err)}
	if hint := apierr.Hint(err); hint != "" {
		body["hint"] = hint
	}

	status := http.StatusBadGateway
	switch apierr.Classify(err) {
	case apierr.CategoryUnauthorized:
		status = http.StatusUnauthorized
		body["redirect"] = "/login"
	case apierr.CategoryForbidden:
		status = http.StatusForbidden
	case apierr.CategoryNotFound:
		status = http.StatusNotFound
	case apierr.CategoryValidation:
		status = http.StatusBadRequest
		if code := apierr.Status(err); code >= 400 && code < 500 {
			status = code
		}
	case apierr.CategoryTimeout:
		status = http.StatusGatewayTimeout
	case apierr.CategoryUnknown:
		status = http.StatusInternalServerError
	}
	c.JSON(status, body)
}
