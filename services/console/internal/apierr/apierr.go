// Package apierr classifies upstream and transport failures into the
// categories the console reacts to, and renders them as user-facing text.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Category is the coarse failure class of an error.
type Category string

const (
	CategoryNone         Category = ""
	CategoryNetwork      Category = "network"
	CategoryTimeout      Category = "timeout"
	CategoryUnauthorized Category = "unauthorized"
	CategoryForbidden    Category = "forbidden"
	CategoryNotFound     Category = "not_found"
	CategoryValidation   Category = "validation"
	CategoryServer       Category = "server"
	CategoryUnknown      Category = "unknown"
)

// Error is a non-2xx response from the remote API.
type Error struct {
	Status  int
	Message string
	Path    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s", e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Path, e.Status, http.StatusText(e.Status))
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsUnauthorized reports whether err is a 401 from the remote API.
func IsUnauthorized(err error) bool {
	return Status(err) == http.StatusUnauthorized
}

// Classify maps err onto a Category.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusUnauthorized:
			return CategoryUnauthorized
		case apiErr.Status == http.StatusForbidden:
			return CategoryForbidden
		case apiErr.Status == http.StatusNotFound:
			return CategoryNotFound
		case apiErr.Status == http.StatusGatewayTimeout:
			return CategoryTimeout
		case apiErr.Status >= 400 && apiErr.Status < 500:
			return CategoryValidation
		case apiErr.Status >= 500:
			return CategoryServer
		}
		return CategoryUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	if transportCode(err) != "" {
		return CategoryNetwork
	}
	return CategoryUnknown
}

var messages = map[string]string{
	"ERR_NETWORK":  "No connection to the server. Check your network connection.",
	"ECONNREFUSED": "The server is unavailable. Try again later.",
	"ETIMEDOUT":    "The server took too long to respond.",

	"Unauthorized":        "Invalid username or password.",
	"Invalid credentials": "Invalid username or password.",
	"Token expired":       "Your session has expired. Please log in again.",
	"Invalid token":       "Your session is no longer valid. Please log in again.",

	"Forbidden":     "You do not have permission to perform this action.",
	"Access denied": "Access denied.",

	"Not Found":        "The requested data was not found.",
	"Validation Error": "Check the values you entered.",
	"Bad Request":      "The request was malformed.",

	"Internal Server Error": "Server error. Try again later.",
	"Service Unavailable":   "The service is temporarily unavailable. Try again later.",
	"Bad Gateway":           "Gateway error. Try again later.",
	"Gateway Timeout":       "The server is not responding. Try again later.",
}

// Message returns a user-facing description of err.
func Message(err error) string {
	if err == nil {
		return "An unknown error occurred."
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		if msg, ok := messages[apiErr.Message]; ok {
			return msg
		}
		switch apiErr.Status {
		case http.StatusBadRequest:
			return messages["Bad Request"]
		case http.StatusUnauthorized:
			return messages["Unauthorized"]
		case http.StatusForbidden:
			return messages["Forbidden"]
		case http.StatusNotFound:
			return messages["Not Found"]
		case http.StatusInternalServerError:
			return messages["Internal Server Error"]
		case http.StatusBadGateway:
			return messages["Bad Gateway"]
		case http.StatusServiceUnavailable:
			return messages["Service Unavailable"]
		case http.StatusGatewayTimeout:
			return messages["Gateway Timeout"]
		}
		return fmt.Sprintf("Server error (%d). Try again later.", apiErr.Status)
	}

	if code := transportCode(err); code != "" {
		return messages[code]
	}
	if msg, ok := messages[err.Error()]; ok {
		return msg
	}
	return "Something went wrong. Please try again."
}

// Hint returns a suggested next step for the user, or "".
func Hint(err error) string {
	if err == nil {
		return ""
	}
	switch code := transportCode(err); code {
	case "ERR_NETWORK", "ECONNREFUSED":
		return "Check your network connection and try again."
	}
	status := Status(err)
	switch {
	case status == http.StatusUnauthorized:
		return "Log in to continue."
	case status == http.StatusForbidden:
		return "Ask an administrator for access."
	case status == http.StatusNotFound:
		return "Make sure the address is correct."
	case status >= 500:
		return "Wait a few minutes and try again."
	}
	return ""
}

// UpstreamMessage returns the server-provided message when err carries one.
func UpstreamMessage(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) && strings.TrimSpace(apiErr.Message) != "" {
		return apiErr.Message
	}
	return fallback
}

// transportCode names the transport failure behind err, or "" when err is
// not a transport failure.
func transportCode(err error) string {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "ECONNREFUSED"
	case errors.Is(err, syscall.ETIMEDOUT):
		return "ETIMEDOUT"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "ERR_NETWORK"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "ERR_NETWORK"
	}
	return ""
}
