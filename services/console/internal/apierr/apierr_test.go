package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryNone},
		{"unauthorized", &Error{Status: 401}, CategoryUnauthorized},
		{"forbidden", &Error{Status: 403}, CategoryForbidden},
		{"not found", &Error{Status: 404}, CategoryNotFound},
		{"validation", &Error{Status: 422, Message: "name is required"}, CategoryValidation},
		{"gateway timeout", &Error{Status: 504}, CategoryTimeout},
		{"server", &Error{Status: 502}, CategoryServer},
		{"wrapped api error", fmt.Errorf("list sensors: %w", &Error{Status: 500}), CategoryServer},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), CategoryTimeout},
		{"refused", fmt.Errorf("get: %w", refused), CategoryNetwork},
		{"plain", errors.New("boom"), CategoryUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestMessage_PrefersUpstreamMessageTable(t *testing.T) {
	err := &Error{Status: 401, Message: "Token expired"}
	assert.Equal(t, "Your session has expired. Please log in again.", Message(err))
}

func TestMessage_FallsBackToStatus(t *testing.T) {
	assert.Equal(t, messages["Forbidden"], Message(&Error{Status: 403, Message: "nope"}))
	assert.Equal(t, "Server error (418). Try again later.", Message(&Error{Status: 418}))
}

func TestMessage_TransportFailure(t *testing.T) {
	err := fmt.Errorf("login: %w", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED})
	assert.Equal(t, messages["ECONNREFUSED"], Message(err))
	assert.Equal(t, "Check your network connection and try again.", Hint(err))
}

func TestHint(t *testing.T) {
	assert.Equal(t, "Log in to continue.", Hint(&Error{Status: 401}))
	assert.Equal(t, "Wait a few minutes and try again.", Hint(&Error{Status: 503}))
	assert.Empty(t, Hint(&Error{Status: 400}))
	assert.Empty(t, Hint(nil))
}

func TestUpstreamMessage(t *testing.T) {
	assert.Equal(t, "serial taken", UpstreamMessage(&Error{Status: 409, Message: "serial taken"}, "fallback"))
	assert.Equal(t, "fallback", UpstreamMessage(errors.New("x"), "fallback"))
}
