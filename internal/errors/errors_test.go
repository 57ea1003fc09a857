package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicatesWalkWrappedChain(t *testing.T) {
	base := New(ErrorTypeForwarding, "remote call failed", fmt.Errorf("connection refused"))
	wrapped := fmt.Errorf("route put: %w", base)

	assert.True(t, IsForwarding(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, ErrorTypeForwarding, TypeOf(wrapped))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not found", NotFound("a"), false},
		{"unauthorized", New(ErrorTypeUnauthorized, "no token", nil), false},
		{"storage", Storage("write failed", nil), false},
		{"forwarding", New(ErrorTypeForwarding, "down", nil), true},
		{"timeout", New(ErrorTypeTimeout, "slow", nil), true},
		{"plain", fmt.Errorf("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(ErrorTypeStorage, "failed to write segment", fmt.Errorf("disk full"))
	assert.Equal(t, "STORAGE: failed to write segment (disk full)", err.Error())
	assert.Contains(t, err.Stack, "errors_test.go")

	assert.Equal(t, "NOT_FOUND: key not found: k", NotFound("k").Error())
}

func TestRecoverError(t *testing.T) {
	assert.Nil(t, RecoverError(nil))
	err := RecoverError("boom")
	assert.True(t, IsInternal(err))
	assert.Contains(t, err.Error(), "boom")
}
