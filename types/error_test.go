package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrServerError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("openai")

	assert.Equal(t, ErrServerError, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[openai/SERVER_ERROR] upstream failed: root", err.Error())
}

func TestError_FoundThroughWrapping(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrRateLimited, "slow down").WithRetryable(true)
	wrapped := fmt.Errorf("attempt 2: %w", inner)

	got, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Same(t, inner, got)
	assert.Equal(t, ErrRateLimited, GetErrorCode(wrapped))
	assert.True(t, IsRetryable(wrapped))

	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
