package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeRoundTrip(t *testing.T) {
	err := E(CodeNotFound, "frame %s does not exist", "fr-abc")
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.True(t, IsCode(err, CodeNotFound))
	assert.Equal(t, "NotFound: frame fr-abc does not exist", err.Error())
}

func TestCodeOfWrappedError(t *testing.T) {
	inner := E(CodePayloadTooLarge, "payload is 2 MiB")
	wrapped := fmt.Errorf("append failed: %w", inner)
	assert.Equal(t, CodePayloadTooLarge, CodeOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("disk on fire")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWithDetailAndCause(t *testing.T) {
	cause := errors.New("sqlite: locked")
	err := E(CodeStoreUnavailable, "store write failed").
		WithDetail("attempts", 3).
		WithCause(cause)

	require.NotNil(t, err.Details)
	assert.Equal(t, 3, err.Details["attempts"])
	assert.True(t, errors.Is(err, cause))
	// Message never leaks the cause text
	assert.NotContains(t, err.Message, "locked")
}
