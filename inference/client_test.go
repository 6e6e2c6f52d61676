package inference

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewError("stub", KindRateLimited, "", true, cause)

	require.True(t, errors.Is(err, err))
	require.Equal(t, cause, errors.Unwrap(err))
	require.Contains(t, err.Error(), "boom")
}

func TestAsErrorFindsWrappedError(t *testing.T) {
	inner := NewError("stub", KindUnavailable, "down", true, nil)
	wrapped := errors.Join(errors.New("context"), inner)

	found, ok := AsError(wrapped)
	require.True(t, ok)
	require.Equal(t, inner, found)
}

func TestAsErrorFalseForPlainError(t *testing.T) {
	_, ok := AsError(errors.New("plain"))
	require.False(t, ok)
}
