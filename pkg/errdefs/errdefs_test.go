package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicatesMatchWrappedErrors(t *testing.T) {
	err := NotFound("file %s", "abc123")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
	assert.Contains(t, err.Error(), "abc123")

	// Predicates survive further wrapping.
	wrapped := fmt.Errorf("lookup failed: %w", err)
	assert.True(t, IsNotFound(wrapped))
}

func TestTransientIOPreservesCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := TransientIO(cause)

	assert.True(t, IsTransientIO(err))
	assert.True(t, errors.Is(err, cause))

	assert.Nil(t, TransientIO(nil))
	assert.Nil(t, RemoteUnavailable(nil))
}

func TestDistinctClasses(t *testing.T) {
	classes := []error{
		ErrNotFound, ErrAlreadyExists, ErrInvalidArgument, ErrConflict,
		ErrLockFailed, ErrIntegrity, ErrTransientIO, ErrRemoteUnavailable,
	}
	for i, a := range classes {
		for j, b := range classes {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v must not match %v", a, b)
		}
	}
}
