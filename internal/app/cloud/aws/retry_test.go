package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPIError struct{ code string }

func (e *fakeAPIError) Error() string     { return "api error: " + e.code }
func (e *fakeAPIError) ErrorCode() string { return e.code }

func TestIsTransientErrClassifiesKnownCodes(t *testing.T) {
	assert.True(t, isTransientErr(&fakeAPIError{code: "Throttling"}))
	assert.True(t, isTransientErr(&fakeAPIError{code: "RequestLimitExceeded"}))
	assert.False(t, isTransientErr(&fakeAPIError{code: "InvalidInstanceID.NotFound"}))
	assert.False(t, isTransientErr(nil))
}

func TestIsTransientErrClassifiesDeadlineExceeded(t *testing.T) {
	assert.True(t, isTransientErr(context.DeadlineExceeded))
}

func TestRetryTransientRetriesOnlyTransientFailures(t *testing.T) {
	attempts := 0
	err := retryTransient(context.Background(), "op", func() error {
		attempts++
		return &fakeAPIError{code: "Throttling"}
	})
	require.Error(t, err)
	assert.Greater(t, attempts, 1, "a transient failure must be retried")
}

func TestRetryTransientDoesNotRetryPermanentFailures(t *testing.T) {
	attempts := 0
	sentinel := errors.New("permission denied")
	err := retryTransient(context.Background(), "op", func() error {
		attempts++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a non-transient failure must not burn retry attempts")
}

func TestRetryTransientSucceedsAfterTransientRecovery(t *testing.T) {
	attempts := 0
	err := retryTransient(context.Background(), "op", func() error {
		attempts++
		if attempts < 2 {
			return &fakeAPIError{code: "ServiceUnavailable"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
