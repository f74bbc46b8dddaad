package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWithRetry_RecoversOnSecondAttempt(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 2, time.Millisecond, zap.NewNop(), func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("429 too many requests")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_GivesUpAfterAttempts(t *testing.T) {
	calls := 0
	upstream := errors.New("upstream timeout")
	err := withRetry(context.Background(), 2, time.Millisecond, zap.NewNop(), func(context.Context) error {
		calls++
		return upstream
	})

	assert.ErrorIs(t, err, upstream)
	assert.Equal(t, 2, calls)
}

func TestWithRetry_SingleAttemptWhenUnset(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 0, time.Millisecond, zap.NewNop(), func(context.Context) error {
		calls++
		return errors.New("boom")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, 5, time.Hour, zap.NewNop(), func(context.Context) error {
		calls++
		cancel()
		return context.Canceled
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
