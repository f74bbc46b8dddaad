package retrieval

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// withRetry runs op up to attempts times with a fixed pause between tries.
// It stops early once ctx is done.
func withRetry(ctx context.Context, attempts int, delay time.Duration, logger *zap.Logger, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	try := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		try++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if try < attempts {
			logger.Warn("LLM call failed, retrying",
				zap.Int("attempt", try),
				zap.Int("max_attempts", attempts),
				zap.Error(err),
			)
		}
		return err
	}, policy)
}
