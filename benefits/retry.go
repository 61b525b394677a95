package benefits

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/warp/benefits-engine/generic"
)

// RetryPolicy bounds how often a unit of work is re-run after a
// concurrency conflict before the conflict is surfaced.
type RetryPolicy struct {
	MaxRetries uint64
	Backoff    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Backoff: 10 * time.Millisecond}
}

// do runs fn, retrying only on generic.IsRetryable errors.
func (p RetryPolicy) do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(p.MaxRetries, retry.NewConstant(p.backoff()))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && generic.IsRetryable(err) {
			logger.Debug("retrying after concurrent update", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (p RetryPolicy) backoff() time.Duration {
	if p.Backoff <= 0 {
		return time.Millisecond
	}
	return p.Backoff
}
