package reader

import (
	"context"
	"time"

	"chain-reader/lib/logger"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultRetryAttempts = 120
	DefaultRetryDelay    = 250 * time.Millisecond
)

// RetryPolicy polls a fallible operation at a fixed interval. The expected
// wait is a short replication lag between a block number becoming visible
// and its actions being written, so there is no jitter and no growth.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Backend  string
	Log      logger.Logger
}

func (p RetryPolicy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p RetryPolicy) log() logger.Logger {
	if p.Log == nil {
		return logger.New("reader")
	}
	return p.Log
}

// Run invokes fn until it succeeds, fails with a fatal error or the attempt
// budget is spent. Any failure comes back as a *RetrievalError for op.
func (p RetryPolicy) Run(ctx context.Context, op Operation, blockNumber uint64, fn func(ctx context.Context) error) error {
	attempts := p.attempts()
	delay := p.Delay
	if delay <= 0 {
		delay = time.Nanosecond
	}
	constant, err := retry.NewConstant(delay)
	if err != nil {
		return &RetrievalError{Op: op, BlockNumber: blockNumber, Err: err}
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), constant)

	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		retrievalAttempts.WithLabelValues(p.Backend, op.String()).Inc()

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return err
		}
		p.log().Debug("retrieval attempt failed",
			"backend", p.Backend,
			"op", op.String(),
			"block", blockNumber,
			"attempt", attempt,
			"max", attempts,
			"err", err,
		)
		return retry.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	retrievalFailures.WithLabelValues(p.Backend, op.String()).Inc()
	return &RetrievalError{Op: op, BlockNumber: blockNumber, Attempts: attempt, Err: err}
}

// Retrieve runs fn against the initialized handle under the policy. It
// fails without touching the store when h is uninitialized or busy.
func Retrieve[T any, R any](
	ctx context.Context,
	h *Handle[T],
	p RetryPolicy,
	op Operation,
	blockNumber uint64,
	fn func(ctx context.Context, handle T) (R, error),
) (R, error) {
	var result R

	handle, release, err := h.Acquire()
	if err != nil {
		retrievalFailures.WithLabelValues(p.Backend, op.String()).Inc()
		return result, &RetrievalError{Op: op, BlockNumber: blockNumber, Err: err}
	}
	defer release()

	start := time.Now()
	err = p.Run(ctx, op, blockNumber, func(ctx context.Context) error {
		r, err := fn(ctx, handle)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	retrievalDuration.WithLabelValues(p.Backend, op.String()).Observe(time.Since(start).Seconds())
	return result, err
}
