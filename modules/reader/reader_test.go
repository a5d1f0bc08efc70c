package reader_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"chain-reader/lib/logger"
	"chain-reader/modules/reader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) reader.RetryPolicy {
	return reader.RetryPolicy{Attempts: attempts, Delay: time.Millisecond, Backend: "test", Log: logger.Noop{}}
}

func TestValidateBlockStates(t *testing.T) {
	assert.NoError(t, reader.ValidateBlockStates(20, 1))

	err := reader.ValidateBlockStates(20, 0)
	assert.ErrorIs(t, err, reader.ErrNoBlockStateFound)
	assert.False(t, reader.IsFatal(err))

	err = reader.ValidateBlockStates(20, 2)
	assert.ErrorIs(t, err, reader.ErrMultipleBlockStates)
	assert.True(t, reader.IsFatal(err))
	assert.Contains(t, err.Error(), "block 20")
}

func TestRetrySucceedsAfterNotFound(t *testing.T) {
	const k = 3
	calls := 0
	err := fastPolicy(10).Run(context.Background(), reader.OpBlock, 20, func(ctx context.Context) error {
		calls++
		if calls <= k {
			return reader.ValidateBlockStates(20, 0)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, k+1, calls)
}

func TestRetryFatalIsNotRetried(t *testing.T) {
	calls := 0
	err := fastPolicy(10).Run(context.Background(), reader.OpBlock, 20, func(ctx context.Context) error {
		calls++
		return reader.ValidateBlockStates(20, 2)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, reader.ErrRetrieveBlockFailed)
	assert.ErrorIs(t, err, reader.ErrMultipleBlockStates)

	var retrievalErr *reader.RetrievalError
	require.ErrorAs(t, err, &retrievalErr)
	assert.Equal(t, 1, retrievalErr.Attempts)
	assert.Equal(t, uint64(20), retrievalErr.BlockNumber)
}

func TestRetryExhaustion(t *testing.T) {
	const attempts = 5
	const delay = 20 * time.Millisecond
	calls := 0
	policy := reader.RetryPolicy{Attempts: attempts, Delay: delay, Log: logger.Noop{}}

	start := time.Now()
	err := policy.Run(context.Background(), reader.OpBlock, 7, func(ctx context.Context) error {
		calls++
		return reader.ValidateBlockStates(7, 0)
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, attempts, calls)
	assert.ErrorIs(t, err, reader.ErrRetrieveBlockFailed)
	assert.ErrorIs(t, err, reader.ErrNoBlockStateFound)
	assert.GreaterOrEqual(t, elapsed, (attempts-1)*delay)
	assert.Less(t, elapsed, attempts*delay*10)
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := fastPolicy(0).Run(context.Background(), reader.OpHeadBlock, 0, func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	assert.ErrorIs(t, err, reader.ErrRetrieveHeadBlockFailed)
	assert.NotErrorIs(t, err, reader.ErrRetrieveBlockFailed)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := fastPolicy(10).Run(ctx, reader.OpIrreversibleBlock, 0, func(ctx context.Context) error {
		calls++
		return errors.New("unreachable")
	})
	assert.ErrorIs(t, err, reader.ErrRetrieveIrreversibleBlockFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, calls, 1)
}

func TestMalformedIsFatal(t *testing.T) {
	err := reader.Malformed("block %d: %s", 3, "bad id")
	assert.ErrorIs(t, err, reader.ErrMalformedRecord)
	assert.True(t, reader.IsFatal(err))
	assert.True(t, reader.IsFatal(fmt.Errorf("wrapped: %w", reader.ErrAmbiguousJoin)))
	assert.False(t, reader.IsFatal(errors.New("i/o timeout")))
}

func TestHandle(t *testing.T) {
	h := &reader.Handle[string]{}
	assert.False(t, h.Initialized())

	_, _, err := h.Acquire()
	assert.ErrorIs(t, err, reader.ErrStoreNotInitialized)

	h.Set("client")
	assert.True(t, h.Initialized())

	v, release, err := h.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "client", v)

	_, _, err = h.Acquire()
	assert.ErrorIs(t, err, reader.ErrReaderBusy)

	release()
	_, release, err = h.Acquire()
	require.NoError(t, err)
	release()
}

func TestRetrieveUninitializedMakesNoCalls(t *testing.T) {
	h := &reader.Handle[int]{}
	calls := 0
	_, err := reader.Retrieve(context.Background(), h, fastPolicy(3), reader.OpBlock, 9,
		func(ctx context.Context, handle int) (*reader.Block, error) {
			calls++
			return nil, nil
		})
	assert.ErrorIs(t, err, reader.ErrRetrieveBlockFailed)
	assert.ErrorIs(t, err, reader.ErrStoreNotInitialized)
	assert.Equal(t, 0, calls)
}

func TestRetrieveRejectsReentrantCall(t *testing.T) {
	h := &reader.Handle[int]{}
	h.Set(1)

	var inner error
	_, err := reader.Retrieve(context.Background(), h, fastPolicy(1), reader.OpHeadBlock, 0,
		func(ctx context.Context, handle int) (uint64, error) {
			_, inner = reader.Retrieve(ctx, h, fastPolicy(1), reader.OpIrreversibleBlock, 0,
				func(ctx context.Context, handle int) (uint64, error) {
					return 1, nil
				})
			return 2, nil
		})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, reader.ErrReaderBusy)
	assert.ErrorIs(t, inner, reader.ErrRetrieveIrreversibleBlockFailed)
}

func TestSortByGlobalSequence(t *testing.T) {
	actions := []reader.Action{{GlobalSequence: 3, Name: "c"}, {GlobalSequence: 1, Name: "a"}, {GlobalSequence: 2, Name: "b"}}
	reader.SortByGlobalSequence(actions)
	assert.Equal(t, "a", actions[0].Name)
	assert.Equal(t, "b", actions[1].Name)
	assert.Equal(t, "c", actions[2].Name)
}

func TestDefaultOptions(t *testing.T) {
	opts := reader.DefaultOptions()
	policy := opts.RetryPolicy("mongo")
	assert.Equal(t, 120, policy.Attempts)
	assert.Equal(t, 250*time.Millisecond, policy.Delay)
	assert.Equal(t, uint64(1), opts.StartAtBlock)
	assert.Equal(t, 600, opts.MaxHistoryLength)
}

func TestActionType(t *testing.T) {
	assert.Equal(t, "eosio.token::transfer", reader.Action{Account: "eosio.token", Name: "transfer"}.Type())
}

func TestParseTimestamp(t *testing.T) {
	ts, err := reader.ParseTimestamp("2018-06-09T11:56:30.500")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2018, 6, 9, 11, 56, 30, 500_000_000, time.UTC), ts)

	ts, err = reader.ParseTimestamp("2016-03-24T16:05:00")
	require.NoError(t, err)
	assert.Equal(t, 2016, ts.Year())

	ts, err = reader.ParseTimestamp("")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	_, err = reader.ParseTimestamp("yesterday")
	assert.ErrorIs(t, err, reader.ErrMalformedRecord)
}

func TestParseUint(t *testing.T) {
	for _, in := range []any{int32(5), int64(5), float64(5), "5", uint64(5)} {
		n, err := reader.ParseUint(in)
		require.NoError(t, err, "%T", in)
		assert.Equal(t, uint64(5), n)
	}

	n, err := reader.ParseUint("18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), n)

	for _, in := range []any{nil, int32(-1), 1.5, "abc", "", true} {
		_, err := reader.ParseUint(in)
		assert.ErrorIs(t, err, reader.ErrMalformedRecord, "%v", in)
	}
}
