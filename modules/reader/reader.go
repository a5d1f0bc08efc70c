// Package reader defines the contract every block source implements and
// the machinery shared by all of them: the block model, state validation,
// the retry policy and the initialization handle.
package reader

import (
	"context"
	"time"
)

// ActionReader retrieves blocks from one backing store. Calls on a single
// instance must not overlap; an overlapping call fails with ErrReaderBusy.
type ActionReader interface {
	// Initialize connects to the store and checks it is usable. It must
	// complete before any retrieval call.
	Initialize(ctx context.Context) error
	GetHeadBlockNumber(ctx context.Context) (uint64, error)
	GetLastIrreversibleBlockNumber(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, blockNumber uint64) (*Block, error)
}

type Operation int

const (
	OpHeadBlock Operation = iota
	OpIrreversibleBlock
	OpBlock
)

func (o Operation) String() string {
	switch o {
	case OpHeadBlock:
		return "head"
	case OpIrreversibleBlock:
		return "irreversible"
	case OpBlock:
		return "block"
	}
	return "unknown"
}

func (o Operation) failure() error {
	switch o {
	case OpHeadBlock:
		return ErrRetrieveHeadBlockFailed
	case OpIrreversibleBlock:
		return ErrRetrieveIrreversibleBlockFailed
	default:
		return ErrRetrieveBlockFailed
	}
}

const (
	DefaultStartAtBlock     = 1
	DefaultMaxHistoryLength = 600
)

// Options are the construction time settings shared by every backend.
type Options struct {
	StartAtBlock     uint64
	OnlyIrreversible bool
	MaxHistoryLength int
	RetryAttempts    int
	RetryDelayMs     int
}

func DefaultOptions() Options {
	return Options{
		StartAtBlock:     DefaultStartAtBlock,
		OnlyIrreversible: false,
		MaxHistoryLength: DefaultMaxHistoryLength,
		RetryAttempts:    DefaultRetryAttempts,
		RetryDelayMs:     int(DefaultRetryDelay / time.Millisecond),
	}
}

// RetryPolicy builds the policy described by the options, labelled with
// the backend name for metrics and logs.
func (o Options) RetryPolicy(backend string) RetryPolicy {
	return RetryPolicy{
		Attempts: o.RetryAttempts,
		Delay:    time.Duration(o.RetryDelayMs) * time.Millisecond,
		Backend:  backend,
	}
}
