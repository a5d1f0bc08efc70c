package reader

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreNotInitialized is returned when the reader was never initialized
	// or its store is missing required collections/tables.
	ErrStoreNotInitialized = errors.New("store not initialized")
	// ErrNoBlockStateFound means the block is not visible yet. It is retried.
	ErrNoBlockStateFound = errors.New("no block state found")
	// ErrMultipleBlockStates is a consistency fault and is never retried.
	ErrMultipleBlockStates = errors.New("multiple block states found")
	// ErrAmbiguousJoin is a consistency fault in a relational join result.
	ErrAmbiguousJoin = errors.New("ambiguous join result")
	// ErrMalformedRecord is returned when a store record cannot be parsed.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrReaderBusy rejects a call made while another one is in flight.
	ErrReaderBusy = errors.New("reader busy: another retrieval is in flight")

	ErrRetrieveHeadBlockFailed         = errors.New("retrieve head block failed")
	ErrRetrieveIrreversibleBlockFailed = errors.New("retrieve irreversible block failed")
	ErrRetrieveBlockFailed             = errors.New("retrieve block failed")
)

// BlockStateError is a validation failure for one block number.
type BlockStateError struct {
	BlockNumber uint64
	Count       int
	Err         error
}

func (e *BlockStateError) Error() string {
	return fmt.Sprintf("%s for block %d (got %d)", e.Err, e.BlockNumber, e.Count)
}

func (e *BlockStateError) Unwrap() error {
	return e.Err
}

// RetrievalError is the only error kind returned by reader operations.
// errors.Is matches it against the Retrieve*Failed sentinel of its Op and
// against anything in its cause chain.
type RetrievalError struct {
	Op          Operation
	BlockNumber uint64
	Attempts    int
	Err         error
}

func (e *RetrievalError) Error() string {
	msg := e.Op.failure().Error()
	if e.Op == OpBlock {
		msg = fmt.Sprintf("%s: block %d", msg, e.BlockNumber)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

func (e *RetrievalError) Is(target error) bool {
	return target == e.Op.failure()
}

// Malformed wraps a parse failure so it is treated as fatal.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRecord, fmt.Sprintf(format, args...))
}

// IsFatal reports whether err must bypass the retry policy.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMultipleBlockStates) ||
		errors.Is(err, ErrAmbiguousJoin) ||
		errors.Is(err, ErrMalformedRecord) ||
		errors.Is(err, ErrStoreNotInitialized) ||
		errors.Is(err, ErrReaderBusy)
}
