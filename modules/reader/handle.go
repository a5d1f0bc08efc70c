package reader

import (
	"sync"
	"sync/atomic"

	"github.com/moznion/go-optional"
)

// Handle holds the store client of a reader. It starts out empty
// (uninitialized) and is filled once by Set. Acquire hands out the client
// to exactly one caller at a time.
type Handle[T any] struct {
	mtx   sync.RWMutex
	value optional.Option[T]
	busy  atomic.Bool
}

func (h *Handle[T]) Set(value T) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.value = optional.Some(value)
}

func (h *Handle[T]) Initialized() bool {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return h.value.IsSome()
}

// Get returns the client without marking the handle busy.
func (h *Handle[T]) Get() (T, error) {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	value, err := h.value.Take()
	if err != nil {
		var zero T
		return zero, ErrStoreNotInitialized
	}
	return value, nil
}

// Acquire returns the client and a release func. It fails with
// ErrStoreNotInitialized before Set, and with ErrReaderBusy while another
// caller holds the handle.
func (h *Handle[T]) Acquire() (T, func(), error) {
	value, err := h.Get()
	if err != nil {
		return value, nil, err
	}
	if !h.busy.CompareAndSwap(false, true) {
		var zero T
		return zero, nil, ErrReaderBusy
	}
	return value, func() { h.busy.Store(false) }, nil
}
