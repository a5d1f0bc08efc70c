package streamer_test

// the streamer runs against a node in production; these tests drive it
// with an in-memory reader so block order is deterministic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chain-reader/modules/reader"
	"chain-reader/modules/streamer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== init =====

func init() {
	streamer.PollInterval = time.Millisecond * 10
	streamer.ErrorBackoff = time.Millisecond * 10
	streamer.PausePollInterval = time.Millisecond * 10
}

// ===== in-memory reader =====

type memReader struct {
	mtx          sync.Mutex
	blocks       map[uint64]*reader.Block
	head         uint64
	irreversible uint64
	initErr      error
	// GetBlock fails this many times before serving
	failures int
}

var _ reader.ActionReader = &memReader{}

func newMemReader(n uint64) *memReader {
	m := &memReader{blocks: map[uint64]*reader.Block{}, head: n, irreversible: n}
	for i := uint64(1); i <= n; i++ {
		m.blocks[i] = block(i, fmt.Sprintf("id-%d", i), fmt.Sprintf("id-%d", i-1))
	}
	return m
}

func block(n uint64, id string, previous string) *reader.Block {
	return reader.NewBlock(reader.BlockInfo{BlockNumber: n, BlockID: id, PreviousBlockID: previous}, []reader.Action{
		{BlockNumber: n, BlockID: id, Account: "eosio.token", Name: "transfer"},
	})
}

func (m *memReader) Initialize(ctx context.Context) error {
	return m.initErr
}

func (m *memReader) GetHeadBlockNumber(ctx context.Context) (uint64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.head, nil
}

func (m *memReader) GetLastIrreversibleBlockNumber(ctx context.Context) (uint64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.irreversible, nil
}

func (m *memReader) GetBlock(ctx context.Context, n uint64) (*reader.Block, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.failures > 0 {
		m.failures--
		return nil, &reader.RetrievalError{Op: reader.OpBlock, BlockNumber: n, Err: reader.ErrNoBlockStateFound}
	}
	b, ok := m.blocks[n]
	if !ok {
		return nil, &reader.RetrievalError{Op: reader.OpBlock, BlockNumber: n, Err: reader.ErrNoBlockStateFound}
	}
	return b, nil
}

func (m *memReader) set(b *reader.Block) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.blocks[b.Info.BlockNumber] = b
}

// ===== test utils =====

type recorder struct {
	mtx       sync.Mutex
	ids       []string
	rollbacks []uint64
	onBlock   func(b *reader.Block) error
}

func (r *recorder) process(b *reader.Block) error {
	r.mtx.Lock()
	r.ids = append(r.ids, b.Info.BlockID)
	onBlock := r.onBlock
	r.mtx.Unlock()
	if onBlock != nil {
		return onBlock(b)
	}
	return nil
}

func (r *recorder) rollback(n uint64) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.rollbacks = append(r.rollbacks, n)
	return nil
}

func (r *recorder) seen() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]string(nil), r.ids...)
}

func options(start uint64) reader.Options {
	opts := reader.DefaultOptions()
	opts.StartAtBlock = start
	return opts
}

func run(t *testing.T, s *streamer.Streamer) {
	require.NoError(t, s.Init())
	s.Start()
	t.Cleanup(func() { assert.NoError(t, s.Stop()) })
}

// ===== tests =====

func TestStreamsInOrder(t *testing.T) {
	mem := newMemReader(5)
	rec := &recorder{}
	s := streamer.New(mem, options(1), rec.process, nil)
	run(t, s)

	assert.Eventually(t, func() bool { return len(rec.seen()) == 5 }, time.Second, time.Millisecond*5)
	assert.Equal(t, []string{"id-1", "id-2", "id-3", "id-4", "id-5"}, rec.seen())

	status := s.Status()
	assert.Equal(t, uint64(5), status.LastProcessedBlock)
	assert.Equal(t, uint64(5), status.HeadBlock)
	assert.Equal(t, uint64(6), s.StartBlock())

	// new blocks are picked up on the next poll
	mem.set(block(6, "id-6", "id-5"))
	mem.mtx.Lock()
	mem.head, mem.irreversible = 6, 6
	mem.mtx.Unlock()
	assert.Eventually(t, func() bool { return len(rec.seen()) == 6 }, time.Second, time.Millisecond*5)
}

func TestStartBlock(t *testing.T) {
	s := streamer.New(newMemReader(1), options(0), func(*reader.Block) error { return nil }, nil)
	require.NoError(t, s.Init())
	assert.Equal(t, uint64(reader.DefaultStartAtBlock), s.StartBlock())

	s = streamer.New(newMemReader(1), options(99), func(*reader.Block) error { return nil }, nil)
	require.NoError(t, s.Init())
	assert.Equal(t, uint64(99), s.StartBlock())
}

func TestOnlyIrreversible(t *testing.T) {
	mem := newMemReader(5)
	mem.irreversible = 3
	rec := &recorder{}
	opts := options(1)
	opts.OnlyIrreversible = true
	s := streamer.New(mem, opts, rec.process, nil)
	run(t, s)

	assert.Eventually(t, func() bool { return len(rec.seen()) == 3 }, time.Second, time.Millisecond*5)
	time.Sleep(time.Millisecond * 50)
	assert.Equal(t, []string{"id-1", "id-2", "id-3"}, rec.seen())
}

func TestForkRollsBack(t *testing.T) {
	mem := newMemReader(3)
	mem.set(block(2, "id-2a", "id-1"))
	mem.set(block(3, "id-3", "id-2b"))

	rec := &recorder{}
	rec.onBlock = func(b *reader.Block) error {
		if b.Info.BlockID == "id-2a" {
			mem.set(block(2, "id-2b", "id-1"))
		}
		return nil
	}
	s := streamer.New(mem, options(1), rec.process, rec.rollback)
	run(t, s)

	assert.Eventually(t, func() bool { return len(rec.seen()) == 4 }, time.Second, time.Millisecond*5)
	assert.Equal(t, []string{"id-1", "id-2a", "id-2b", "id-3"}, rec.seen())
	assert.Equal(t, []uint64{2}, rec.rollbacks)

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, "id-2b", history[1].BlockID)
}

func TestHistoryIsBounded(t *testing.T) {
	mem := newMemReader(10)
	rec := &recorder{}
	opts := options(1)
	opts.MaxHistoryLength = 4
	s := streamer.New(mem, opts, rec.process, nil)
	run(t, s)

	assert.Eventually(t, func() bool { return len(rec.seen()) == 10 }, time.Second, time.Millisecond*5)
	history := s.History()
	require.Len(t, history, 4)
	assert.Equal(t, uint64(7), history[0].BlockNumber)
	assert.Equal(t, uint64(10), history[3].BlockNumber)
}

func TestRetrievalErrorsAreRetried(t *testing.T) {
	mem := newMemReader(2)
	mem.failures = 3
	rec := &recorder{}
	s := streamer.New(mem, options(1), rec.process, nil)
	run(t, s)

	assert.Eventually(t, func() bool { return len(rec.seen()) == 2 }, time.Second, time.Millisecond*5)
}

func TestProcessErrorStopsStream(t *testing.T) {
	mem := newMemReader(5)
	boom := errors.New("boom")
	rec := &recorder{}
	rec.onBlock = func(b *reader.Block) error {
		if b.Info.BlockNumber == 3 {
			return boom
		}
		return nil
	}
	s := streamer.New(mem, options(1), rec.process, nil)
	require.NoError(t, s.Init())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := s.Start().Await(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"id-1", "id-2", "id-3"}, rec.seen())
	assert.Equal(t, uint64(2), s.Status().LastProcessedBlock)
	assert.NoError(t, s.Stop())
}

func TestPauseResume(t *testing.T) {
	mem := newMemReader(3)
	rec := &recorder{}
	s := streamer.New(mem, options(1), rec.process, nil)
	s.Pause()
	run(t, s)

	time.Sleep(time.Millisecond * 50)
	assert.Empty(t, rec.seen())
	assert.True(t, s.Status().Paused)

	require.NoError(t, s.Resume())
	assert.Eventually(t, func() bool { return len(rec.seen()) == 3 }, time.Second, time.Millisecond*5)

	require.NoError(t, s.Stop())
	assert.Error(t, s.Resume())
}

func TestInitFailure(t *testing.T) {
	mem := newMemReader(1)
	mem.initErr = reader.ErrStoreNotInitialized
	s := streamer.New(mem, options(1), func(*reader.Block) error { return nil }, nil)
	assert.ErrorIs(t, s.Init(), reader.ErrStoreNotInitialized)

	s = streamer.New(mem, options(1), nil, nil)
	assert.Error(t, s.Init())
}

func TestStopWithoutStart(t *testing.T) {
	s := streamer.New(newMemReader(1), options(1), func(*reader.Block) error { return nil }, nil)
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}
