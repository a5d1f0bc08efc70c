// Package streamer walks block numbers in order through an ActionReader and
// hands every block to a process function.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chain-reader/lib/logger"
	"chain-reader/lib/utils"
	"chain-reader/modules/aggregate"
	"chain-reader/modules/reader"

	"github.com/chebyrash/promise"
)

// ===== tunables =====

var (
	// wait between polls once the streamer has caught up with its target
	PollInterval = time.Second * 5
	// wait after a failed polling cycle
	ErrorBackoff = time.Second * 3
	// wait between checks while paused
	PausePollInterval = time.Second
)

// ===== interface implementation =====

var _ aggregate.Plugin = &Streamer{}

// ===== type definitions =====

type ProcessFunc func(block *reader.Block) error

// RollbackFunc is called with the number of the first block that is
// replaced after a fork.
type RollbackFunc func(blockNumber uint64) error

type Status struct {
	LastProcessedBlock uint64
	HeadBlock          uint64
	IrreversibleBlock  uint64
	Paused             bool
}

var errProcess = errors.New("failed to process block")

type Streamer struct {
	reader   reader.ActionReader
	opts     reader.Options
	process  ProcessFunc
	rollback RollbackFunc
	log      logger.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	mtx          sync.Mutex
	streamPaused bool
	nextBlock    uint64
	history      []reader.BlockInfo
	status       Status
	stopped      chan struct{}
	stopOnlyOnce sync.Once
}

// ===== streamer =====

func New(r reader.ActionReader, opts reader.Options, process ProcessFunc, rollback RollbackFunc) *Streamer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Streamer{
		reader:   r,
		opts:     opts,
		process:  process,
		rollback: rollback,
		log:      logger.New("streamer"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Streamer) Init() error {
	if s.reader == nil || s.process == nil {
		return fmt.Errorf("reader or process func not set")
	}
	if err := s.reader.Initialize(s.ctx); err != nil {
		return fmt.Errorf("failed to initialize reader: %w", err)
	}

	start := s.opts.StartAtBlock
	if start == 0 {
		start = reader.DefaultStartAtBlock
	}
	s.mtx.Lock()
	s.nextBlock = start
	s.mtx.Unlock()
	return nil
}

// Start runs the stream in the background. The promise settles when the
// stream ends: resolved after Stop, rejected when processing a block fails.
func (s *Streamer) Start() *promise.Promise[any] {
	s.stopped = make(chan struct{})
	return utils.PromiseGo(s.streamBlocks)
}

func (s *Streamer) streamBlocks() error {
	defer close(s.stopped)

	for {
		if s.ctx.Err() != nil {
			return nil
		}
		if s.IsStreamPaused() {
			s.sleep(PausePollInterval)
			continue
		}

		caughtUp, err := s.poll()
		switch {
		case errors.Is(err, errProcess):
			s.log.Error("stopping stream", "err", err)
			return err
		case err != nil:
			if s.ctx.Err() != nil {
				return nil
			}
			s.log.Warn("polling cycle failed", "next", s.StartBlock(), "err", err)
			s.sleep(ErrorBackoff)
		case caughtUp:
			s.sleep(PollInterval)
		}
	}
}

// poll processes every block up to the current target. It reports whether
// there was nothing left to do.
func (s *Streamer) poll() (bool, error) {
	head, err := s.reader.GetHeadBlockNumber(s.ctx)
	if err != nil {
		return false, err
	}
	irreversible, err := s.reader.GetLastIrreversibleBlockNumber(s.ctx)
	if err != nil {
		return false, err
	}
	s.mtx.Lock()
	s.status.HeadBlock = head
	s.status.IrreversibleBlock = irreversible
	s.mtx.Unlock()

	target := head
	if s.opts.OnlyIrreversible {
		target = irreversible
	}
	if s.StartBlock() > target {
		return true, nil
	}

	for next := s.StartBlock(); next <= target; next = s.StartBlock() {
		if s.ctx.Err() != nil || s.IsStreamPaused() {
			return false, nil
		}
		block, err := s.reader.GetBlock(s.ctx, next)
		if err != nil {
			return false, err
		}
		if err := s.handleBlock(block); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Streamer) handleBlock(block *reader.Block) error {
	if forkAt, forked := s.checkFork(block.Info); forked {
		s.log.Warn("fork detected, rolling back",
			"block", forkAt,
			"previous", block.Info.PreviousBlockID,
		)
		if s.rollback != nil {
			if err := s.rollback(forkAt); err != nil {
				return fmt.Errorf("%w: rollback to %d: %w", errProcess, forkAt, err)
			}
		}
		return nil
	}

	if err := s.process(block); err != nil {
		return fmt.Errorf("%w %d: %w", errProcess, block.Info.BlockNumber, err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.history = append(s.history, block.Info)
	if limit := s.opts.MaxHistoryLength; limit > 0 && len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.status.LastProcessedBlock = block.Info.BlockNumber
	s.nextBlock = block.Info.BlockNumber + 1
	return nil
}

// checkFork compares the block's parent with the last processed block. On a
// mismatch the last block is dropped from the history and the stream moves
// back to refetch it.
func (s *Streamer) checkFork(info reader.BlockInfo) (uint64, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.history) == 0 || info.PreviousBlockID == "" {
		return 0, false
	}
	last := s.history[len(s.history)-1]
	if last.BlockNumber+1 != info.BlockNumber || last.BlockID == info.PreviousBlockID {
		return 0, false
	}
	s.history = s.history[:len(s.history)-1]
	s.nextBlock = last.BlockNumber
	if len(s.history) > 0 {
		s.status.LastProcessedBlock = s.history[len(s.history)-1].BlockNumber
	} else {
		s.status.LastProcessedBlock = 0
	}
	return last.BlockNumber, true
}

func (s *Streamer) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
	case <-t.C:
	}
}

// StartBlock is the next block number the stream will fetch.
func (s *Streamer) StartBlock() uint64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.nextBlock
}

func (s *Streamer) Status() Status {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	status := s.status
	status.Paused = s.streamPaused
	return status
}

// History returns the retained headers, oldest first.
func (s *Streamer) History() []reader.BlockInfo {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]reader.BlockInfo(nil), s.history...)
}

func (s *Streamer) Pause() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.streamPaused = true
}

func (s *Streamer) Resume() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	select {
	case <-s.ctx.Done():
		return fmt.Errorf("streamer is stopped")
	default:
		s.streamPaused = false
		return nil
	}
}

func (s *Streamer) Stop() error {
	s.stopOnlyOnce.Do(func() {
		s.cancel()
		if s.stopped != nil {
			<-s.stopped
		}
	})
	return nil
}

func (s *Streamer) IsStreamPaused() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.streamPaused
}
