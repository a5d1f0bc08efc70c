// Package statehistory reads blocks from the postgres schema filled by a
// chain node's state-history plugin.
package statehistory

import (
	"context"
	"errors"
	"fmt"

	"chain-reader/lib/logger"
	"chain-reader/modules/config"
	"chain-reader/modules/reader"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const backendName = "state-history"

type StateHistoryConfig struct {
	reader.Options
	PostgresURL string
	Schema      string
}

func DefaultConfig() StateHistoryConfig {
	return StateHistoryConfig{
		Options:     reader.DefaultOptions(),
		PostgresURL: "postgres://postgres@127.0.0.1:5432/postgres",
		Schema:      DefaultSchema,
	}
}

func NewStateHistoryConfig(dataDir *string) *config.Config[StateHistoryConfig] {
	return config.New(DefaultConfig(), dataDir)
}

// querier is the part of *pgxpool.Pool the reader uses
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type StateHistoryReader struct {
	conf   StateHistoryConfig
	policy reader.RetryPolicy
	log    logger.Logger

	tables tables
	pool   *pgxpool.Pool
	handle reader.Handle[querier]
}

var _ reader.ActionReader = &StateHistoryReader{}

func New(conf StateHistoryConfig) *StateHistoryReader {
	log := logger.New("state-history")
	policy := conf.RetryPolicy(backendName)
	policy.Log = log
	return &StateHistoryReader{
		conf:   conf,
		policy: policy,
		log:    log,
	}
}

func (r *StateHistoryReader) Options() reader.Options {
	return r.conf.Options
}

// Initialize opens the connection pool and pings the database.
func (r *StateHistoryReader) Initialize(ctx context.Context) error {
	if r.handle.Initialized() {
		return nil
	}
	cfg, err := pgxpool.ParseConfig(r.conf.PostgresURL)
	if err != nil {
		return fmt.Errorf("%w: %w", reader.ErrStoreNotInitialized, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", reader.ErrStoreNotInitialized, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("%w: %w", reader.ErrStoreNotInitialized, err)
	}
	if err := r.attach(pool); err != nil {
		pool.Close()
		return err
	}
	r.pool = pool
	r.log.Info("state history reader initialized", "host", cfg.ConnConfig.Host, "schema", r.conf.Schema)
	return nil
}

func (r *StateHistoryReader) attach(q querier) error {
	t, err := newTables(r.conf.Schema)
	if err != nil {
		return fmt.Errorf("%w: %w", reader.ErrStoreNotInitialized, err)
	}
	r.tables = t
	r.handle.Set(q)
	return nil
}

// Close releases the connection pool.
func (r *StateHistoryReader) Close() error {
	if r.pool != nil {
		r.pool.Close()
	}
	return nil
}

var errNoFillStatus = errors.New("fill_status has no rows yet")

func (r *StateHistoryReader) status(ctx context.Context, q querier) (fillStatus, error) {
	rows, err := q.Query(ctx, r.tables.statusQuery())
	if err != nil {
		return fillStatus{}, fmt.Errorf("failed to query fill_status: %w", err)
	}
	statuses, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (fillStatus, error) {
		var s fillStatus
		if err := row.Scan(&s.Head, &s.Irreversible); err != nil {
			return s, reader.Malformed("fill_status: %s", err)
		}
		return s, nil
	})
	if err != nil {
		return fillStatus{}, err
	}
	switch {
	case len(statuses) == 0:
		return fillStatus{}, errNoFillStatus
	case len(statuses) > 1:
		return fillStatus{}, fmt.Errorf("%w: fill_status has %d rows", reader.ErrMultipleBlockStates, len(statuses))
	}
	s := statuses[0]
	if s.Head < 0 || s.Irreversible < 0 {
		return fillStatus{}, reader.Malformed("fill_status head %d irreversible %d", s.Head, s.Irreversible)
	}
	return s, nil
}

func (r *StateHistoryReader) GetHeadBlockNumber(ctx context.Context) (uint64, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpHeadBlock, 0,
		func(ctx context.Context, q querier) (uint64, error) {
			s, err := r.status(ctx, q)
			return uint64(s.Head), err
		})
}

func (r *StateHistoryReader) GetLastIrreversibleBlockNumber(ctx context.Context) (uint64, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpIrreversibleBlock, 0,
		func(ctx context.Context, q querier) (uint64, error) {
			s, err := r.status(ctx, q)
			return uint64(s.Irreversible), err
		})
}

func (r *StateHistoryReader) GetBlock(ctx context.Context, blockNumber uint64) (*reader.Block, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpBlock, blockNumber,
		func(ctx context.Context, q querier) (*reader.Block, error) {
			return r.fetchBlock(ctx, q, blockNumber)
		})
}

func (r *StateHistoryReader) fetchBlock(ctx context.Context, q querier, blockNumber uint64) (*reader.Block, error) {
	rows, err := q.Query(ctx, r.tables.blockInfoQuery(), int64(blockNumber))
	if err != nil {
		return nil, fmt.Errorf("failed to query block_info: %w", err)
	}
	infos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (blockInfoRow, error) {
		var b blockInfoRow
		if err := row.Scan(&b.BlockIndex, &b.BlockID, &b.Previous, &b.Producer, &b.Timestamp); err != nil {
			return b, reader.Malformed("block_info: %s", err)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	if err := reader.ValidateBlockStates(blockNumber, len(infos)); err != nil {
		return nil, err
	}
	info, err := infos[0].info()
	if err != nil {
		return nil, err
	}

	rows, err = q.Query(ctx, r.tables.actionsQuery(), int64(blockNumber), infos[0].BlockID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action_trace: %w", err)
	}
	actionRows, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (actionRow, error) {
		var a actionRow
		err := row.Scan(&a.TransactionID, &a.ActionIndex, &a.GlobalSequence,
			&a.Account, &a.Name, &a.Receiver, &a.Data, &a.Actor, &a.Permission)
		if err != nil {
			return a, reader.Malformed("action_trace: %s", err)
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	actions, err := groupActions(info, actionRows)
	if err != nil {
		return nil, err
	}
	return reader.NewBlock(info, actions), nil
}
