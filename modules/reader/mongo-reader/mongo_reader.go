// Package mongoreader reads blocks written by a chain node's MongoDB
// plugin: header states in block_states and actions in action_traces.
package mongoreader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chain-reader/lib/logger"
	"chain-reader/modules/config"
	"chain-reader/modules/db"
	"chain-reader/modules/reader"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const backendName = "mongo"

type MongoReaderConfig struct {
	reader.Options
	MongoURI string
	DbName   string
}

func DefaultConfig() MongoReaderConfig {
	return MongoReaderConfig{
		Options:  reader.DefaultOptions(),
		MongoURI: db.DefaultDbURI,
		DbName:   "EOS",
	}
}

func NewMongoReaderConfig(dataDir *string) *config.Config[MongoReaderConfig] {
	return config.New(DefaultConfig(), dataDir)
}

type stores struct {
	blockStates  *db.Collection
	actionTraces *db.Collection
}

type MongoActionReader struct {
	conf   MongoReaderConfig
	policy reader.RetryPolicy
	log    logger.Logger

	conn   db.Connector
	handle reader.Handle[stores]
}

var _ reader.ActionReader = &MongoActionReader{}

func New(conf MongoReaderConfig) *MongoActionReader {
	log := logger.New("mongo-reader")
	policy := conf.RetryPolicy(backendName)
	policy.Log = log
	return &MongoActionReader{
		conf:   conf,
		policy: policy,
		log:    log,
		conn:   db.NewFromURI(conf.MongoURI),
	}
}

func (r *MongoActionReader) Options() reader.Options {
	return r.conf.Options
}

// Initialize connects and checks that both required collections exist.
func (r *MongoActionReader) Initialize(ctx context.Context) error {
	if r.handle.Initialized() {
		return nil
	}
	if err := r.conn.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", reader.ErrStoreNotInitialized, err)
	}
	return r.attach(ctx, db.NewDbInstance(r.conn, r.conf.DbName))
}

func (r *MongoActionReader) attach(ctx context.Context, instance *db.DbInstance) error {
	missing, err := instance.MissingCollections(ctx, requiredCollections...)
	if err != nil {
		return fmt.Errorf("%w: %w", reader.ErrStoreNotInitialized, err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: the database %s is missing %s collections",
			reader.ErrStoreNotInitialized, instance.Name(), strings.Join(missing, ","))
	}

	s := stores{
		blockStates:  db.NewCollection(instance, blockStatesCollection),
		actionTraces: db.NewCollection(instance, actionTracesCollection),
	}
	if err := s.blockStates.Init(); err != nil {
		return fmt.Errorf("%w: %w", reader.ErrStoreNotInitialized, err)
	}
	if err := s.actionTraces.Init(); err != nil {
		return fmt.Errorf("%w: %w", reader.ErrStoreNotInitialized, err)
	}
	r.handle.Set(s)
	r.log.Info("mongo reader initialized", "db", instance.Name())
	return nil
}

// Close disconnects the mongo client.
func (r *MongoActionReader) Close() error {
	return r.conn.Stop()
}

var errNoBlockStates = errors.New("no block states stored yet")

// latestBlockState reads the most recently inserted block state.
func latestBlockState(ctx context.Context, s stores) (*blockStateDoc, error) {
	findOptions := options.Find().
		SetSort(bson.D{{Key: "$natural", Value: -1}}).
		SetLimit(1)
	cursor, err := s.blockStates.Find(ctx, bson.D{}, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", blockStatesCollection, err)
	}
	var docs []blockStateDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, decodeErr(blockStatesCollection, err)
	}
	if len(docs) == 0 {
		return nil, errNoBlockStates
	}
	return &docs[0], nil
}

func (r *MongoActionReader) GetHeadBlockNumber(ctx context.Context) (uint64, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpHeadBlock, 0,
		func(ctx context.Context, s stores) (uint64, error) {
			doc, err := latestBlockState(ctx, s)
			if err != nil {
				return 0, err
			}
			return doc.blockNumber()
		})
}

func (r *MongoActionReader) GetLastIrreversibleBlockNumber(ctx context.Context) (uint64, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpIrreversibleBlock, 0,
		func(ctx context.Context, s stores) (uint64, error) {
			doc, err := latestBlockState(ctx, s)
			if err != nil {
				return 0, err
			}
			return doc.irreversibleBlockNumber()
		})
}

// GetBlock validates the block state for blockNumber and reads the actions
// recorded against that exact block id, inside one retry envelope.
func (r *MongoActionReader) GetBlock(ctx context.Context, blockNumber uint64) (*reader.Block, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpBlock, blockNumber,
		func(ctx context.Context, s stores) (*reader.Block, error) {
			return fetchBlock(ctx, s, blockNumber)
		})
}

func fetchBlock(ctx context.Context, s stores, blockNumber uint64) (*reader.Block, error) {
	cursor, err := s.blockStates.Find(ctx, bson.D{{Key: "block_num", Value: int64(blockNumber)}})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", blockStatesCollection, err)
	}
	var states []blockStateDoc
	if err := cursor.All(ctx, &states); err != nil {
		return nil, decodeErr(blockStatesCollection, err)
	}
	if err := reader.ValidateBlockStates(blockNumber, len(states)); err != nil {
		return nil, err
	}

	info, err := states[0].blockInfo()
	if err != nil {
		return nil, err
	}

	filter := bson.D{
		{Key: "block_num", Value: int64(blockNumber)},
		{Key: "producer_block_id", Value: info.BlockID},
	}
	findOptions := options.Find().SetSort(bson.D{{Key: "receipt.global_sequence", Value: 1}})
	cursor, err = s.actionTraces.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", actionTracesCollection, err)
	}
	var traces []actionTraceDoc
	if err := cursor.All(ctx, &traces); err != nil {
		return nil, decodeErr(actionTracesCollection, err)
	}

	actions := make([]reader.Action, 0, len(traces))
	for _, trace := range traces {
		action, err := trace.action(info)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	// sequences stored as strings sort lexically on the server
	reader.SortByGlobalSequence(actions)
	assignActionIndexes(actions)

	return reader.NewBlock(info, actions), nil
}

// assignActionIndexes numbers actions within their transaction in the
// order they were executed.
func assignActionIndexes(actions []reader.Action) {
	next := map[string]uint32{}
	for i := range actions {
		trx := actions[i].TransactionID
		actions[i].ActionIndex = next[trx]
		next[trx]++
	}
}

// cursor errors that are not transport or server errors mean the
// documents do not have the expected shape
func decodeErr(collection string, err error) error {
	var cmdErr mongo.CommandError
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.As(err, &cmdErr) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to read %s: %w", collection, err)
	}
	return reader.Malformed("%s: %s", collection, err)
}
