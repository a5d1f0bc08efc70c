// Package hivereader reads blocks from a Hive JSON-RPC node. Every
// operation of a block becomes one action named after the operation type.
package hivereader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"chain-reader/lib/logger"
	"chain-reader/modules/config"
	"chain-reader/modules/reader"

	"github.com/vsc-eco/hivego"
)

const (
	backendName = "hive"

	DefaultHiveURI        = "https://api.hive.blog"
	DefaultFetchTimeoutMs = 10_000

	// account of every action built from a hive operation
	OperationAccount = "hive"
)

// BlockClient is the part of *hivego.HiveRpcNode the reader uses.
type BlockClient interface {
	GetDynamicGlobalProps() ([]byte, error)
	GetBlockRange(startBlock int, count int) ([]hivego.Block, error)
}

var _ BlockClient = &hivego.HiveRpcNode{}

type HiveReaderConfig struct {
	reader.Options
	HiveURI        string
	FetchTimeoutMs int
}

func DefaultConfig() HiveReaderConfig {
	return HiveReaderConfig{
		Options:        reader.DefaultOptions(),
		HiveURI:        DefaultHiveURI,
		FetchTimeoutMs: DefaultFetchTimeoutMs,
	}
}

func NewHiveReaderConfig(dataDir *string) *config.Config[HiveReaderConfig] {
	return config.New(DefaultConfig(), dataDir)
}

type HiveActionReader struct {
	conf   HiveReaderConfig
	policy reader.RetryPolicy
	log    logger.Logger

	client BlockClient
	handle reader.Handle[BlockClient]
}

var _ reader.ActionReader = &HiveActionReader{}

func New(conf HiveReaderConfig) *HiveActionReader {
	log := logger.New("hive-reader")
	policy := conf.RetryPolicy(backendName)
	policy.Log = log
	return &HiveActionReader{
		conf:   conf,
		policy: policy,
		log:    log,
	}
}

// WithClient sets the rpc client used instead of one dialing HiveURI.
func (r *HiveActionReader) WithClient(client BlockClient) *HiveActionReader {
	r.client = client
	return r
}

func (r *HiveActionReader) Options() reader.Options {
	return r.conf.Options
}

func (r *HiveActionReader) Initialize(ctx context.Context) error {
	if r.handle.Initialized() {
		return nil
	}
	client := r.client
	if client == nil {
		uri := r.conf.HiveURI
		u, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("%w: invalid Hive API URL: %w", reader.ErrStoreNotInitialized, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: invalid Hive API URL %q", reader.ErrStoreNotInitialized, uri)
		}
		client = hivego.NewHiveRpc(uri)
	}
	r.handle.Set(client)
	r.log.Info("hive reader initialized")
	return nil
}

type globalProps struct {
	HeadBlockNumber          json.Number `json:"head_block_number"`
	LastIrreversibleBlockNum json.Number `json:"last_irreversible_block_num"`
}

func dynamicGlobalProps(client BlockClient) (*globalProps, error) {
	raw, err := client.GetDynamicGlobalProps()
	if err != nil {
		return nil, fmt.Errorf("failed to get dynamic global props: %w", err)
	}
	var props globalProps
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, reader.Malformed("dynamic global props: %s", err)
	}
	return &props, nil
}

func (r *HiveActionReader) GetHeadBlockNumber(ctx context.Context) (uint64, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpHeadBlock, 0,
		func(ctx context.Context, client BlockClient) (uint64, error) {
			props, err := dynamicGlobalProps(client)
			if err != nil {
				return 0, err
			}
			if props.HeadBlockNumber == "" {
				return 0, reader.Malformed("dynamic global props without head_block_number")
			}
			return reader.ParseUint(props.HeadBlockNumber)
		})
}

func (r *HiveActionReader) GetLastIrreversibleBlockNumber(ctx context.Context) (uint64, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpIrreversibleBlock, 0,
		func(ctx context.Context, client BlockClient) (uint64, error) {
			props, err := dynamicGlobalProps(client)
			if err != nil {
				return 0, err
			}
			if props.LastIrreversibleBlockNum == "" {
				return 0, reader.Malformed("dynamic global props without last_irreversible_block_num")
			}
			return reader.ParseUint(props.LastIrreversibleBlockNum)
		})
}

var errBlockNotAvailable = errors.New("block not available yet")

func (r *HiveActionReader) GetBlock(ctx context.Context, blockNumber uint64) (*reader.Block, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpBlock, blockNumber,
		func(ctx context.Context, client BlockClient) (*reader.Block, error) {
			blk, err := r.fetchBlock(ctx, client, blockNumber)
			if err != nil {
				return nil, err
			}
			return convertBlock(blockNumber, blk)
		})
}

type blockRange struct {
	blocks []hivego.Block
	err    error
}

func (r *HiveActionReader) fetchBlock(ctx context.Context, client BlockClient, blockNumber uint64) (*hivego.Block, error) {
	if blockNumber > math.MaxInt {
		return nil, reader.Malformed("block number %d is out of range for the hive api", blockNumber)
	}

	// the rpc call takes no context, so it runs detached and is abandoned
	// on timeout or cancellation
	done := make(chan blockRange, 1)
	go func() {
		blocks, err := client.GetBlockRange(int(blockNumber), 1)
		done <- blockRange{blocks, err}
	}()

	timeout := time.NewTimer(time.Duration(r.conf.FetchTimeoutMs) * time.Millisecond)
	defer timeout.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to fetch block range: %w", res.err)
		}
		// an empty id is a block the node has not produced yet
		if len(res.blocks) == 0 || res.blocks[0].BlockID == "" {
			return nil, fmt.Errorf("block %d: %w", blockNumber, errBlockNotAvailable)
		}
		return &res.blocks[0], nil
	case <-timeout.C:
		return nil, fmt.Errorf("timeout waiting for block %d", blockNumber)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func convertBlock(blockNumber uint64, blk *hivego.Block) (*reader.Block, error) {
	ts, err := reader.ParseTimestamp(blk.Timestamp)
	if err != nil {
		return nil, err
	}
	info := reader.BlockInfo{
		BlockNumber:     blockNumber,
		BlockID:         blk.BlockID,
		PreviousBlockID: blk.Previous,
		Timestamp:       ts,
		Producer:        blk.Witness,
	}

	actions := []reader.Action{}
	for i, tx := range blk.Transactions {
		trxID := ""
		if i < len(blk.TransactionIds) {
			trxID = blk.TransactionIds[i]
		}
		for j, op := range tx.Operations {
			data, err := json.Marshal(op.Value)
			if err != nil {
				return nil, reader.Malformed("operation %s: %s", op.Type, err)
			}
			actions = append(actions, reader.Action{
				BlockNumber:   blockNumber,
				BlockID:       blk.BlockID,
				TransactionID: trxID,
				ActionIndex:   uint32(j),
				Account:       OperationAccount,
				Name:          op.Type,
				Authorization: authorizations(op),
				Data:          data,
			})
		}
	}
	return reader.NewBlock(info, actions), nil
}

// authorizations of the operation types that carry their signers
func authorizations(op hivego.Operation) []reader.PermissionLevel {
	auths := []reader.PermissionLevel{}
	add := func(key string, permission string) {
		list, _ := op.Value[key].([]interface{})
		for _, actor := range list {
			if name, ok := actor.(string); ok {
				auths = append(auths, reader.PermissionLevel{Actor: name, Permission: permission})
			}
		}
	}
	add("required_auths", "active")
	add("required_posting_auths", "posting")
	if from, ok := op.Value["from"].(string); ok && len(auths) == 0 {
		auths = append(auths, reader.PermissionLevel{Actor: from, Permission: "active"})
	}
	return auths
}
