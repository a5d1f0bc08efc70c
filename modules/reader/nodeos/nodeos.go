// Package nodeos reads blocks from a chain node's HTTP API.
package nodeos

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"chain-reader/lib/httputils"
	"chain-reader/lib/logger"
	"chain-reader/modules/config"
	"chain-reader/modules/reader"
)

const (
	backendName = "nodeos"

	getInfoPath  = "/v1/chain/get_info"
	getBlockPath = "/v1/chain/get_block"

	DefaultNodeosURL        = "http://127.0.0.1:8888"
	DefaultRequestTimeoutMs = 10_000
)

type NodeosReaderConfig struct {
	reader.Options
	NodeosURL        string
	RequestTimeoutMs int
}

func DefaultConfig() NodeosReaderConfig {
	return NodeosReaderConfig{
		Options:          reader.DefaultOptions(),
		NodeosURL:        DefaultNodeosURL,
		RequestTimeoutMs: DefaultRequestTimeoutMs,
	}
}

func NewNodeosReaderConfig(dataDir *string) *config.Config[NodeosReaderConfig] {
	return config.New(DefaultConfig(), dataDir)
}

type endpoint struct {
	base   string
	client *http.Client
}

type NodeosActionReader struct {
	conf   NodeosReaderConfig
	policy reader.RetryPolicy
	log    logger.Logger

	client *http.Client
	handle reader.Handle[endpoint]
}

var _ reader.ActionReader = &NodeosActionReader{}

func New(conf NodeosReaderConfig) *NodeosActionReader {
	log := logger.New("nodeos-reader")
	policy := conf.RetryPolicy(backendName)
	policy.Log = log
	return &NodeosActionReader{
		conf:   conf,
		policy: policy,
		log:    log,
		client: &http.Client{Timeout: time.Duration(conf.RequestTimeoutMs) * time.Millisecond},
	}
}

// WithClient replaces the http client, before Initialize.
func (r *NodeosActionReader) WithClient(client *http.Client) *NodeosActionReader {
	r.client = client
	return r
}

func (r *NodeosActionReader) Options() reader.Options {
	return r.conf.Options
}

// Initialize validates the endpoint. No request is made; an unreachable node
// surfaces on the first retrieval.
func (r *NodeosActionReader) Initialize(ctx context.Context) error {
	if r.handle.Initialized() {
		return nil
	}
	if err := responseValidator.Var(r.conf.NodeosURL, "required,url"); err != nil {
		return fmt.Errorf("%w: invalid nodeos endpoint %q: %w", reader.ErrStoreNotInitialized, r.conf.NodeosURL, err)
	}
	u, err := url.Parse(r.conf.NodeosURL)
	if err != nil {
		return fmt.Errorf("%w: %w", reader.ErrStoreNotInitialized, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: nodeos endpoint %q is not an http url", reader.ErrStoreNotInitialized, r.conf.NodeosURL)
	}
	r.handle.Set(endpoint{base: u.String(), client: r.client})
	r.log.Info("nodeos reader initialized", "endpoint", u.Redacted())
	return nil
}

func (e endpoint) getInfo(ctx context.Context) (*chainInfo, error) {
	u, err := httputils.MakeUrl(e.base, getInfoPath, nil)
	if err != nil {
		return nil, err
	}
	req, err := httputils.MakeRequest(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	info, err := httputils.SendRequest[chainInfo](e.client, req, responseValidator)
	return info, classify(getInfoPath, err)
}

func (e endpoint) getBlock(ctx context.Context, blockNumber uint64) (*rawBlock, error) {
	u, err := httputils.MakeUrl(e.base, getBlockPath, nil)
	if err != nil {
		return nil, err
	}
	req, err := httputils.MakeRequest(ctx, http.MethodPost, u, nil, getBlockRequest{BlockNumOrID: blockNumber})
	if err != nil {
		return nil, err
	}
	block, err := httputils.SendRequest[rawBlock](e.client, req, responseValidator)
	return block, classify(getBlockPath, err)
}

// bodies that do not decode or validate are malformed; transport failures
// and error statuses are left to the retry policy
func classify(path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, httputils.ErrDecode) || errors.Is(err, httputils.ErrInvalidResponse) {
		return reader.Malformed("%s: %s", path, err)
	}
	return fmt.Errorf("%s: %w", path, err)
}

func (r *NodeosActionReader) GetHeadBlockNumber(ctx context.Context) (uint64, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpHeadBlock, 0,
		func(ctx context.Context, e endpoint) (uint64, error) {
			info, err := e.getInfo(ctx)
			if err != nil {
				return 0, err
			}
			return reader.ParseUint(info.HeadBlockNum)
		})
}

func (r *NodeosActionReader) GetLastIrreversibleBlockNumber(ctx context.Context) (uint64, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpIrreversibleBlock, 0,
		func(ctx context.Context, e endpoint) (uint64, error) {
			info, err := e.getInfo(ctx)
			if err != nil {
				return 0, err
			}
			return reader.ParseUint(info.LastIrreversibleBlockNum)
		})
}

func (r *NodeosActionReader) GetBlock(ctx context.Context, blockNumber uint64) (*reader.Block, error) {
	return reader.Retrieve(ctx, &r.handle, r.policy, reader.OpBlock, blockNumber,
		func(ctx context.Context, e endpoint) (*reader.Block, error) {
			raw, err := e.getBlock(ctx, blockNumber)
			if err != nil {
				return nil, err
			}
			info, err := raw.info()
			if err != nil {
				return nil, err
			}
			if info.BlockNumber != blockNumber {
				return nil, reader.Malformed("asked for block %d, node returned %d", blockNumber, info.BlockNumber)
			}
			actions, err := raw.actions(info)
			if err != nil {
				return nil, err
			}
			return reader.NewBlock(info, actions), nil
		})
}
