package nodeos_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"chain-reader/modules/reader"
	"chain-reader/modules/reader/nodeos"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawBlock20 = `{
	"timestamp": "2018-06-09T11:56:30.000",
	"producer": "eosio",
	"previous": "0000001387fa7d1c2eabc4ab6f1b5d2d7dcd2fbd7d5d8f8c0c3d1c1c1c1c1c1c",
	"id": "00000014a1c4a8a1f9dd16bf1a1b28bb0b2c9b1f8e0d2b3d9e6f1c1c1c1c1c1c",
	"block_num": 20,
	"transactions": [
		{
			"status": "executed",
			"trx": {
				"id": "c0ffee",
				"transaction": {
					"actions": [
						{
							"account": "eosio.token",
							"name": "transfer",
							"authorization": [{"actor": "alice", "permission": "active"}],
							"data": {"from": "alice", "to": "bob", "quantity": "1.0000 EOS", "nonce": 18446744073709551615}
						},
						{
							"account": "eosio",
							"name": "buyram",
							"authorization": [{"actor": "alice", "permission": "active"}],
							"hex_data": "deadbeef"
						}
					]
				}
			}
		},
		{"status": "executed", "trx": "deferred1"}
	]
}`

type node struct {
	infoCalls  atomic.Int32
	blockCalls atomic.Int32
	// number of leading requests answered with 500
	failFirst int32
	block     string
	info      string
	lastBody  atomic.Value
}

func (n *node) server(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var calls int32
		switch r.URL.Path {
		case "/v1/chain/get_info":
			if r.Method != http.MethodGet {
				http.Error(w, "method", http.StatusMethodNotAllowed)
				return
			}
			calls = n.infoCalls.Add(1)
		case "/v1/chain/get_block":
			if r.Method != http.MethodPost {
				http.Error(w, "method", http.StatusMethodNotAllowed)
				return
			}
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			n.lastBody.Store(body)
			calls = n.blockCalls.Add(1)
		default:
			http.NotFound(w, r)
			return
		}
		if calls <= n.failFirst {
			http.Error(w, `{"code":500,"message":"Internal Service Error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/chain/get_info" {
			w.Write([]byte(n.info))
			return
		}
		w.Write([]byte(n.block))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newReader(t *testing.T, url string, attempts int) *nodeos.NodeosActionReader {
	conf := nodeos.DefaultConfig()
	conf.NodeosURL = url
	conf.RetryAttempts = attempts
	conf.RetryDelayMs = 1
	conf.RequestTimeoutMs = 2000
	r := nodeos.New(conf)
	require.NoError(t, r.Initialize(context.Background()))
	return r
}

func TestHeadAndIrreversible(t *testing.T) {
	n := &node{info: `{"head_block_num": 20, "last_irreversible_block_num": 10, "head_block_id": "00000014ab"}`}
	r := newReader(t, n.server(t).URL, 3)
	ctx := context.Background()

	head, err := r.GetHeadBlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), head)

	irreversible, err := r.GetLastIrreversibleBlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), irreversible)
	assert.Equal(t, int32(2), n.infoCalls.Load())
}

func TestGetBlock(t *testing.T) {
	n := &node{block: rawBlock20}
	r := newReader(t, n.server(t).URL, 3)

	block, err := r.GetBlock(context.Background(), 20)
	require.NoError(t, err)

	assert.Equal(t, uint64(20), block.Info.BlockNumber)
	assert.Equal(t, "00000014a1c4a8a1f9dd16bf1a1b28bb0b2c9b1f8e0d2b3d9e6f1c1c1c1c1c1c", block.Info.BlockID)
	assert.Equal(t, "eosio", block.Info.Producer)
	assert.Equal(t, time.Date(2018, 6, 9, 11, 56, 30, 0, time.UTC), block.Info.Timestamp)
	assert.Equal(t, map[string]any{"block_num_or_id": float64(20)}, n.lastBody.Load())

	require.Len(t, block.Actions, 2)
	transfer := block.Actions[0]
	assert.Equal(t, "eosio.token::transfer", transfer.Type())
	assert.Equal(t, "c0ffee", transfer.TransactionID)
	assert.Equal(t, uint32(0), transfer.ActionIndex)
	assert.Equal(t, block.Info.BlockID, transfer.BlockID)
	assert.Equal(t, []reader.PermissionLevel{{Actor: "alice", Permission: "active"}}, transfer.Authorization)
	assert.JSONEq(t, `{"from":"alice","to":"bob","quantity":"1.0000 EOS","nonce":18446744073709551615}`, string(transfer.Data))

	buyram := block.Actions[1]
	assert.Equal(t, "eosio::buyram", buyram.Type())
	assert.Equal(t, uint32(1), buyram.ActionIndex)
	assert.JSONEq(t, `"deadbeef"`, string(buyram.Data))
}

func TestGetBlockRetriesServerErrors(t *testing.T) {
	n := &node{block: rawBlock20, failFirst: 2}
	r := newReader(t, n.server(t).URL, 5)

	block, err := r.GetBlock(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), block.Info.BlockNumber)
	assert.Equal(t, int32(3), n.blockCalls.Load())
}

func TestGetBlockExhausted(t *testing.T) {
	n := &node{block: rawBlock20, failFirst: 100}
	r := newReader(t, n.server(t).URL, 3)

	_, err := r.GetBlock(context.Background(), 20)
	assert.ErrorIs(t, err, reader.ErrRetrieveBlockFailed)

	var retrievalErr *reader.RetrievalError
	require.ErrorAs(t, err, &retrievalErr)
	assert.Equal(t, 3, retrievalErr.Attempts)
	assert.Equal(t, int32(3), n.blockCalls.Load())
}

func TestMalformedResponsesAreFatal(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"id": `,
		"missing id":   `{"block_num": 20, "transactions": []}`,
		"wrong number": `{"id": "0014", "block_num": 21, "transactions": []}`,
		"null trx":     `{"id": "0014", "block_num": 20, "transactions": [{"status": "executed", "trx": null}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			n := &node{block: body}
			r := newReader(t, n.server(t).URL, 5)

			_, err := r.GetBlock(context.Background(), 20)
			assert.ErrorIs(t, err, reader.ErrRetrieveBlockFailed)
			assert.ErrorIs(t, err, reader.ErrMalformedRecord)
			assert.Equal(t, int32(1), n.blockCalls.Load())
		})
	}
}

func TestUnreachableNode(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	r := newReader(t, url, 2)
	_, err := r.GetHeadBlockNumber(context.Background())
	assert.ErrorIs(t, err, reader.ErrRetrieveHeadBlockFailed)
	assert.NotErrorIs(t, err, reader.ErrMalformedRecord)
}

func TestInitialize(t *testing.T) {
	for _, endpoint := range []string{"", "not a url", "ftp://node:21", "http://"} {
		conf := nodeos.DefaultConfig()
		conf.NodeosURL = endpoint
		err := nodeos.New(conf).Initialize(context.Background())
		assert.ErrorIs(t, err, reader.ErrStoreNotInitialized, endpoint)
	}

	r := nodeos.New(nodeos.DefaultConfig())
	_, err := r.GetBlock(context.Background(), 1)
	assert.ErrorIs(t, err, reader.ErrStoreNotInitialized)
	assert.ErrorIs(t, err, reader.ErrRetrieveBlockFailed)

	require.NoError(t, r.Initialize(context.Background()))
	require.NoError(t, r.Initialize(context.Background()))
}
