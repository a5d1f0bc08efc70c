package nodeos

import (
	"bytes"
	"encoding/json"
	"fmt"

	"chain-reader/modules/reader"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

var responseValidator = validator.New(validator.WithRequiredStructEnabled())

type getBlockRequest struct {
	BlockNumOrID uint64 `json:"block_num_or_id"`
}

// the fields of /v1/chain/get_info the reader uses
type chainInfo struct {
	HeadBlockNum             json.Number `json:"head_block_num"              validate:"required"`
	LastIrreversibleBlockNum json.Number `json:"last_irreversible_block_num" validate:"required"`
	HeadBlockID              string      `json:"head_block_id"               validate:"omitempty,hexadecimal"`
}

// the fields of /v1/chain/get_block the reader uses
type rawBlock struct {
	ID           string           `json:"id"        validate:"required,hexadecimal"`
	BlockNum     json.Number      `json:"block_num" validate:"required"`
	Previous     string           `json:"previous"  validate:"omitempty,hexadecimal"`
	Timestamp    string           `json:"timestamp"`
	Producer     string           `json:"producer"`
	Transactions []rawTransaction `json:"transactions"`
}

type rawTransaction struct {
	Status string          `json:"status"`
	Trx    json.RawMessage `json:"trx"`
}

// an expanded transaction receipt. Deferred transactions are listed by id
// only and carry no actions.
type packedTransaction struct {
	ID          string `mapstructure:"id"`
	Transaction struct {
		Actions []rawAction `mapstructure:"actions"`
	} `mapstructure:"transaction"`
}

type rawAction struct {
	Account       string `mapstructure:"account"`
	Name          string `mapstructure:"name"`
	Authorization []struct {
		Actor      string `mapstructure:"actor"`
		Permission string `mapstructure:"permission"`
	} `mapstructure:"authorization"`
	Data    any    `mapstructure:"data"`
	HexData string `mapstructure:"hex_data"`
}

// transaction decodes trx, which is either a transaction id string or a
// packed transaction object.
func (t rawTransaction) transaction() (string, []rawAction, error) {
	trimmed := bytes.TrimSpace(t.Trx)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil, reader.Malformed("transaction receipt has no trx")
	}

	if trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return "", nil, reader.Malformed("trx id: %s", err)
		}
		return id, nil, nil
	}

	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return "", nil, reader.Malformed("trx: %s", err)
	}
	var packed packedTransaction
	if err := mapstructure.Decode(m, &packed); err != nil {
		return "", nil, reader.Malformed("trx: %s", err)
	}
	if packed.ID == "" {
		return "", nil, reader.Malformed("packed transaction without id")
	}
	return packed.ID, packed.Transaction.Actions, nil
}

func (a rawAction) data() (json.RawMessage, error) {
	if a.Data == nil {
		if a.HexData == "" {
			return nil, nil
		}
		return json.Marshal(a.HexData)
	}
	b, err := json.Marshal(a.Data)
	if err != nil {
		return nil, reader.Malformed("action data: %s", err)
	}
	return b, nil
}

func (b *rawBlock) info() (reader.BlockInfo, error) {
	number, err := reader.ParseUint(b.BlockNum)
	if err != nil {
		return reader.BlockInfo{}, fmt.Errorf("block_num: %w", err)
	}
	ts, err := reader.ParseTimestamp(b.Timestamp)
	if err != nil {
		return reader.BlockInfo{}, err
	}
	return reader.BlockInfo{
		BlockNumber:     number,
		BlockID:         b.ID,
		PreviousBlockID: b.Previous,
		Timestamp:       ts,
		Producer:        b.Producer,
	}, nil
}

// actions flattens the block's transactions in node order. Global
// sequences are only known from traces, so they stay zero.
func (b *rawBlock) actions(info reader.BlockInfo) ([]reader.Action, error) {
	actions := []reader.Action{}
	for _, t := range b.Transactions {
		trxID, raw, err := t.transaction()
		if err != nil {
			return nil, err
		}
		for i, a := range raw {
			data, err := a.data()
			if err != nil {
				return nil, err
			}
			auths := make([]reader.PermissionLevel, len(a.Authorization))
			for j, auth := range a.Authorization {
				auths[j] = reader.PermissionLevel{Actor: auth.Actor, Permission: auth.Permission}
			}
			actions = append(actions, reader.Action{
				BlockNumber:   info.BlockNumber,
				BlockID:       info.BlockID,
				TransactionID: trxID,
				ActionIndex:   uint32(i),
				Account:       a.Account,
				Name:          a.Name,
				Receiver:      a.Account,
				Authorization: auths,
				Data:          data,
			})
		}
	}
	return actions, nil
}
