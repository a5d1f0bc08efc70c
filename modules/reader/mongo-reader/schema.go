package mongoreader

import (
	"encoding/json"
	"fmt"

	"chain-reader/modules/reader"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	blockStatesCollection  = "block_states"
	actionTracesCollection = "action_traces"
)

var requiredCollections = []string{blockStatesCollection, actionTracesCollection}

// a document of the block_states collection
type blockStateDoc struct {
	BlockNum         bson.RawValue `bson:"block_num"`
	BlockID          string        `bson:"block_id"`
	BlockHeaderState struct {
		BlockNum                 bson.RawValue `bson:"block_num"`
		ID                       string        `bson:"id"`
		DposIrreversibleBlocknum bson.RawValue `bson:"dpos_irreversible_blocknum"`
		Header                   struct {
			Timestamp string `bson:"timestamp"`
			Producer  string `bson:"producer"`
			Previous  string `bson:"previous"`
		} `bson:"header"`
	} `bson:"block_header_state"`
}

// a document of the action_traces collection
type actionTraceDoc struct {
	BlockNum        bson.RawValue `bson:"block_num"`
	ProducerBlockID string        `bson:"producer_block_id"`
	TrxID           string        `bson:"trx_id"`
	Receipt         struct {
		Receiver       string        `bson:"receiver"`
		GlobalSequence bson.RawValue `bson:"global_sequence"`
	} `bson:"receipt"`
	Act struct {
		Account       string `bson:"account"`
		Name          string `bson:"name"`
		Authorization []struct {
			Actor      string `bson:"actor"`
			Permission string `bson:"permission"`
		} `bson:"authorization"`
		Data bson.RawValue `bson:"data"`
	} `bson:"act"`
}

// requiredUint reads a counter that may have been stored as int32, int64,
// double or decimal string. An absent field is malformed.
func requiredUint(value bson.RawValue, field string) (uint64, error) {
	if value.Type == 0 {
		return 0, reader.Malformed("%s missing", field)
	}
	var decoded any
	if err := value.Unmarshal(&decoded); err != nil {
		return 0, reader.Malformed("%s", err)
	}
	return reader.ParseUint(decoded)
}

// rawJSON renders a bson value as relaxed extended JSON.
func rawJSON(value bson.RawValue) (json.RawMessage, error) {
	if value.Type == 0 {
		return nil, nil
	}
	b, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: value}}, false, false)
	if err != nil {
		return nil, reader.Malformed("action data: %s", err)
	}
	var wrapper struct {
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(b, &wrapper); err != nil {
		return nil, reader.Malformed("action data: %s", err)
	}
	return wrapper.V, nil
}

func (d *blockStateDoc) blockNumber() (uint64, error) {
	if d.BlockHeaderState.BlockNum.Type != 0 {
		return requiredUint(d.BlockHeaderState.BlockNum, "block_header_state.block_num")
	}
	return requiredUint(d.BlockNum, "block_num")
}

func (d *blockStateDoc) irreversibleBlockNumber() (uint64, error) {
	return requiredUint(d.BlockHeaderState.DposIrreversibleBlocknum, "block_header_state.dpos_irreversible_blocknum")
}

func (d *blockStateDoc) blockInfo() (reader.BlockInfo, error) {
	number, err := d.blockNumber()
	if err != nil {
		return reader.BlockInfo{}, fmt.Errorf("block_states: %w", err)
	}
	id := d.BlockID
	if id == "" {
		id = d.BlockHeaderState.ID
	}
	if id == "" {
		return reader.BlockInfo{}, reader.Malformed("block state %d has no block id", number)
	}
	irreversible, err := d.irreversibleBlockNumber()
	if err != nil {
		return reader.BlockInfo{}, fmt.Errorf("block_states: %w", err)
	}
	ts, err := reader.ParseTimestamp(d.BlockHeaderState.Header.Timestamp)
	if err != nil {
		return reader.BlockInfo{}, err
	}
	return reader.BlockInfo{
		BlockNumber:                 number,
		BlockID:                     id,
		PreviousBlockID:             d.BlockHeaderState.Header.Previous,
		Timestamp:                   ts,
		Producer:                    d.BlockHeaderState.Header.Producer,
		LastIrreversibleBlockNumber: irreversible,
	}, nil
}

func (d *actionTraceDoc) action(info reader.BlockInfo) (reader.Action, error) {
	seq, err := requiredUint(d.Receipt.GlobalSequence, "receipt.global_sequence")
	if err != nil {
		return reader.Action{}, fmt.Errorf("action_traces: %w", err)
	}
	data, err := rawJSON(d.Act.Data)
	if err != nil {
		return reader.Action{}, err
	}
	auths := make([]reader.PermissionLevel, len(d.Act.Authorization))
	for i, auth := range d.Act.Authorization {
		auths[i] = reader.PermissionLevel{Actor: auth.Actor, Permission: auth.Permission}
	}
	return reader.Action{
		BlockNumber:    info.BlockNumber,
		BlockID:        d.ProducerBlockID,
		GlobalSequence: seq,
		TransactionID:  d.TrxID,
		Account:        d.Act.Account,
		Name:           d.Act.Name,
		Receiver:       d.Receipt.Receiver,
		Authorization:  auths,
		Data:           data,
	}, nil
}
