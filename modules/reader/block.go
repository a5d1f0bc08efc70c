package reader

import (
	"encoding/json"
	"slices"
	"strconv"
	"time"
)

// BlockInfo is the header state of one block.
type BlockInfo struct {
	BlockNumber                 uint64    `json:"block_number"`
	BlockID                     string    `json:"block_id"`
	PreviousBlockID             string    `json:"previous_block_id,omitempty"`
	Timestamp                   time.Time `json:"timestamp"`
	Producer                    string    `json:"producer,omitempty"`
	LastIrreversibleBlockNumber uint64    `json:"last_irreversible_block_number,omitempty"`
}

type PermissionLevel struct {
	Actor      string `json:"actor"`
	Permission string `json:"permission"`
}

// Action is one action executed within a block.
type Action struct {
	BlockNumber    uint64 `json:"block_number"`
	BlockID        string `json:"block_id"`
	GlobalSequence uint64 `json:"global_sequence,omitempty"`
	TransactionID  string `json:"transaction_id"`
	ActionIndex    uint32 `json:"action_index"`

	Account       string            `json:"account"`
	Name          string            `json:"name"`
	Receiver      string            `json:"receiver,omitempty"`
	Authorization []PermissionLevel `json:"authorization"`
	Data          json.RawMessage   `json:"data,omitempty"`
}

// Type is the "account::name" key consumers dispatch on.
func (a Action) Type() string {
	return a.Account + "::" + a.Name
}

// Block is a block header together with its ordered actions. It is owned
// by the caller once returned.
type Block struct {
	Info    BlockInfo `json:"block_info"`
	Actions []Action  `json:"actions"`
}

func NewBlock(info BlockInfo, actions []Action) *Block {
	if actions == nil {
		actions = []Action{}
	}
	return &Block{Info: info, Actions: actions}
}

// SortByGlobalSequence orders actions ascending by global sequence. Ties
// keep their store order.
func SortByGlobalSequence(actions []Action) {
	slices.SortStableFunc(actions, func(a, b Action) int {
		switch {
		case a.GlobalSequence < b.GlobalSequence:
			return -1
		case a.GlobalSequence > b.GlobalSequence:
			return 1
		}
		return 0
	})
}

// chain nodes print block times without a zone; they are UTC
var timestampLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
}

// ParseTimestamp parses a block timestamp. An empty string is the zero
// time; anything unparseable is a malformed record.
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, Malformed("unrecognized timestamp %q", value)
}

// ParseUint accepts the shapes chain stores use for 64 bit counters:
// numbers, decimal strings (values above 2^32 are often printed as
// strings) and floats without a fraction.
func ParseUint(value any) (uint64, error) {
	switch v := value.(type) {
	case nil:
		return 0, Malformed("missing unsigned integer")
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case int:
		if v >= 0 {
			return uint64(v), nil
		}
	case int32:
		if v >= 0 {
			return uint64(v), nil
		}
	case int64:
		if v >= 0 {
			return uint64(v), nil
		}
	case float64:
		if v >= 0 && v == float64(uint64(v)) {
			return uint64(v), nil
		}
	case json.Number:
		return ParseUint(string(v))
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, Malformed("not an unsigned integer: %v (%T)", value, value)
}
