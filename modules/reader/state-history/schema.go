package statehistory

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"chain-reader/modules/reader"

	"github.com/jackc/pgx/v5"
)

const DefaultSchema = "chain"

var errEmptySchema = errors.New("schema name is empty")

// tables of one state-history schema, quoted for direct use in SQL
type tables struct {
	fillStatus    string
	blockInfo     string
	actionTrace   string
	authorization string
}

func newTables(schema string) (tables, error) {
	if strings.TrimSpace(schema) == "" {
		return tables{}, errEmptySchema
	}
	if strings.ContainsRune(schema, 0) {
		return tables{}, fmt.Errorf("invalid schema name %q", schema)
	}
	table := func(name string) string {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return tables{
		fillStatus:    table("fill_status"),
		blockInfo:     table("block_info"),
		actionTrace:   table("action_trace"),
		authorization: table("action_trace_authorization"),
	}, nil
}

func (t tables) statusQuery() string {
	return "SELECT head, irreversible FROM " + t.fillStatus
}

func (t tables) blockInfoQuery() string {
	return `SELECT block_index, block_id, previous, producer, timestamp
		FROM ` + t.blockInfo + `
		WHERE block_index = $1`
}

// actions of one block with one row per authorization. Actions without an
// authorization come back once with an empty actor.
func (t tables) actionsQuery() string {
	return `SELECT at.transaction_id, at.action_index, at.receipt_global_sequence::bigint,
			at.account, at.name, at.receipt_receiver, at.data,
			COALESCE(ata.actor, ''), COALESCE(ata.permission, '')
		FROM ` + t.actionTrace + ` AS at
		JOIN ` + t.blockInfo + ` AS bi
			ON bi.block_index = at.block_index
		LEFT JOIN ` + t.authorization + ` AS ata
			ON ata.block_index = at.block_index
			AND ata.transaction_id = at.transaction_id
			AND ata.action_index = at.action_index
		WHERE at.block_index = $1 AND bi.block_id = $2
		ORDER BY at.receipt_global_sequence, at.action_index`
}

type fillStatus struct {
	Head         int64
	Irreversible int64
}

type blockInfoRow struct {
	BlockIndex int64
	BlockID    string
	Previous   string
	Producer   string
	Timestamp  time.Time
}

func (r blockInfoRow) info() (reader.BlockInfo, error) {
	if r.BlockIndex < 0 {
		return reader.BlockInfo{}, reader.Malformed("block_info.block_index %d", r.BlockIndex)
	}
	if r.BlockID == "" {
		return reader.BlockInfo{}, reader.Malformed("block %d has no block id", r.BlockIndex)
	}
	return reader.BlockInfo{
		BlockNumber:     uint64(r.BlockIndex),
		BlockID:         r.BlockID,
		PreviousBlockID: r.Previous,
		Timestamp:       r.Timestamp.UTC(),
		Producer:        r.Producer,
	}, nil
}

type actionRow struct {
	TransactionID  string
	ActionIndex    int32
	GlobalSequence int64
	Account        string
	Name           string
	Receiver       string
	Data           []byte
	Actor          string
	Permission     string
}

type actionKey struct {
	transactionID string
	actionIndex   int32
}

// groupActions folds the joined rows into one Action per
// (transaction_id, action_index) keeping the row order. The same
// authorization twice for one action means the join matched more rows
// than the schema allows.
func groupActions(info reader.BlockInfo, rows []actionRow) ([]reader.Action, error) {
	actions := make([]reader.Action, 0, len(rows))
	index := map[actionKey]int{}
	seen := map[actionKey]map[reader.PermissionLevel]bool{}

	for _, row := range rows {
		if row.ActionIndex < 0 || row.GlobalSequence < 0 {
			return nil, reader.Malformed("action %s/%d has negative index or sequence",
				row.TransactionID, row.ActionIndex)
		}
		key := actionKey{row.TransactionID, row.ActionIndex}
		i, ok := index[key]
		if !ok {
			data, err := actionData(row.Data)
			if err != nil {
				return nil, err
			}
			i = len(actions)
			index[key] = i
			seen[key] = map[reader.PermissionLevel]bool{}
			actions = append(actions, reader.Action{
				BlockNumber:    info.BlockNumber,
				BlockID:        info.BlockID,
				GlobalSequence: uint64(row.GlobalSequence),
				TransactionID:  row.TransactionID,
				ActionIndex:    uint32(row.ActionIndex),
				Account:        row.Account,
				Name:           row.Name,
				Receiver:       row.Receiver,
				Authorization:  []reader.PermissionLevel{},
				Data:           data,
			})
		} else if actions[i].GlobalSequence != uint64(row.GlobalSequence) {
			return nil, fmt.Errorf("%w: action %s/%d joined with global sequences %d and %d",
				reader.ErrAmbiguousJoin, row.TransactionID, row.ActionIndex,
				actions[i].GlobalSequence, row.GlobalSequence)
		}

		if row.Actor == "" {
			continue
		}
		auth := reader.PermissionLevel{Actor: row.Actor, Permission: row.Permission}
		if seen[key][auth] {
			return nil, fmt.Errorf("%w: action %s/%d lists %s@%s more than once",
				reader.ErrAmbiguousJoin, row.TransactionID, row.ActionIndex, auth.Actor, auth.Permission)
		}
		seen[key][auth] = true
		actions[i].Authorization = append(actions[i].Authorization, auth)
	}
	return actions, nil
}

// action payloads are stored as serialized bytes; they are passed on as a
// hex JSON string
func actionData(data []byte) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(hex.EncodeToString(data))
	if err != nil {
		return nil, reader.Malformed("action data: %s", err)
	}
	return b, nil
}
