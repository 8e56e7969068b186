package transformation

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	log "github.com/sirupsen/logrus"
)

// Document is the searchable form of one block.
type Document struct {
	TXDate      int64
	BlockNumber uint64
	Hash        string
	Data        map[string]interface{}
	PrimaryKey  string
}

type DocumentExtractionResponse struct {
	DocumentsToAdd map[string]*Document
}

const (
	PrimaryKey  = "_ledger_id"
	DateKey     = "_ledger_date"
	HashKey     = "_ledger_hash"
	PreviousKey = "_ledger_previous_hash"
	IndexKey    = "_ledger_index"
	ValueKey    = "value"
)

// BlocksToDocuments flattens a batch of blocks, one document per index.
func BlocksToDocuments(blocks []ledger.Block) (*DocumentExtractionResponse, error) {
	response := &DocumentExtractionResponse{
		DocumentsToAdd: map[string]*Document{},
	}

	for i := range blocks {
		r, err := BlockToDocuments(&blocks[i])
		if err != nil {
			return nil, err
		}
		for key, doc := range r.DocumentsToAdd {
			response.DocumentsToAdd[key] = doc
		}
	}

	return response, nil
}

// BlockToDocuments flattens the block's transaction into one document. A
// transaction that is not a JSON object is kept under "value".
func BlockToDocuments(block *ledger.Block) (*DocumentExtractionResponse, error) {
	var data map[string]interface{}
	err := json.Unmarshal(block.Transaction, &data)
	if err != nil || data == nil {
		var value interface{}
		if err := json.Unmarshal(block.Transaction, &value); err != nil {
			return nil, err
		}
		log.Debugf("Block %d transaction is not an object, indexing as %s", block.Index, ValueKey)
		data = map[string]interface{}{
			ValueKey: value,
		}
	}
	key := strconv.FormatUint(block.Index, 10)
	txDateMS := block.Timestamp.UnixNano() / int64(time.Millisecond)
	data[PrimaryKey] = key
	data[IndexKey] = block.Index
	data[DateKey] = txDateMS
	data[HashKey] = block.Hash
	data[PreviousKey] = block.PreviousHash

	return &DocumentExtractionResponse{
		DocumentsToAdd: map[string]*Document{
			key: {
				TXDate:      txDateMS,
				BlockNumber: block.Index,
				Hash:        block.Hash,
				Data:        data,
				PrimaryKey:  key,
			},
		},
	}, nil
}
