package listener

import "github.com/kfsoftware/bims-ledger/pkg/ledger"

// BlockStorage is a secondary copy of the chain kept for search. It is
// never consulted for integrity.
type BlockStorage interface {
	Store(block *ledger.Block) error
	StoreBulk(blocks []ledger.Block) error
}

type IndexDoc = map[string]interface{}
