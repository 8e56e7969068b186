package ledger

import "context"

// ChainStore persists committed blocks. Implementations must enforce
// uniqueness of Block.Index and must never update or delete a block.
type ChainStore interface {
	// Tail returns the block with the highest index, or nil when the
	// chain is empty.
	Tail(ctx context.Context) (*Block, error)
	// AppendIfIndexFree stores b atomically. It returns ErrIndexConflict
	// when a block with the same index already exists.
	AppendIfIndexFree(ctx context.Context, b *Block) error
	// ReadRange returns the blocks with from <= index <= to, ordered by
	// index.
	ReadRange(ctx context.Context, from, to uint64) ([]Block, error)
}

// Publisher receives committed blocks. Publish must not block.
type Publisher interface {
	Publish(eventName string, payload interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, interface{}) {}
