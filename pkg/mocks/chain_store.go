package mocks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kfsoftware/bims-ledger/pkg/ledger"
)

// ChainStore is an in-memory ledger.ChainStore. Unlike a real store it
// lets tests rewrite history and inject failures.
type ChainStore struct {
	mu     sync.Mutex
	blocks []ledger.Block

	// BeforeAppend runs before every AppendIfIndexFree, outside the lock.
	// Tests use it to let a competing writer win the index.
	BeforeAppend func(s *ChainStore, b *ledger.Block)
	// Err, when set, is returned by every operation.
	Err error

	appendCalls int
}

func NewChainStore(blocks ...ledger.Block) *ChainStore {
	s := &ChainStore{}
	s.blocks = append(s.blocks, blocks...)
	return s
}

func (s *ChainStore) Tail(ctx context.Context) (*ledger.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.blocks) == 0 {
		return nil, nil
	}
	tail := s.blocks[0]
	for _, b := range s.blocks[1:] {
		if b.Index >= tail.Index {
			tail = b
		}
	}
	return &tail, nil
}

func (s *ChainStore) AppendIfIndexFree(ctx context.Context, b *ledger.Block) error {
	if s.BeforeAppend != nil {
		s.BeforeAppend(s, b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.Err != nil {
		return s.Err
	}
	for _, existing := range s.blocks {
		if existing.Index == b.Index {
			return ledger.ErrIndexConflict
		}
	}
	s.blocks = append(s.blocks, *b)
	return nil
}

func (s *ChainStore) ReadRange(ctx context.Context, from, to uint64) ([]ledger.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []ledger.Block
	for _, b := range s.blocks {
		if b.Index >= from && b.Index <= to {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// Insert stores b without the uniqueness check.
func (s *ChainStore) Insert(b ledger.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, b)
}

// Remove deletes every block with the given index.
func (s *ChainStore) Remove(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.blocks[:0]
	for _, b := range s.blocks {
		if b.Index != index {
			kept = append(kept, b)
		}
	}
	s.blocks = kept
}

// Tamper applies fn to the stored block with the given index.
func (s *ChainStore) Tamper(index uint64, fn func(b *ledger.Block)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.blocks {
		if s.blocks[i].Index == index {
			fn(&s.blocks[i])
			return
		}
	}
}

// Blocks returns a copy of the stored blocks ordered by index.
func (s *ChainStore) Blocks() []ledger.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Block, len(s.blocks))
	copy(out, s.blocks)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out
}

func (s *ChainStore) AppendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}

// NewChain builds a valid chain with one block per payload, starting at
// genesis.
func NewChain(start time.Time, payloads ...interface{}) []ledger.Block {
	var blocks []ledger.Block
	previousHash := ledger.GenesisHash
	for i, payload := range payloads {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		tx, err := ledger.CanonicalTransaction(raw)
		if err != nil {
			panic(err)
		}
		b := ledger.Block{
			Index:        uint64(i),
			Timestamp:    start.Add(time.Duration(i) * time.Second).UTC().Truncate(time.Millisecond),
			Transaction:  tx,
			PreviousHash: previousHash,
		}
		b.Hash, err = ledger.ComputeHash(&b)
		if err != nil {
			panic(err)
		}
		previousHash = b.Hash
		blocks = append(blocks, b)
	}
	return blocks
}
