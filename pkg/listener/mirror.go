package listener

import (
	"context"

	"github.com/kfsoftware/bims-ledger/pkg/hub"
	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/kfsoftware/bims-ledger/pkg/session"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const BatchBlockIndexing = 2000

// Checkpoint persists the last block index stored in the sink.
type Checkpoint interface {
	Load() (uint64, bool, error)
	Save(index uint64) error
}

type memoryCheckpoint struct {
	index uint64
	ok    bool
}

func (c *memoryCheckpoint) Load() (uint64, bool, error) {
	return c.index, c.ok, nil
}

func (c *memoryCheckpoint) Save(index uint64) error {
	c.index, c.ok = index, true
	return nil
}

var mirrorIdentity = session.Identity{Email: "search-mirror"}

// Mirror keeps a BlockStorage in step with the chain. Live blocks arrive
// through the hub; anything missed (at startup or after being dropped as
// a slow subscriber) is read back from the chain store.
type Mirror struct {
	hub        *hub.Hub
	chain      ledger.ChainStore
	sink       BlockStorage
	checkpoint Checkpoint
	batchSize  uint64
	eventName  string
}

func NewMirror(h *hub.Hub, chain ledger.ChainStore, sink BlockStorage, checkpoint Checkpoint, batchSize uint64) *Mirror {
	if checkpoint == nil {
		checkpoint = &memoryCheckpoint{}
	}
	if batchSize == 0 {
		batchSize = BatchBlockIndexing
	}
	return &Mirror{
		hub:        h,
		chain:      chain,
		sink:       sink,
		checkpoint: checkpoint,
		batchSize:  batchSize,
		eventName:  ledger.BlockEventName,
	}
}

// Next returns the first index not yet stored in the sink.
func (m *Mirror) Next() (uint64, error) {
	index, ok, err := m.checkpoint.Load()
	if err != nil {
		return 0, err
	}
	if !ok {
		return ledger.GenesisIndex, nil
	}
	return index + 1, nil
}

// Reindex copies blocks from..to (nil means up to the tail) into the sink
// in batches and returns the next index to copy.
func (m *Mirror) Reindex(ctx context.Context, from uint64, to *uint64) (uint64, error) {
	next := from
	for {
		if err := ctx.Err(); err != nil {
			return next, err
		}
		last := next + m.batchSize - 1
		if to != nil {
			if next > *to {
				return next, nil
			}
			if last > *to {
				last = *to
			}
		}
		blocks, err := m.chain.ReadRange(ctx, next, last)
		if err != nil {
			return next, errors.Wrapf(err, "reading blocks %d..%d", next, last)
		}
		if len(blocks) == 0 {
			return next, nil
		}
		log.Debugf("Blocks in bulk=%d", len(blocks))
		if err := m.sink.StoreBulk(blocks); err != nil {
			return next, errors.Wrapf(err, "storing %d blocks", len(blocks))
		}
		tip := blocks[len(blocks)-1].Index
		log.Debugf("Updating checkpoint for block numbers=%d..%d", next, tip)
		if err := m.checkpoint.Save(tip); err != nil {
			return next, err
		}
		next = tip + 1
	}
}

// Run mirrors until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		sub, err := m.hub.Subscribe(mirrorIdentity)
		if err != nil {
			return err
		}
		err = m.follow(ctx, sub)
		m.hub.Unsubscribe(sub)
		if err != nil || ctx.Err() != nil {
			return err
		}
		log.Warnf("Search mirror fell behind, catching up from the chain store")
	}
}

// follow drains sub until it is dropped (nil error) or ctx ends.
func (m *Mirror) follow(ctx context.Context, sub *hub.Subscriber) error {
	next, err := m.Next()
	if err != nil {
		return err
	}
	// Subscribed before reading, so a block is either read here or
	// delivered below.
	next, err = m.Reindex(ctx, next, nil)
	if err != nil {
		log.Errorf("Search mirror catch-up failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case event := <-sub.Events():
			block, ok := event.Payload.(*ledger.Block)
			if event.Name != m.eventName || !ok || block.Index < next {
				continue
			}
			if block.Index > next {
				upTo := block.Index - 1
				next, err = m.Reindex(ctx, next, &upTo)
				if err != nil || next != block.Index {
					log.Errorf("Search mirror could not fill %d..%d: %v", next, upTo, err)
					continue
				}
			}
			if err := m.sink.Store(block); err != nil {
				log.Errorf("Failed storing block %d in search mirror: %v", block.Index, err)
				continue
			}
			if err := m.checkpoint.Save(block.Index); err != nil {
				log.Errorf("Failed to update checkpoint %v", err)
			}
			next = block.Index + 1
		}
	}
}
