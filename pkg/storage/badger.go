package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/dgraph-io/badger/v2"
	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const DataStoreDirectory = "bims-ledger.badgerdb"

var blockPrefix = []byte("block/")

// OpenBadger opens (or creates) a badger database at dir. An empty dir
// keeps everything in memory.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(log.StandardLogger())
	return badger.Open(opts)
}

func blockKey(index uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], index)
	return key
}

// BadgerStorage is an embedded ledger.ChainStore. Keys sort by index, so
// the tail is the last key under the block prefix.
type BadgerStorage struct {
	db *badger.DB
}

func NewBadgerStorage(db *badger.DB) BadgerStorage {
	return BadgerStorage{db: db}
}

func (s BadgerStorage) Tail(ctx context.Context) (*ledger.Block, error) {
	var tail *ledger.Block
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = blockPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(blockKey(^uint64(0)))
		if !it.ValidForPrefix(blockPrefix) {
			return nil
		}
		b, err := decodeItem(it.Item())
		if err != nil {
			return err
		}
		tail = b
		return nil
	})
	return tail, err
}

func (s BadgerStorage) AppendIfIndexFree(ctx context.Context, b *ledger.Block) error {
	val, err := json.Marshal(b)
	if err != nil {
		return err
	}
	key := blockKey(b.Index)
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return ledger.ErrIndexConflict
		case err != badger.ErrKeyNotFound:
			return err
		}
		return txn.Set(key, val)
	})
	if err == badger.ErrConflict {
		// Another transaction wrote the key between our read and commit.
		return ledger.ErrIndexConflict
	}
	return err
}

func (s BadgerStorage) ReadRange(ctx context.Context, from, to uint64) ([]ledger.Block, error) {
	var blocks []ledger.Block
	if to < from {
		return blocks, nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = blockPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(blockKey(from)); it.ValidForPrefix(blockPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			index := binary.BigEndian.Uint64(it.Item().Key()[len(blockPrefix):])
			if index > to {
				break
			}
			b, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			blocks = append(blocks, *b)
		}
		return nil
	})
	return blocks, err
}

func decodeItem(item *badger.Item) (*ledger.Block, error) {
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	b := &ledger.Block{}
	if err := json.Unmarshal(val, b); err != nil {
		return nil, errors.Wrapf(err, "decoding block at key %x", item.Key())
	}
	return b, nil
}
