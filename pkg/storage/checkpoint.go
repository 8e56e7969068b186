package storage

import (
	"strconv"

	"github.com/dgraph-io/badger/v2"
	log "github.com/sirupsen/logrus"
)

const CurrentBlockKey = "current_block"

// Checkpoint remembers the last block index handed to a mirror sink.
type Checkpoint struct {
	db  *badger.DB
	key []byte
}

func NewCheckpoint(db *badger.DB, name string) Checkpoint {
	key := CurrentBlockKey
	if name != "" {
		key = name + "/" + CurrentBlockKey
	}
	return Checkpoint{db: db, key: []byte(key)}
}

// Load returns the stored index. ok is false when nothing was stored yet.
func (c Checkpoint) Load() (index uint64, ok bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		stored, err := strconv.ParseUint(string(val), 10, 64)
		if err != nil {
			log.Warnf("Block number not found, mirroring from first block: %v", err)
			return nil
		}
		index, ok = stored, true
		return nil
	})
	return index, ok, err
}

func (c Checkpoint) Save(index uint64) error {
	return c.db.Update(func(txn *badger.Txn) error {
		val := []byte(strconv.FormatUint(index, 10))
		err := txn.Set(c.key, val)
		if err != nil {
			log.Errorf("Failed to set current block key=%v", err)
		}
		return err
	})
}
