package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kfsoftware/bims-ledger/pkg/metrics"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries = 5
	BlockEventName    = "new-block"
)

type WriterOption func(*Writer)

// WithMaxRetries bounds the extra attempts made after an index conflict.
func WithMaxRetries(n int) WriterOption {
	return func(w *Writer) {
		if n >= 0 {
			w.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		w.now = now
	}
}

func WithEventName(name string) WriterOption {
	return func(w *Writer) {
		w.eventName = name
	}
}

// Writer is the only component that extends the chain. Within a process
// appends are serialized by a mutex; across processes the store's unique
// index turns a lost race into ErrIndexConflict, which is retried.
type Writer struct {
	store      ChainStore
	publisher  Publisher
	now        func() time.Time
	maxRetries int
	eventName  string

	// mu guards read-tail/compute/persist. publishMu is taken before mu
	// is released so blocks are published in commit order.
	mu        sync.Mutex
	publishMu sync.Mutex
}

func NewWriter(store ChainStore, publisher Publisher, opts ...WriterOption) *Writer {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	w := &Writer{
		store:      store,
		publisher:  publisher,
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
		eventName:  BlockEventName,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SubmitTransaction records payload on the chain. payload may be any value
// encoding/json can marshal, including a json.RawMessage.
func (w *Writer) SubmitTransaction(ctx context.Context, payload interface{}) (*Block, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		metrics.Appends.WithLabelValues(metrics.ResultInvalid).Inc()
		return nil, errors.Wrap(ErrInvalidTransaction, err.Error())
	}
	return w.Append(ctx, raw)
}

// Append commits tx as the next block and publishes it.
func (w *Writer) Append(ctx context.Context, tx json.RawMessage) (*Block, error) {
	canonicalTx, err := CanonicalTransaction(tx)
	if err != nil {
		metrics.Appends.WithLabelValues(metrics.ResultInvalid).Inc()
		return nil, err
	}

	w.mu.Lock()
	block, err := w.commit(ctx, canonicalTx)
	if err != nil {
		w.mu.Unlock()
		return nil, err
	}
	w.publishMu.Lock()
	w.mu.Unlock()

	w.publisher.Publish(w.eventName, block)
	w.publishMu.Unlock()

	return block, nil
}

// commit runs the append protocol against the current tail. Callers hold mu.
func (w *Writer) commit(ctx context.Context, tx json.RawMessage) (*Block, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "append abandoned before commit")
		}
		tail, err := w.store.Tail(ctx)
		if err != nil {
			metrics.Appends.WithLabelValues(metrics.ResultUnavailable).Inc()
			return nil, errors.Wrapf(ErrPersistenceUnavailable, "reading tail: %v", err)
		}
		block, err := w.next(tail, tx)
		if err != nil {
			return nil, err
		}
		err = w.store.AppendIfIndexFree(ctx, block)
		switch {
		case err == nil:
			metrics.Appends.WithLabelValues(metrics.ResultCommitted).Inc()
			metrics.TailIndex.Set(float64(block.Index))
			log.Debugf("Committed block %d hash=%s", block.Index, block.Hash)
			return block, nil
		case errors.Is(err, ErrIndexConflict):
			if attempt >= w.maxRetries {
				metrics.Appends.WithLabelValues(metrics.ResultContention).Inc()
				return nil, errors.Wrapf(ErrWriteContention, "index %d still taken after %d attempts", block.Index, attempt+1)
			}
			metrics.AppendRetries.Inc()
			log.Infof("Index %d taken by another writer, retrying (%d/%d)", block.Index, attempt+1, w.maxRetries)
		default:
			metrics.Appends.WithLabelValues(metrics.ResultUnavailable).Inc()
			return nil, errors.Wrapf(ErrPersistenceUnavailable, "appending block %d: %v", block.Index, err)
		}
	}
}

func (w *Writer) next(tail *Block, tx json.RawMessage) (*Block, error) {
	block := &Block{
		Index:        GenesisIndex,
		Timestamp:    w.now().UTC().Truncate(time.Millisecond),
		Transaction:  tx,
		PreviousHash: GenesisHash,
	}
	if tail != nil {
		block.Index = tail.Index + 1
		block.PreviousHash = tail.Hash
		if block.Timestamp.Before(tail.Timestamp) {
			block.Timestamp = tail.Timestamp.UTC().Truncate(time.Millisecond)
		}
	}
	hash, err := ComputeHash(block)
	if err != nil {
		return nil, err
	}
	block.Hash = hash
	return block, nil
}
