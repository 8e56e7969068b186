package ledger_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/kfsoftware/bims-ledger/pkg/ledger"
	"github.com/kfsoftware/bims-ledger/pkg/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestSubmitTransactionFromEmptyChain(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewChainStore()
	pub := &mocks.Publisher{}
	w := ledger.NewWriter(store, pub)

	b0, err := w.SubmitTransaction(ctx, map[string]interface{}{"item": "A", "qty": 5})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b0.Index)
	assert.Equal(t, ledger.GenesisHash, b0.PreviousHash)
	assert.Equal(t, `{"item":"A","qty":5}`, string(b0.Transaction))

	b1, err := w.SubmitTransaction(ctx, map[string]interface{}{"item": "B", "qty": -2})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b1.Index)
	assert.Equal(t, b0.Hash, b1.PreviousHash)
	assert.NotEqual(t, b0.Hash, b1.Hash)

	result, err := ledger.NewValidator(store).VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, uint64(2), result.Checked)

	published := pub.Blocks()
	require.Len(t, published, 2)
	assert.Equal(t, b0, published[0])
	assert.Equal(t, b1, published[1])
	assert.Equal(t, ledger.BlockEventName, pub.Events()[0].Name)
}

func TestSequentialAppendsLinkEveryBlock(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewChainStore()
	w := ledger.NewWriter(store, nil, ledger.WithClock(fixedClock(time.Unix(1700000000, 0))))

	const n = 25
	for i := 0; i < n; i++ {
		_, err := w.Append(ctx, json.RawMessage(`{"seq":`+jsonInt(i)+`}`))
		require.NoError(t, err)
	}
	blocks := store.Blocks()
	require.Len(t, blocks, n)
	for i, b := range blocks {
		assert.Equal(t, uint64(i), b.Index)
		if i == 0 {
			assert.Equal(t, ledger.GenesisHash, b.PreviousHash)
		} else {
			assert.Equal(t, blocks[i-1].Hash, b.PreviousHash)
			assert.False(t, b.Timestamp.Before(blocks[i-1].Timestamp))
		}
		hash, err := ledger.ComputeHash(&b)
		require.NoError(t, err)
		assert.Equal(t, hash, b.Hash)
	}
}

func TestAppendTimestampNeverGoesBackwards(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := mocks.NewChainStore(mocks.NewChain(start, "first")...)
	w := ledger.NewWriter(store, nil, ledger.WithClock(func() time.Time {
		return start.Add(-time.Hour)
	}))
	b, err := w.Append(ctx, json.RawMessage(`"second"`))
	require.NoError(t, err)
	assert.Equal(t, start, b.Timestamp)
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	store := mocks.NewChainStore()
	pub := &mocks.Publisher{}
	w := ledger.NewWriter(store, pub)
	_, err := w.Append(context.Background(), json.RawMessage(`{"item":`))
	assert.ErrorIs(t, err, ledger.ErrInvalidTransaction)
	assert.Zero(t, store.AppendCalls())
	assert.Empty(t, pub.Events())
}

func TestAppendRetriesAfterLosingTheRace(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewChainStore()
	pub := &mocks.Publisher{}
	lost := 0
	store.BeforeAppend = func(s *mocks.ChainStore, b *ledger.Block) {
		if lost >= 2 {
			return
		}
		lost++
		// Another writer commits a valid block at the same index first.
		competing := ledger.Block{
			Index:        b.Index,
			Timestamp:    b.Timestamp,
			Transaction:  json.RawMessage(`{"from":"competitor"}`),
			PreviousHash: b.PreviousHash,
		}
		hash, err := ledger.ComputeHash(&competing)
		if err != nil {
			panic(err)
		}
		competing.Hash = hash
		s.Insert(competing)
	}
	w := ledger.NewWriter(store, pub)
	b, err := w.Append(ctx, json.RawMessage(`{"from":"writer"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.Index)
	assert.Equal(t, 2, lost)
	assert.Equal(t, 3, store.AppendCalls())

	result, err := ledger.NewValidator(store).VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Reason)
	require.Len(t, pub.Blocks(), 1)
	assert.Equal(t, b, pub.Blocks()[0])
}

func TestAppendGivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewChainStore()
	pub := &mocks.Publisher{}
	store.BeforeAppend = func(s *mocks.ChainStore, b *ledger.Block) {
		s.Insert(ledger.Block{Index: b.Index, Hash: "stolen"})
	}
	w := ledger.NewWriter(store, pub, ledger.WithMaxRetries(3))
	_, err := w.Append(ctx, json.RawMessage(`{"item":"A"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrWriteContention)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, 4, store.AppendCalls())
	assert.Empty(t, pub.Events())
}

func TestAppendReportsUnavailableStore(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewChainStore()
	pub := &mocks.Publisher{}
	w := ledger.NewWriter(store, pub)

	store.Err = errors.New("connection refused")
	_, err := w.Append(ctx, json.RawMessage(`{"item":"A"}`))
	assert.ErrorIs(t, err, ledger.ErrPersistenceUnavailable)
	assert.False(t, ledger.IsRetryable(err))

	store.Err = nil
	store.BeforeAppend = func(s *mocks.ChainStore, b *ledger.Block) {
		s.Err = errors.New("disk full")
	}
	_, err = w.Append(ctx, json.RawMessage(`{"item":"A"}`))
	assert.ErrorIs(t, err, ledger.ErrPersistenceUnavailable)

	assert.Empty(t, store.Blocks())
	assert.Empty(t, pub.Events())
}

func TestAppendAbandonedWhenContextEnds(t *testing.T) {
	store := mocks.NewChainStore()
	pub := &mocks.Publisher{}
	w := ledger.NewWriter(store, pub)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Append(ctx, json.RawMessage(`{"item":"A"}`))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "append abandoned before commit")
	assert.Zero(t, store.AppendCalls())
	assert.Empty(t, pub.Events())
}

func TestConcurrentAppendsThroughOneWriter(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewChainStore()
	pub := &mocks.Publisher{}
	w := ledger.NewWriter(store, pub)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Append(ctx, json.RawMessage(`{"seq":`+jsonInt(i)+`}`))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assertDenseChain(t, store, n)
	published := pub.Blocks()
	require.Len(t, published, n)
	for i, b := range published {
		assert.Equal(t, uint64(i), b.Index, "blocks must be published in commit order")
	}
}

func TestConcurrentWritersShareOneStore(t *testing.T) {
	ctx := context.Background()
	store := mocks.NewChainStore()
	writers := []*ledger.Writer{
		ledger.NewWriter(store, nil, ledger.WithMaxRetries(100)),
		ledger.NewWriter(store, nil, ledger.WithMaxRetries(100)),
		ledger.NewWriter(store, nil, ledger.WithMaxRetries(100)),
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	for _, w := range writers {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(w *ledger.Writer) {
				defer wg.Done()
				_, err := w.Append(ctx, json.RawMessage(`{"item":"A"}`))
				if err != nil {
					assert.ErrorIs(t, err, ledger.ErrWriteContention)
					return
				}
				mu.Lock()
				committed++
				mu.Unlock()
			}(w)
		}
	}
	wg.Wait()

	assertDenseChain(t, store, committed)
}

func assertDenseChain(t *testing.T, store *mocks.ChainStore, n int) {
	t.Helper()
	blocks := store.Blocks()
	require.Len(t, blocks, n)
	for i, b := range blocks {
		require.Equal(t, uint64(i), b.Index)
	}
	result, err := ledger.NewValidator(store, ledger.WithPageSize(7)).VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Reason)
	assert.Equal(t, uint64(n), result.Checked)
}

func jsonInt(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
