package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const DefaultPageSize = 500

// Range selects blocks From..To inclusive. A nil To means up to the tail.
type Range struct {
	From uint64
	To   *uint64
}

// ValidationResult is the outcome of a chain walk.
type ValidationResult struct {
	Valid bool `json:"valid" yaml:"valid"`
	// Checked is the number of blocks that passed every check.
	Checked      uint64  `json:"checked" yaml:"checked"`
	InvalidIndex *uint64 `json:"invalid_index,omitempty" yaml:"invalid_index,omitempty"`
	Reason       string  `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Err returns a *CorruptionError for an invalid result and nil otherwise.
func (r ValidationResult) Err() error {
	if r.Valid || r.InvalidIndex == nil {
		return nil
	}
	return &CorruptionError{Index: *r.InvalidIndex, Reason: r.Reason}
}

type ValidatorOption func(*Validator)

func WithPageSize(n uint64) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.pageSize = n
		}
	}
}

// Validator recomputes and checks the links of a persisted chain. It only
// reads from the store and never repairs anything.
type Validator struct {
	store    ChainStore
	pageSize uint64
}

func NewValidator(store ChainStore, opts ...ValidatorOption) *Validator {
	v := &Validator{
		store:    store,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyChain validates the whole chain.
func (v *Validator) VerifyChain(ctx context.Context) (ValidationResult, error) {
	return v.Verify(ctx, Range{})
}

// Verify walks r in increasing index order and stops at the first block
// whose index, hash or link is wrong.
func (v *Validator) Verify(ctx context.Context, r Range) (ValidationResult, error) {
	result := ValidationResult{Valid: true}
	if r.To != nil && *r.To < r.From {
		return result, nil
	}

	expected := r.From
	previousHash := GenesisHash
	if r.From > GenesisIndex {
		anchor, err := v.store.ReadRange(ctx, r.From-1, r.From-1)
		if err != nil {
			return result, errors.Wrapf(ErrPersistenceUnavailable, "reading anchor block %d: %v", r.From-1, err)
		}
		if len(anchor) == 0 || anchor[0].Index != r.From-1 {
			return invalid(result, r.From-1, "anchor block missing"), nil
		}
		if reason := checkBlock(&anchor[0], r.From-1, anchor[0].PreviousHash); reason != "" {
			return invalid(result, r.From-1, "anchor block: "+reason), nil
		}
		previousHash = anchor[0].Hash
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		to := expected + v.pageSize - 1
		if r.To != nil && to > *r.To {
			to = *r.To
		}
		page, err := v.store.ReadRange(ctx, expected, to)
		if err != nil {
			return result, errors.Wrapf(ErrPersistenceUnavailable, "reading blocks %d..%d: %v", expected, to, err)
		}
		if len(page) == 0 {
			// An empty page is the end of the chain only if nothing
			// past it was committed.
			tail, err := v.store.Tail(ctx)
			if err != nil {
				return result, errors.Wrapf(ErrPersistenceUnavailable, "reading tail: %v", err)
			}
			if tail != nil && tail.Index >= expected && (r.To == nil || expected <= *r.To) {
				return invalid(result, expected, fmt.Sprintf("gap: block %d missing", expected)), nil
			}
			break
		}
		for i := range page {
			block := &page[i]
			if reason := checkBlock(block, expected, previousHash); reason != "" {
				log.Warnf("Chain diverges at block %d: %s", expected, reason)
				return invalid(result, expected, reason), nil
			}
			previousHash = block.Hash
			expected++
			result.Checked++
		}
		if r.To != nil && expected > *r.To {
			break
		}
	}
	return result, nil
}

// checkBlock returns why block is not a valid successor, or "" when it is.
func checkBlock(block *Block, expected uint64, previousHash string) string {
	switch {
	case block.Index < expected:
		return fmt.Sprintf("duplicate index %d", block.Index)
	case block.Index > expected:
		return fmt.Sprintf("gap: found index %d", block.Index)
	}
	// Only milliseconds are hashed, anything finer was changed after commit.
	if !block.Timestamp.Equal(block.Timestamp.Truncate(time.Millisecond)) {
		return fmt.Sprintf("timestamp %s has sub-millisecond precision", block.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	hash, err := ComputeHash(block)
	if err != nil {
		return err.Error()
	}
	if hash != block.Hash {
		return fmt.Sprintf("hash mismatch: stored %s, computed %s", block.Hash, hash)
	}
	if block.PreviousHash != previousHash {
		if expected == GenesisIndex {
			return "previous_hash is not the genesis sentinel"
		}
		return fmt.Sprintf("previous_hash %s does not link to block %d", block.PreviousHash, expected-1)
	}
	return ""
}

func invalid(result ValidationResult, index uint64, reason string) ValidationResult {
	result.Valid = false
	result.InvalidIndex = &index
	result.Reason = reason
	return result
}
