package ledger

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrWriteContention is returned when an append kept losing the race
	// for the next index. The caller may retry.
	ErrWriteContention = errors.New("ledger: write contention")
	// ErrPersistenceUnavailable is returned when the chain store failed.
	// Nothing was committed and nothing was broadcast.
	ErrPersistenceUnavailable = errors.New("ledger: persistence unavailable")
	// ErrChainCorruption is reported by the validator only.
	ErrChainCorruption = errors.New("ledger: chain corruption")
	// ErrInvalidTransaction means the payload is not canonicalizable JSON.
	ErrInvalidTransaction = errors.New("ledger: invalid transaction")
	// ErrIndexConflict is returned by a ChainStore when the block index is
	// already taken.
	ErrIndexConflict = errors.New("ledger: index already committed")
)

// CorruptionError identifies the first index at which the chain diverges.
type CorruptionError struct {
	Index  uint64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s at index %d: %s", ErrChainCorruption, e.Index, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return ErrChainCorruption
}

// IsRetryable reports whether err is worth resubmitting.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWriteContention)
}
