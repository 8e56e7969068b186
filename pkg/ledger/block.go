package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// GenesisHash is the previous_hash of the block at index 0.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
	// GenesisIndex is the index of the first block of every chain.
	GenesisIndex uint64 = 0
	// TimestampLayout is the canonical timestamp encoding, always UTC.
	TimestampLayout = "2006-01-02T15:04:05.000Z"
)

// Block is one committed ledger entry. Blocks are never mutated once the
// store has accepted them.
type Block struct {
	Index        uint64          `json:"index"`
	Timestamp    time.Time       `json:"timestamp"`
	Transaction  json.RawMessage `json:"transaction"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// FormatTimestamp renders t the way it takes part in the block hash.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// CanonicalTransaction re-encodes a JSON payload with sorted object keys,
// no insignificant whitespace and normalized non-integer numbers. It is
// idempotent.
func CanonicalTransaction(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.Wrap(ErrInvalidTransaction, "empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(ErrInvalidTransaction, err.Error())
	}
	if dec.More() {
		return nil, errors.Wrap(ErrInvalidTransaction, "trailing data after payload")
	}
	v, err := normalizeNumbers(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidTransaction, err.Error())
	}
	return out, nil
}

func normalizeNumbers(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, e := range t {
			n, err := normalizeNumbers(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []interface{}:
		for i, e := range t {
			n, err := normalizeNumbers(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			return t, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidTransaction, "number %s out of range", s)
		}
		return json.Number(strconv.FormatFloat(f, 'f', -1, 64)), nil
	default:
		return v, nil
	}
}

// Canonicalize returns the bytes a block hash is computed over: the JSON
// array [index, timestamp, transaction, previous_hash].
func Canonicalize(index uint64, ts time.Time, tx json.RawMessage, previousHash string) ([]byte, error) {
	canonicalTx, err := CanonicalTransaction(tx)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]interface{}{
		index,
		FormatTimestamp(ts),
		canonicalTx,
		previousHash,
	})
}

// HashBytes is the SHA-256 digest of b as lowercase hex.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ComputeHash recomputes the hash of b from its contents, ignoring b.Hash.
func ComputeHash(b *Block) (string, error) {
	data, err := Canonicalize(b.Index, b.Timestamp, b.Transaction, b.PreviousHash)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}
