package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Locate when the hash was never written.
	ErrNotFound = errors.New("hash not found on ledger")
	// ErrReverted is returned when the ledger accepted but rejected a write.
	ErrReverted = errors.New("ledger transaction reverted")
	// ErrInvalidHash is returned for anything other than 64 hex characters.
	ErrInvalidHash = errors.New("content hash must be 64 hex characters")
)

// WriteState is the ledger's view of a write that was sent earlier
type WriteState string

const (
	WritePending   WriteState = "pending"
	WriteConfirmed WriteState = "confirmed"
	WriteReverted  WriteState = "reverted"
	WriteUnknown   WriteState = "unknown" // never seen, or dropped
)

// Ledger is the external immutable ledger used to anchor report hashes.
// Every call is a network operation and may fail transiently.
//
// A write is sent and awaited separately so the caller can persist its
// reference in between. A write whose wait timed out is still in flight
// and must be followed with State, not sent again.
type Ledger interface {
	// Send submits the write of hash and returns its reference without
	// waiting for it to become final.
	Send(ctx context.Context, hash string) (string, error)
	// Await blocks until the write ref is final. It returns ErrReverted when
	// the ledger rejected it and ErrNotFound when the ledger does not know it.
	Await(ctx context.Context, ref string) error
	// State reports where a previously sent write stands.
	State(ctx context.Context, ref string) (WriteState, error)
	// Exists reports whether hash was already written.
	Exists(ctx context.Context, hash string) (bool, error)
	// Locate returns the reference of a hash that is already on the ledger.
	Locate(ctx context.Context, hash string) (string, error)
	// Verify reports whether ref is a successful anchoring write.
	Verify(ctx context.Context, ref string) (bool, error)
}

// ParseHash converts a hex content hash, with or without 0x prefix, to the
// 32 byte form the registry contract stores.
func ParseHash(hash string) ([32]byte, error) {
	var out [32]byte
	h := strings.TrimPrefix(strings.ToLower(hash), "0x")
	if len(h) != 64 {
		return out, fmt.Errorf("%w: got %d characters", ErrInvalidHash, len(h))
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	copy(out[:], b)
	return out, nil
}
