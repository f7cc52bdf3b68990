package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable is the failure injected by MemoryLedger.
var ErrUnavailable = errors.New("ledger unavailable")

// MemoryLedger is an in-process ledger for local development and tests.
// Failures can be injected per call, and confirmations can be held back to
// leave sent writes pending.
type MemoryLedger struct {
	mu      sync.Mutex
	byHash  map[string]string
	refs    map[string]string
	pending map[string]string
	latency time.Duration

	holdConfirms bool
	confirmed    chan struct{}

	failSends int
	failAll   bool
	dropAcks  int

	sendCalls   int
	existsCalls int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byHash:    map[string]string{},
		refs:      map[string]string{},
		pending:   map[string]string{},
		confirmed: make(chan struct{}),
	}
}

// FailNextSends makes the next n Send calls fail without writing.
func (m *MemoryLedger) FailNextSends(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSends = n
}

// FailAlways makes every call fail until reset with false.
func (m *MemoryLedger) FailAlways(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = fail
}

// DropNextAcks makes the next n Send calls write the hash but report a
// failure, as if the response was lost.
func (m *MemoryLedger) DropNextAcks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropAcks = n
}

// SetLatency delays every Send call, honouring ctx.
func (m *MemoryLedger) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// HoldConfirmations leaves sent writes pending while hold is true. Releasing
// the hold confirms every pending write.
func (m *MemoryLedger) HoldConfirmations(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdConfirms = hold
	if hold {
		return
	}
	for ref, hash := range m.pending {
		m.confirmLocked(ref, hash)
	}
}

// SendCalls is the number of Send calls received.
func (m *MemoryLedger) SendCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendCalls
}

// Writes is the number of confirmed hashes on the ledger.
func (m *MemoryLedger) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHash)
}

func (m *MemoryLedger) confirmLocked(ref, hash string) {
	delete(m.pending, ref)
	m.byHash[hash] = ref
	m.refs[ref] = hash
	close(m.confirmed)
	m.confirmed = make(chan struct{})
}

func (m *MemoryLedger) Send(ctx context.Context, hash string) (string, error) {
	if _, err := ParseHash(hash); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.sendCalls++
	latency := m.latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(latency):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return "", ErrUnavailable
	}
	if m.failSends > 0 {
		m.failSends--
		return "", ErrUnavailable
	}
	ref, ok := m.byHash[hash]
	if !ok {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", hash, m.sendCalls)))
		ref = "0x" + hex.EncodeToString(sum[:])
		if m.holdConfirms {
			m.pending[ref] = hash
		} else {
			m.confirmLocked(ref, hash)
		}
	}
	if m.dropAcks > 0 {
		m.dropAcks--
		return "", fmt.Errorf("%w: response lost", ErrUnavailable)
	}
	return ref, nil
}

func (m *MemoryLedger) Await(ctx context.Context, ref string) error {
	for {
		m.mu.Lock()
		if m.failAll {
			m.mu.Unlock()
			return ErrUnavailable
		}
		if _, ok := m.refs[ref]; ok {
			m.mu.Unlock()
			return nil
		}
		if _, ok := m.pending[ref]; !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: write %s", ErrNotFound, ref)
		}
		confirmed := m.confirmed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for write %s: %w", ref, ctx.Err())
		case <-confirmed:
		}
	}
}

func (m *MemoryLedger) State(ctx context.Context, ref string) (WriteState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return "", ErrUnavailable
	}
	if _, ok := m.refs[ref]; ok {
		return WriteConfirmed, nil
	}
	if _, ok := m.pending[ref]; ok {
		return WritePending, nil
	}
	return WriteUnknown, nil
}

// Exists only sees confirmed writes.
func (m *MemoryLedger) Exists(ctx context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	if m.failAll {
		return false, ErrUnavailable
	}
	_, ok := m.byHash[hash]
	return ok, nil
}

func (m *MemoryLedger) Locate(ctx context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return "", ErrUnavailable
	}
	ref, ok := m.byHash[hash]
	if !ok {
		return "", ErrNotFound
	}
	return ref, nil
}

func (m *MemoryLedger) Verify(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return false, ErrUnavailable
	}
	_, ok := m.refs[ref]
	return ok, nil
}
