package ledger

import (
	"context"
	"sync"
)

// MemoryLedger keeps the chain in process memory. Used in tests and when
// LEDGER_BACKEND=memory.
type MemoryLedger struct {
	opts Options

	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
}

func NewMemory(opts Options) *MemoryLedger {
	return &MemoryLedger{opts: opts.withDefaults(), byID: map[string]int{}}
}

func (m *MemoryLedger) Append(ctx context.Context, kind string, payload any) (Receipt, error) {
	b, err := encodePayload(kind, payload)
	if err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *Entry
	if n := len(m.entries); n > 0 {
		prev = &m.entries[n-1]
	}
	e := seal(prev, m.opts.NewID(), kind, b, m.opts.Clock())
	m.byID[e.ReceiptID] = len(m.entries)
	m.entries = append(m.entries, e)
	return e.receipt(), nil
}

func (m *MemoryLedger) Verify(ctx context.Context, receiptID string) (bool, error) {
	return verify(ctx, m, receiptID)
}

func (m *MemoryLedger) Get(ctx context.Context, receiptID string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[receiptID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return m.entries[i], nil
}

func (m *MemoryLedger) bySeq(ctx context.Context, seq int64) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq < 1 || seq > int64(len(m.entries)) {
		return Entry{}, ErrNotFound
	}
	return m.entries[seq-1], nil
}

func (m *MemoryLedger) Scan(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(m.entries)) {
		return nil, nil
	}
	rest := m.entries[afterSeq:]
	if len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]Entry, len(rest))
	copy(out, rest)
	return out, nil
}

func (m *MemoryLedger) Ping(context.Context) error { return nil }
