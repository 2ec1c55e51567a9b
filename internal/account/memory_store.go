package account

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory account store for tests and demo mode. Records
// are stored as marshaled bytes so reads and writes go through the same codec
// as durable stores.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[[AddressSize]byte][]byte
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[[AddressSize]byte][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, addr [AddressSize]byte) (*Record, error) {
	m.mu.RLock()
	raw, ok := m.records[addr]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return ParseRecord(raw)
}

func (m *MemoryStore) Create(_ context.Context, addr [AddressSize]byte, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[addr]; ok {
		return ErrExists
	}
	m.records[addr] = r.Marshal()
	return nil
}

func (m *MemoryStore) Put(_ context.Context, addr [AddressSize]byte, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[addr]; !ok {
		return ErrNotFound
	}
	m.records[addr] = r.Marshal()
	return nil
}

func (m *MemoryStore) List(_ context.Context, afterCreatedAt int64, afterAddr [AddressSize]byte, limit int) ([]Summary, error) {
	m.mu.RLock()
	summaries := make([]Summary, 0, len(m.records))
	for addr, raw := range m.records {
		rec, err := ParseRecord(raw)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		summaries = append(summaries, Summary{Address: addr, Nonce: rec.Nonce, CreatedAt: rec.CreatedAt})
	}
	m.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt != summaries[j].CreatedAt {
			return summaries[i].CreatedAt < summaries[j].CreatedAt
		}
		return bytes.Compare(summaries[i].Address[:], summaries[j].Address[:]) < 0
	})

	out := make([]Summary, 0, limit)
	for _, s := range summaries {
		if s.CreatedAt < afterCreatedAt {
			continue
		}
		if s.CreatedAt == afterCreatedAt && bytes.Compare(s.Address[:], afterAddr[:]) <= 0 {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Bytes returns the raw stored bytes for an address, for byte-identity
// assertions in tests.
func (m *MemoryStore) Bytes(addr [AddressSize]byte) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.records[addr]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), raw...), true
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Lister = (*MemoryStore)(nil)
)
