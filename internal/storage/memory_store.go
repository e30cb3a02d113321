package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	pending   Pending
	expiresAt time.Time
}

// memoryStore keeps the outbox and credentials in process memory.
type memoryStore struct {
	mu          sync.Mutex
	pending     map[string]memoryEntry
	credentials map[string]string
	ttl         time.Duration
	now         func() time.Time
}

func newMemoryStore(opts Options) *memoryStore {
	return &memoryStore{
		pending:     make(map[string]memoryEntry),
		credentials: make(map[string]string),
		ttl:         opts.PendingTTL,
		now:         time.Now,
	}
}

func (m *memoryStore) Close() error { return nil }

func (m *memoryStore) PutPending(p Pending) error {
	if p.Key == "" {
		return fmt.Errorf("pending entry has no key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[p.Key] = memoryEntry{pending: p, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *memoryStore) DuePending(limit int) ([]Pending, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	keys := make([]string, 0, len(m.pending))
	for k, e := range m.pending {
		if !e.expiresAt.After(now) {
			delete(m.pending, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]Pending, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.pending[k].pending)
	}
	return out, nil
}

func (m *memoryStore) DeletePending(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, key)
	return nil
}

func (m *memoryStore) GetCredential(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.credentials[key]
	return v, ok, nil
}

func (m *memoryStore) SetCredential(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[key] = value
	return nil
}

func (m *memoryStore) DeleteCredential(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, key)
	return nil
}
