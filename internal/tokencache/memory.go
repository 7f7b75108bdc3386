package tokencache

import (
	"context"
	"sync"
	"time"
)

type memoryCache struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

// NewMemory returns a process-local cache.
func NewMemory() Cache {
	return &memoryCache{tokens: make(map[string]time.Time)}
}

func (m *memoryCache) Put(_ context.Context, token string, at time.Time) error {
	m.mu.Lock()
	m.tokens[token] = at
	m.mu.Unlock()
	return nil
}

func (m *memoryCache) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
	return nil
}

func (m *memoryCache) Entries(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.tokens))
	for t, at := range m.tokens {
		out = append(out, Entry{Token: t, AcquiredAt: at})
	}
	m.mu.Unlock()
	sortEntries(out)
	return out, nil
}
