package security

import (
	"context"
	"sync"
	"time"
)

// NonceStore records nonces that have already been accepted.
type NonceStore interface {
	IsProcessed(ctx context.Context, nonce string) (bool, error)
	MarkProcessed(ctx context.Context, nonce string, ttl time.Duration) error
}

// MemoryNonceStore is an in-process NonceStore. Entries expire after their
// TTL and are swept periodically.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	maxSize int
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// MemoryNonceStoreConfig configures a MemoryNonceStore.
type MemoryNonceStoreConfig struct {
	// MaxSize caps tracked nonces; the soonest-expiring entry is evicted first. 0 = unlimited.
	MaxSize int

	// CleanupInterval is how often expired entries are swept. 0 disables the sweeper.
	CleanupInterval time.Duration
}

// NewMemoryNonceStore creates a store. Call Close to stop the sweeper.
func NewMemoryNonceStore(cfg MemoryNonceStoreConfig) *MemoryNonceStore {
	s := &MemoryNonceStore{
		entries: make(map[string]time.Time),
		maxSize: cfg.MaxSize,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go s.cleanupLoop(cfg.CleanupInterval)
	}
	return s
}

// IsProcessed reports whether nonce was marked and has not expired.
func (s *MemoryNonceStore) IsProcessed(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.entries[nonce]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expiresAt) {
		delete(s.entries, nonce)
		return false, nil
	}
	return true, nil
}

// MarkProcessed records nonce until ttl elapses.
func (s *MemoryNonceStore) MarkProcessed(_ context.Context, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[nonce]; !exists && s.maxSize > 0 && len(s.entries) >= s.maxSize {
		s.evictOldest()
	}
	s.entries[nonce] = s.now().Add(ttl)
	return nil
}

// Size returns the number of tracked nonces, including expired ones not yet swept.
func (s *MemoryNonceStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup removes expired entries and returns how many were dropped.
func (s *MemoryNonceStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for nonce, expiresAt := range s.entries {
		if !now.Before(expiresAt) {
			delete(s.entries, nonce)
			removed++
		}
	}
	return removed
}

// Close stops the background sweeper. It is safe to call more than once.
func (s *MemoryNonceStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// evictOldest removes the entry closest to expiry. Must be called with lock held.
func (s *MemoryNonceStore) evictOldest() {
	var oldest string
	var oldestAt time.Time
	first := true
	for nonce, expiresAt := range s.entries {
		if first || expiresAt.Before(oldestAt) {
			oldest, oldestAt, first = nonce, expiresAt, false
		}
	}
	if !first {
		delete(s.entries, oldest)
	}
}

func (s *MemoryNonceStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}
