package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryItem struct {
	payload   []byte
	expiresAt time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !now.Before(i.expiresAt)
}

// InMemoryStore keeps entries in a process local map. It gives the at-most-one-winner
// guarantee within a single process only; use RedisStore or PostgresStore when more
// than one instance serves the same keys.
//
// Expired entries are dropped lazily by Lookup and Reserve, and in bulk by Sweep or
// the loop started with RunSweeper.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type InMemoryOption func(*InMemoryStore)

// WithClock replaces time.Now, mainly for tests that need to move past a ttl.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[key]; ok && !existing.expired(now) {
		return ErrAlreadyReserved
	}
	s.items[key] = memoryItem{
		payload:   placeholderPayload,
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (s *InMemoryStore) Complete(_ context.Context, key string, response CachedResponse, ttl time.Duration) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}
	if err := validateResponse(response); err != nil {
		return err
	}
	payload, err := encodeEntry(response)
	if err != nil {
		return err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memoryItem{
		payload:   payload,
		expiresAt: now.Add(ttl),
	}
	return nil
}

func (s *InMemoryStore) Lookup(_ context.Context, key string) (Entry, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Entry{}, false, err
	}

	now := s.now()
	s.mu.Lock()
	item, ok := s.items[key]
	if ok && item.expired(now) {
		delete(s.items, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return Entry{}, false, nil
	}

	// payload bytes are never mutated after insert, so decoding outside the lock is safe
	entry, err := decodeEntry(item.payload)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Sweep removes every expired entry and reports how many were dropped.
func (s *InMemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, item := range s.items {
		if item.expired(now) {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries held, including ones not yet swept.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *InMemoryStore) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				logger.Debug("idempotency sweep", "removed", removed, "remaining", s.Len())
			}
		}
	}
}

var _ Store = (*InMemoryStore)(nil)
