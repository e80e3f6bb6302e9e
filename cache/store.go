package cache

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"
)

// EvictionBuffer is the number of entries evicted beyond the strict overage,
// so that the next few writes do not have to evict again.
const EvictionBuffer = 5

// Policy bounds a store.
type Policy struct {
	// Maximum number of entries after an eviction pass. Zero means unbounded.
	MaxEntries int
	// Entries older than this are removed by Expire. Zero means entries never expire.
	MaxAge time.Duration
}

// Clock provides the storage time of entries.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Store is a named, bounded table of entries on top of a Provider.
// Entries are evicted oldest first, i.e. in ascending StoredAt order.
//
// A Store serializes its own writes, so the check-evict-write sequence of Put
// never interleaves with another writer using the same Store value.
type Store struct {
	name       string
	policy     Policy
	provider   Provider
	clock      Clock
	writeMutex *sync.Mutex
}

// NewStore returns a store using the given provider.
// A nil clock means the system clock.
func NewStore(name string, policy Policy, provider Provider, clock Clock) *Store {
	if clock == nil {
		clock = SystemClock
	}
	return &Store{
		name:       name,
		policy:     policy,
		provider:   provider,
		clock:      clock,
		writeMutex: &sync.Mutex{},
	}
}

func (s *Store) Name() string {
	return s.name
}

func (s *Store) Policy() Policy {
	return s.policy
}

// Open creates the store in the provider.
func (s *Store) Open() error {
	if err := s.provider.Open(s.name); err != nil {
		return fmt.Errorf("open store %s: %w", s.name, err)
	}
	return nil
}

func (s *Store) Get(key string) (Entry, bool, error) {
	return s.provider.Get(s.name, key)
}

func (s *Store) Delete(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	return s.provider.Delete(s.name, key)
}

// Keys returns the keys oldest first.
func (s *Store) Keys() ([]string, error) {
	return s.provider.Keys(s.name)
}

func (s *Store) Count() (int, error) {
	keys, err := s.provider.Keys(s.name)
	return len(keys), err
}

// Put stores a copy of the payload under key.
// If a new key would make the store exceed MaxEntries, the oldest
// count-MaxEntries+EvictionBuffer entries are evicted before the write.
// It returns the number of evicted entries.
func (s *Store) Put(key string, payload Payload) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	evicted := 0
	if s.policy.MaxEntries > 0 {
		keys, err := s.provider.Keys(s.name)
		if err != nil {
			return 0, fmt.Errorf("list store %s: %w", s.name, err)
		}
		if count := len(keys) + 1; !slices.Contains(keys, key) && count > s.policy.MaxEntries {
			if evicted, err = s.evict(keys, count-s.policy.MaxEntries+EvictionBuffer); err != nil {
				return evicted, err
			}
		}
	}

	entry := Entry{
		Key:      key,
		StoredAt: s.clock.Now(),
		Payload:  payload.Clone(),
		Size:     len(payload.Body),
	}
	if err := s.provider.Put(s.name, entry); err != nil {
		return evicted, fmt.Errorf("write %s to store %s: %w", key, s.name, err)
	}
	return evicted, nil
}

// EvictOldest removes the n oldest entries.
// n is clamped to the number of entries; n <= 0 is a no-op.
func (s *Store) EvictOldest(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	keys, err := s.provider.Keys(s.name)
	if err != nil {
		return 0, fmt.Errorf("list store %s: %w", s.name, err)
	}
	return s.evict(keys, n)
}

// Enforce brings the store within MaxEntries using the same rule as Put:
// count-MaxEntries+EvictionBuffer entries are evicted when count > MaxEntries.
func (s *Store) Enforce() (int, error) {
	if s.policy.MaxEntries <= 0 {
		return 0, nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	keys, err := s.provider.Keys(s.name)
	if err != nil {
		return 0, fmt.Errorf("list store %s: %w", s.name, err)
	}
	if len(keys) <= s.policy.MaxEntries {
		return 0, nil
	}
	return s.evict(keys, len(keys)-s.policy.MaxEntries+EvictionBuffer)
}

// Expire removes the entries stored longer than MaxAge ago.
func (s *Store) Expire() (int, error) {
	if s.policy.MaxAge <= 0 {
		return 0, nil
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	keys, err := s.provider.Keys(s.name)
	if err != nil {
		return 0, fmt.Errorf("list store %s: %w", s.name, err)
	}
	cutoff := s.clock.Now().Add(-s.policy.MaxAge)
	expired := 0
	// keys are oldest first, so stop at the first entry that is still young enough
	for _, key := range keys {
		entry, ok, err := s.provider.Get(s.name, key)
		if err != nil {
			return 0, fmt.Errorf("read %s from store %s: %w", key, s.name, err)
		}
		if ok && !entry.StoredAt.Before(cutoff) {
			break
		}
		expired++
	}
	return s.evict(keys, expired)
}

// Purge removes floor(ratio * count) of the oldest entries, regardless of MaxEntries.
func (s *Store) Purge(ratio float64) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	keys, err := s.provider.Keys(s.name)
	if err != nil {
		return 0, fmt.Errorf("list store %s: %w", s.name, err)
	}
	return s.evict(keys, int(math.Floor(ratio*float64(len(keys)))))
}

// evict deletes the first n keys, which must be ordered oldest first.
func (s *Store) evict(keys []string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if n > len(keys) {
		n = len(keys)
	}
	for i := 0; i < n; i++ {
		if err := s.provider.Delete(s.name, keys[i]); err != nil {
			return i, fmt.Errorf("evict %s from store %s: %w", keys[i], s.name, err)
		}
	}
	return n, nil
}
