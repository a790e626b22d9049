// Package memstore provides an in-memory implementation of the durable
// side-store contract. It backs tests and deployments that accept
// process-lifetime durability.
package memstore

import (
	"context"
	"sync"
	"time"
)

// Store implements ports.DurableStore with per-key lists and expiry.
type Store struct {
	mu       sync.Mutex
	lists    map[string][][]byte
	expireAt map[string]time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		lists:    make(map[string][][]byte),
		expireAt: make(map[string]time.Time),
	}
}

// Push appends a value to the list stored at key.
func (s *Store) Push(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpiredLocked(key)
	s.lists[key] = append(s.lists[key], append([]byte(nil), value...))
	return nil
}

// List returns every value stored at key in insertion order.
func (s *Store) List(ctx context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpiredLocked(key)
	values := s.lists[key]
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

// Remove deletes every value at key for which match returns true.
func (s *Store) Remove(ctx context.Context, key string, match func(value []byte) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropIfExpiredLocked(key)
	values := s.lists[key]
	kept := values[:0]
	for _, v := range values {
		if !match(v) {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(s.lists, key)
		delete(s.expireAt, key)
	} else {
		s.lists[key] = kept
	}
	return nil
}

// Expire sets the time-to-live of the whole key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lists[key]; ok {
		s.expireAt[key] = time.Now().Add(ttl)
	}
	return nil
}

func (s *Store) dropIfExpiredLocked(key string) {
	if deadline, ok := s.expireAt[key]; ok && time.Now().After(deadline) {
		delete(s.lists, key)
		delete(s.expireAt, key)
	}
}
