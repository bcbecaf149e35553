// Package fakestore is an in-memory coord.Store for tests, with a manual
// clock and fault injection switches.
package fakestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ycluster/roled/coord"
)

// Store is an in-memory implementation of coord.Store.
type Store struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	leases map[coord.LeaseID]leaseEntry
	keys   map[string]keyEntry

	unavailable   bool
	keepAliveFail int
}

type leaseEntry struct {
	ttl time.Duration
	exp time.Time
}

type keyEntry struct {
	value []byte
	lease coord.LeaseID
}

// New returns a fresh in-memory store.
func New() *Store {
	return &Store{
		now:    time.Now(),
		leases: map[coord.LeaseID]leaseEntry{},
		keys:   map[string]keyEntry{},
	}
}

// Advance moves the internal clock forward, expiring leases and the keys
// bound to them (useful for deterministic tests).
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
	s.evictExpired()
}

// SetUnavailable makes every call fail with coord.ErrUnavailable.
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// FailKeepAlives makes the next n KeepAlive calls fail with
// coord.ErrUnavailable without touching lease state.
func (s *Store) FailKeepAlives(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAliveFail = n
}

// Put writes an arbitrary key without a lease, standing in for the
// external administrative tooling (drain flags and the like).
func (s *Store) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = keyEntry{value: append([]byte(nil), value...)}
}

// Delete removes an arbitrary key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// LeaseCount reports how many unexpired leases exist.
func (s *Store) LeaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired()
	return len(s.leases)
}

// Grant implements coord.Store.
func (s *Store) Grant(_ context.Context, ttl time.Duration) (coord.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return "", coord.ErrUnavailable
	}
	s.seq++
	id := coord.LeaseID(fmt.Sprintf("lease-%d", s.seq))
	s.leases[id] = leaseEntry{ttl: ttl, exp: s.now.Add(ttl)}
	return id, nil
}

// KeepAlive implements coord.Store.
func (s *Store) KeepAlive(_ context.Context, id coord.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return coord.ErrUnavailable
	}
	if s.keepAliveFail > 0 {
		s.keepAliveFail--
		return coord.ErrUnavailable
	}
	s.evictExpired()
	l, ok := s.leases[id]
	if !ok {
		return coord.ErrLeaseExpired
	}
	l.exp = s.now.Add(l.ttl)
	s.leases[id] = l
	return nil
}

// Revoke implements coord.Store.
func (s *Store) Revoke(_ context.Context, id coord.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return coord.ErrUnavailable
	}
	s.dropLease(id)
	return nil
}

// TryAcquire implements coord.Store.
func (s *Store) TryAcquire(_ context.Context, key, value string, id coord.LeaseID) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return false, "", coord.ErrUnavailable
	}
	s.evictExpired()
	if cur, ok := s.keys[key]; ok {
		return false, string(cur.value), nil
	}
	if _, ok := s.leases[id]; !ok {
		return false, "", coord.ErrLeaseExpired
	}
	s.keys[key] = keyEntry{value: []byte(value), lease: id}
	return true, "", nil
}

// Get implements coord.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, false, coord.ErrUnavailable
	}
	s.evictExpired()
	e, ok := s.keys[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Ping implements coord.Store.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return coord.ErrUnavailable
	}
	return nil
}

// Close implements coord.Store.
func (s *Store) Close() error { return nil }

func (s *Store) evictExpired() {
	for id, l := range s.leases {
		if !l.exp.After(s.now) {
			s.dropLease(id)
		}
	}
}

func (s *Store) dropLease(id coord.LeaseID) {
	delete(s.leases, id)
	for key, e := range s.keys {
		if e.lease == id {
			delete(s.keys, key)
		}
	}
}
