package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/refreshg/Vian/pkg/types"
)

// Entry is a snapshot together with the time it was stored.
type Entry struct {
	Snapshot  *types.Snapshot
	UpdatedAt time.Time
}

// Store is a thread-safe in-memory snapshot store, keyed by Query.Key().
// A background goroutine (Run) periodically evicts entries older than the
// configured TTL.
type Store struct {
	mu   sync.RWMutex
	data map[string]*Entry
	ttl  time.Duration
	now  func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given TTL. A non-positive TTL disables
// caching: Get never hits.
func New(ttl time.Duration) *Store {
	return &Store{
		data: make(map[string]*Entry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration { return s.ttl }

// Put stores or replaces the snapshot for snap.Query.
// Callers must not modify snap after calling Put.
func (s *Store) Put(snap *types.Snapshot) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.Query.Key()] = &Entry{
		Snapshot:  snap,
		UpdatedAt: s.now(),
	}
}

// Get returns the fresh Entry for q. Entries older than the TTL are
// reported as missing even before Run evicts them.
func (s *Store) Get(q types.Query) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[q.Key()]
	if !ok || !e.UpdatedAt.After(s.now().Add(-s.ttl)) {
		return nil, false
	}
	return e, true
}

// Invalidate drops every cached snapshot.
func (s *Store) Invalidate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.data)
	s.data = make(map[string]*Entry)
	return n
}

// Count returns the total number of entries currently held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Evict removes entries whose UpdatedAt is older than now minus TTL.
// It returns the number of entries removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for key, e := range s.data {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.data, key)
			removed++
		}
	}
	return removed
}

// Run starts the background TTL eviction loop. It ticks at half the TTL
// interval (minimum 1 second). Run blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	if s.ttl <= 0 {
		<-ctx.Done()
		return
	}
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted stale snapshots", "count", n)
			}
		}
	}
}
