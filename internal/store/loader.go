package store

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/refreshg/Vian/pkg/types"
)

// Fetcher retrieves a fresh snapshot from the CRM.
type Fetcher interface {
	Collect(ctx context.Context, q types.Query) (*types.Snapshot, error)
}

// Loader serves snapshots from the Store, fetching on a miss. Concurrent
// misses for the same query share one fetch.
type Loader struct {
	store   *Store
	fetcher Fetcher
	group   singleflight.Group
}

// NewLoader returns a Loader backed by st and f.
func NewLoader(st *Store, f Fetcher) *Loader {
	return &Loader{store: st, fetcher: f}
}

// Load returns the snapshot for q and whether it came from the cache.
// Failed fetches are not cached.
func (l *Loader) Load(ctx context.Context, q types.Query) (*types.Snapshot, bool, error) {
	if e, ok := l.store.Get(q); ok {
		return e.Snapshot, true, nil
	}
	v, err, _ := l.group.Do(q.Key(), func() (any, error) {
		snap, err := l.fetcher.Collect(ctx, q)
		if err != nil {
			return nil, err
		}
		l.store.Put(snap)
		return snap, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: load %s: %w", q.Key(), err)
	}
	return v.(*types.Snapshot), false, nil
}

// Refresh fetches q unconditionally and replaces any cached copy.
func (l *Loader) Refresh(ctx context.Context, q types.Query) (*types.Snapshot, error) {
	snap, err := l.fetcher.Collect(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: refresh %s: %w", q.Key(), err)
	}
	l.store.Put(snap)
	return snap, nil
}

// Store returns the underlying Store.
func (l *Loader) Store() *Store { return l.store }
