package journal

import (
	"context"
	"sync"
	"sync/atomic"
)

// Store is the single-writer, many-reader handle to a journal owned by the
// effect runtime. Readers see immutable published versions; Update runs a
// writer against a private copy and publishes it only if the writer
// succeeds.
type Store struct {
	cur atomic.Pointer[Journal]
	// writer is a one-slot semaphore so waiting writers honour ctx.
	writer chan struct{}
	// cloneMu serializes Clone on published versions; btree.Clone
	// updates the source tree's copy-on-write context.
	cloneMu sync.Mutex
}

// NewStore takes ownership of j.
func NewStore(j *Journal) *Store {
	s := &Store{writer: make(chan struct{}, 1)}
	s.cur.Store(j)
	return s
}

// Snapshot returns an independent copy of the current journal.
func (s *Store) Snapshot() *Journal {
	return s.clone()
}

func (s *Store) clone() *Journal {
	s.cloneMu.Lock()
	defer s.cloneMu.Unlock()
	return s.cur.Load().Clone()
}

// Read calls fn with the current published journal. fn must not modify
// it or retain it.
func (s *Store) Read(fn func(*Journal)) {
	fn(s.cur.Load())
}

// Update serializes writers. fn receives a private copy; if fn returns an
// error nothing is published.
func (s *Store) Update(ctx context.Context, fn func(*Journal) error) error {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.writer }()

	next := s.clone()
	if err := fn(next); err != nil {
		return err
	}
	s.cur.Store(next)
	return nil
}

// Replace publishes j wholesale, as when applying a persisted snapshot.
func (s *Store) Replace(ctx context.Context, j *Journal) error {
	return s.Update(ctx, func(cur *Journal) error {
		*cur = *j.Clone()
		return nil
	})
}
