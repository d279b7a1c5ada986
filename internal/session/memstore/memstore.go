// Package memstore implements session.Store with an in-process TTL cache.
// Used when neither Redis nor a database is configured.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/jkaninda/sage/internal/session"
)

// Store keeps session records in a go-cache instance. The cache handles TTL
// expiry and background cleanup; the mutex serializes read-modify-write
// cycles so AppendTrace stays atomic.
type Store struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// New creates a Store whose records expire after ttl. A ttl of zero means
// records never expire.
func New(ttl time.Duration) *Store {
	cleanup := ttl
	if cleanup <= 0 {
		cleanup = time.Hour
	}
	return &Store{cache: gocache.New(ttl, cleanup)}
}

func (s *Store) Put(_ context.Context, rec *session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := rec.Clone()
	cp.Session.UpdatedAt = time.Now().UTC()
	s.cache.Set(rec.Session.ID.String(), cp, gocache.DefaultExpiration)
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(id.String())
	if !ok {
		return nil, session.ErrNotFound
	}
	return v.(*session.Record).Clone(), nil
}

func (s *Store) AppendTrace(_ context.Context, id uuid.UUID, entries ...session.TraceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(id.String())
	if !ok {
		return session.ErrNotFound
	}
	rec := v.(*session.Record).Clone()
	rec.Trace = append(rec.Trace, entries...)
	s.cache.Set(id.String(), rec, gocache.DefaultExpiration)
	return nil
}

func (s *Store) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(id.String())
	return nil
}

func (s *Store) Close() error {
	s.cache.Flush()
	return nil
}

// Compile-time check.
var _ session.Store = (*Store)(nil)
