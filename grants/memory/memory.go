// Package memory is an in-process grants.Store for single-node deployments
// and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/grants"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e entry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store implements grants.Store with two TTL maps. Expired entries are
// dropped lazily on read and by a coarse janitor sweep.
type Store struct {
	mu       sync.Mutex
	grants   map[string]entry[grants.Grant]
	sessions map[string]entry[grants.Session]
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

var _ grants.Store = (*Store)(nil)

func New() *Store {
	s := &Store{
		grants:   make(map[string]entry[grants.Grant]),
		sessions: make(map[string]entry[grants.Session]),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *Store) janitor() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			now := s.now()
			s.mu.Lock()
			for k, e := range s.grants {
				if e.expired(now) {
					delete(s.grants, k)
				}
			}
			for k, e := range s.sessions {
				if e.expired(now) {
					delete(s.sessions, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Store) PutGrant(_ context.Context, g grants.Grant, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.Code] = entry[grants.Grant]{value: g, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *Store) GetGrant(_ context.Context, code string) (grants.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.grants[code]
	if !ok || e.expired(s.now()) {
		delete(s.grants, code)
		return grants.Grant{}, grants.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) UpdateGrant(_ context.Context, g grants.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.grants[g.Code]
	if !ok || e.expired(s.now()) {
		delete(s.grants, g.Code)
		return grants.ErrNotFound
	}
	e.value = g
	s.grants[g.Code] = e
	return nil
}

func (s *Store) ConsumeGrant(_ context.Context, code string) (grants.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.grants[code]
	delete(s.grants, code)
	if !ok || e.expired(s.now()) {
		return grants.Grant{}, grants.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) PutSession(_ context.Context, sess grants.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = entry[grants.Session]{value: sess, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (grants.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok || e.expired(s.now()) {
		delete(s.sessions, id)
		return grants.Session{}, grants.ErrNotFound
	}
	return e.value, nil
}

func (s *Store) UpdateSession(_ context.Context, sess grants.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sess.ID]
	if !ok || e.expired(s.now()) {
		delete(s.sessions, sess.ID)
		return grants.ErrNotFound
	}
	e.value = sess
	s.sessions[sess.ID] = e
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}
