// Package memory is an in-process clientstore.Store.
package memory

import (
	"context"
	"sync"

	"github.com/mcpgate/mcpgate/clientstore"
)

type Store struct {
	mu      sync.RWMutex
	clients map[string]clientstore.Client
}

var _ clientstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{clients: make(map[string]clientstore.Client)}
}

func (s *Store) Get(_ context.Context, id string) (clientstore.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return clientstore.Client{}, clientstore.ErrNotFound
	}
	return c, nil
}

func (s *Store) Put(_ context.Context, c clientstore.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	s.clients[c.ID] = c
	return nil
}

func (s *Store) List(_ context.Context) ([]clientstore.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]clientstore.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
