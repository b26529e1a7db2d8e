package sqlitestore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/clientstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "clients.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c := clientstore.Client{
		ID:           "c1",
		Name:         "First",
		RedirectURIs: []string{"https://a.example.com/cb", "https://b.example.com/cb"},
		AuthMethod:   clientstore.AuthMethodNone,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.Put(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "First" || got.AuthMethod != clientstore.AuthMethodNone {
		t.Errorf("got %+v", got)
	}
	if len(got.RedirectURIs) != 2 || got.RedirectURIs[0] != "https://a.example.com/cb" {
		t.Errorf("RedirectURIs = %v", got.RedirectURIs)
	}
}

func TestGetUnknown(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, clientstore.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPutUpserts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c := clientstore.Client{ID: "c1", Name: "Before", RedirectURIs: []string{"https://a.example.com/cb"}}
	if err := s.Put(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.Name = "After"
	c.RedirectURIs = []string{"https://c.example.com/cb"}
	if err := s.Put(ctx, c); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "After" {
		t.Errorf("Name = %q, want After", got.Name)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != "https://c.example.com/cb" {
		t.Errorf("RedirectURIs = %v", got.RedirectURIs)
	}
}

func TestListOrdering(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"c1", "c2", "c3"} {
		if err := s.Put(ctx, clientstore.Client{
			ID:        id,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d clients", len(all))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if all[i].ID != want {
			t.Errorf("all[%d].ID = %q, want %q", i, all[i].ID, want)
		}
	}
}
