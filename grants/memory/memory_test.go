package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/grants"
	"github.com/mcpgate/mcpgate/tokenbridge"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s := New()
	t.Cleanup(func() { s.Close() })
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestGrantLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	g := grants.Grant{Code: "g1", ClientID: "c1", UpstreamCode: "up1"}
	if err := s.PutGrant(ctx, g, time.Minute); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetGrant(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ClientID != "c1" {
		t.Errorf("ClientID = %q", got.ClientID)
	}

	got.Ready = true
	got.Cred = &tokenbridge.Credential{AccessToken: "at"}
	if err := s.UpdateGrant(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetGrant(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Ready || got.Cred == nil {
		t.Errorf("update lost completion state: %+v", got)
	}
}

func TestConsumeGrantIsOneShot(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	if err := s.PutGrant(ctx, grants.Grant{Code: "g1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConsumeGrant(ctx, "g1"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := s.ConsumeGrant(ctx, "g1"); !errors.Is(err, grants.ErrNotFound) {
		t.Fatalf("second consume: got %v, want ErrNotFound", err)
	}
	if _, err := s.GetGrant(ctx, "g1"); !errors.Is(err, grants.ErrNotFound) {
		t.Fatalf("get after consume: got %v, want ErrNotFound", err)
	}
}

func TestGrantExpiry(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	if err := s.PutGrant(ctx, grants.Grant{Code: "g1"}, time.Minute); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(2 * time.Minute)
	if _, err := s.GetGrant(ctx, "g1"); !errors.Is(err, grants.ErrNotFound) {
		t.Errorf("expired grant: got %v, want ErrNotFound", err)
	}
	if _, err := s.ConsumeGrant(ctx, "g1"); !errors.Is(err, grants.ErrNotFound) {
		t.Errorf("consume expired grant: got %v, want ErrNotFound", err)
	}
}

func TestUpdateGrantPreservesTTL(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	if err := s.PutGrant(ctx, grants.Grant{Code: "g1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(30 * time.Second)
	if err := s.UpdateGrant(ctx, grants.Grant{Code: "g1", Ready: true}); err != nil {
		t.Fatal(err)
	}

	// The update must not have reset the clock: the grant still expires at
	// the original deadline.
	*now = now.Add(45 * time.Second)
	if _, err := s.GetGrant(ctx, "g1"); !errors.Is(err, grants.ErrNotFound) {
		t.Errorf("update extended the TTL: got %v, want ErrNotFound", err)
	}
}

func TestUpdateUnknownGrant(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.UpdateGrant(context.Background(), grants.Grant{Code: "nope"}); !errors.Is(err, grants.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	sess := grants.Session{
		ID:    "s1",
		Props: tokenbridge.Props{Subject: "user-1", Cred: tokenbridge.Credential{AccessToken: "at-1"}},
	}
	if err := s.PutSession(ctx, sess, time.Hour); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Props.Subject != "user-1" {
		t.Errorf("Subject = %q", got.Props.Subject)
	}

	got.Props.Cred.AccessToken = "at-2"
	if err := s.UpdateSession(ctx, got); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Props.Cred.AccessToken != "at-2" {
		t.Errorf("refresh not persisted: %q", got.Props.Cred.AccessToken)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, grants.ErrNotFound) {
		t.Errorf("get after delete: got %v, want ErrNotFound", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	if err := s.PutSession(ctx, grants.Session{ID: "s1"}, time.Hour); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(2 * time.Hour)
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, grants.ErrNotFound) {
		t.Errorf("expired session: got %v, want ErrNotFound", err)
	}
}
