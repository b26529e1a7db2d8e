package tokenbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBridge(t *testing.T, handler http.HandlerFunc) *Bridge {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := New(srv.URL+"/token", "gw-client", "gw-secret")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "client", ""); err == nil {
		t.Error("expected error for empty token endpoint")
	}
	if _, err := New("https://idp.example.com/token", "", ""); err == nil {
		t.Error("expected error for empty client ID")
	}
}

func TestExchange(t *testing.T) {
	ctx := context.Background()

	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("code"); got != "ABC" {
			t.Errorf("code = %q, want ABC", got)
		}
		if got := r.PostForm.Get("client_id"); got != "gw-client" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "gw-secret" {
			t.Errorf("client_secret = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","token_type":"Bearer","refresh_token":"rt-1","expires_in":3600}`)
	})

	cred, err := b.Exchange(ctx, "ABC", "https://gw.example.com/callback")
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if cred.AccessToken != "at-1" || cred.RefreshToken != "rt-1" {
		t.Errorf("unexpected credential: %+v", cred)
	}
	if cred.ExpiresAt.IsZero() {
		t.Error("expected ExpiresAt derived from expires_in")
	}
	if until := time.Until(cred.ExpiresAt); until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("ExpiresAt %v not near one hour out", cred.ExpiresAt)
	}
}

func TestExchangeErrorCarriesUpstreamVerbatim(t *testing.T) {
	const upstreamBody = `{"error":"invalid_grant","error_description":"code expired"}`
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, upstreamBody)
	})

	_, err := b.Exchange(context.Background(), "ABC", "https://gw.example.com/callback")
	var xerr *ExchangeError
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *ExchangeError, got %v", err)
	}
	if xerr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", xerr.Status)
	}
	if xerr.Body != upstreamBody {
		t.Errorf("Body = %q, want upstream body verbatim", xerr.Body)
	}
}

func TestExchangeRejectsEmptyAccessToken(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"token_type":"Bearer"}`)
	})
	if _, err := b.Exchange(context.Background(), "ABC", ""); err == nil {
		t.Fatal("expected error for response without access token")
	}
}

func TestRefresh(t *testing.T) {
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-1" {
			t.Errorf("refresh_token = %q", got)
		}
		// No rotated refresh token in the response.
		fmt.Fprint(w, `{"access_token":"at-2","expires_in":1800}`)
	})

	cred, err := b.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if cred.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want empty when upstream did not rotate", cred.RefreshToken)
	}
}

func TestRefreshSessionCollapsesConcurrentCalls(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	b := newTestBridge(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		fmt.Fprint(w, `{"access_token":"at-2","expires_in":1800}`)
	})

	const concurrency = 4
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.RefreshSession(context.Background(), "sess-1", "rt-1")
		}(i)
	}

	// Let all callers pile onto the single in-flight refresh, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("upstream called %d times, want 1", got)
	}
}

func TestCredentialMergeInto(t *testing.T) {
	props := &Props{
		Subject: "user-1",
		Email:   "u@example.com",
		Cred: Credential{
			AccessToken:  "at-1",
			TokenType:    "Bearer",
			RefreshToken: "rt-1",
			ExpiresAt:    time.Now().Add(time.Minute),
			IDToken:      "idt-1",
		},
	}

	t.Run("PreservesUnrotatedRefreshToken", func(t *testing.T) {
		patch := &Credential{AccessToken: "at-2", ExpiresIn: 1800, ExpiresAt: time.Now().Add(30 * time.Minute)}
		patch.MergeInto(props)
		if props.Cred.AccessToken != "at-2" {
			t.Errorf("AccessToken = %q, want at-2", props.Cred.AccessToken)
		}
		if props.Cred.RefreshToken != "rt-1" {
			t.Errorf("RefreshToken = %q, want prior rt-1 retained", props.Cred.RefreshToken)
		}
		if props.Cred.IDToken != "idt-1" {
			t.Errorf("IDToken = %q, want prior retained", props.Cred.IDToken)
		}
		if props.Subject != "user-1" || props.Email != "u@example.com" {
			t.Error("identity fields must not change on merge")
		}
	})

	t.Run("AdoptsRotatedRefreshToken", func(t *testing.T) {
		patch := &Credential{AccessToken: "at-3", RefreshToken: "rt-2"}
		patch.MergeInto(props)
		if props.Cred.RefreshToken != "rt-2" {
			t.Errorf("RefreshToken = %q, want rotated rt-2", props.Cred.RefreshToken)
		}
	})
}

func TestNeedsRefresh(t *testing.T) {
	cases := []struct {
		name string
		cred Credential
		want bool
	}{
		{"NoExpiry", Credential{AccessToken: "at"}, false},
		{"FarFromExpiry", Credential{ExpiresAt: time.Now().Add(time.Hour)}, false},
		{"InsideThreshold", Credential{ExpiresAt: time.Now().Add(time.Minute)}, true},
		{"AlreadyExpired", Credential{ExpiresAt: time.Now().Add(-time.Minute)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cred.NeedsRefresh(); got != tc.want {
				t.Errorf("NeedsRefresh = %v, want %v", got, tc.want)
			}
		})
	}
}
