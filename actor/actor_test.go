package actor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mcpgate/mcpgate/catalog"
	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/tokenbridge"
)

// recordingCatalog captures every Call so tests can assert on the identity
// context the actor attached.
type recordingCatalog struct {
	mu      sync.Mutex
	calls   []recordedCall
	callErr error
}

type recordedCall struct {
	props  *tokenbridge.Props
	method string
}

func (c *recordingCatalog) Describe(context.Context) (catalog.Descriptor, error) {
	return catalog.Descriptor{
		ServerName:    "test-server",
		ServerVersion: "0.0.1",
		Tools:         []catalog.Tool{{Name: "whoami"}},
	}, nil
}

func (c *recordingCatalog) Call(_ context.Context, props *tokenbridge.Props, method string, _ json.RawMessage) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, recordedCall{props: props, method: method})
	if c.callErr != nil {
		return nil, c.callErr
	}
	return map[string]string{"subject": props.Subject}, nil
}

func (c *recordingCatalog) recorded() []recordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedCall(nil), c.calls...)
}

func mustRequest(t *testing.T, raw string) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.ParseRequest([]byte(raw))
	if err != nil {
		t.Fatalf("ParseRequest(%s): %v", raw, err)
	}
	return req
}

func testProps() *tokenbridge.Props {
	return &tokenbridge.Props{
		Subject: "user-1",
		Cred:    tokenbridge.Credential{AccessToken: "at-1"},
	}
}

func TestDiscoveryMethodsNeedNoIdentity(t *testing.T) {
	ctx := context.Background()
	cat := &recordingCatalog{}
	reg := NewRegistry(cat)
	defer reg.shutdown()

	for _, method := range []string{"initialize", "ping", "tools/list", "resources/list", "prompts/list"} {
		resp, err := reg.Deliver(ctx, DiscoveryKey, Missing(),
			mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"`+method+`"}`))
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		if resp.Error != nil {
			t.Errorf("%s: unexpected error %v", method, resp.Error)
		}
	}
	if calls := cat.recorded(); len(calls) != 0 {
		t.Errorf("discovery must not reach Call, got %v", calls)
	}
}

func TestProtectedMethodWithoutIdentity(t *testing.T) {
	ctx := context.Background()
	cat := &recordingCatalog{}
	reg := NewRegistry(cat)
	defer reg.shutdown()

	resp, err := reg.Deliver(ctx, DiscoveryKey, Missing(),
		mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"whoami"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeAuthenticationRequired {
		t.Fatalf("expected AuthenticationRequired, got %+v", resp)
	}
	if calls := cat.recorded(); len(calls) != 0 {
		t.Errorf("gated call must never reach the catalogue, got %v", calls)
	}
}

func TestProtectedMethodWithIdentity(t *testing.T) {
	ctx := context.Background()
	cat := &recordingCatalog{}
	reg := NewRegistry(cat)
	defer reg.shutdown()

	resp, err := reg.Deliver(ctx, "sess:1", Authenticated(testProps()),
		mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"whoami"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	calls := cat.recorded()
	if len(calls) != 1 || calls[0].method != "whoami" {
		t.Fatalf("calls = %v", calls)
	}
	if calls[0].props == nil || calls[0].props.Subject != "user-1" {
		t.Errorf("catalogue received wrong props: %+v", calls[0].props)
	}
}

func TestDiscoveryOnAuthenticatedActorRestoresContext(t *testing.T) {
	// A discovery method arriving on an authenticated actor must run without
	// the caller's identity and must not clobber it for the next message.
	ctx := context.Background()
	cat := &recordingCatalog{}
	reg := NewRegistry(cat)
	defer reg.shutdown()

	ident := Authenticated(testProps())

	resp, err := reg.Deliver(ctx, "sess:1", ident,
		mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("tools/list failed: %v", resp.Error)
	}

	resp, err = reg.Deliver(ctx, "sess:1", ident,
		mustRequest(t, `{"jsonrpc":"2.0","id":2,"method":"whoami"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != nil {
		t.Fatalf("whoami after discovery failed: %v", resp.Error)
	}
	if calls := cat.recorded(); len(calls) != 1 || calls[0].props.Subject != "user-1" {
		t.Errorf("identity context not restored after discovery: %v", calls)
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(&recordingCatalog{})
	defer reg.shutdown()

	resp, err := reg.Deliver(ctx, DiscoveryKey, Missing(),
		mustRequest(t, `{"jsonrpc":"2.0","method":"whoami"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil {
		t.Fatalf("notification produced a response: %+v", resp)
	}
}

func TestUnknownMethod(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(&recordingCatalog{callErr: catalog.ErrMethodNotFound})
	defer reg.shutdown()

	resp, err := reg.Deliver(ctx, "sess:1", Authenticated(testProps()),
		mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"no/such"}`))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp)
	}
}

func TestInitializeResult(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(&recordingCatalog{})
	defer reg.shutdown()

	resp, err := reg.Deliver(ctx, DiscoveryKey, Missing(),
		mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	if err != nil {
		t.Fatal(err)
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, ProtocolVersion)
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("serverInfo.name = %q", result.ServerInfo.Name)
	}
}

func TestRegistryRetriesAfterEviction(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(&recordingCatalog{})
	defer reg.shutdown()

	req := mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if _, err := reg.Deliver(ctx, "sess:1", Missing(), req); err != nil {
		t.Fatal(err)
	}

	// Stop the live instance behind the registry's back; the next Deliver
	// must transparently create a replacement.
	reg.Actor("sess:1", Missing()).close()
	reg.mu.Lock()
	delete(reg.actors, "sess:1")
	reg.mu.Unlock()

	resp, err := reg.Deliver(ctx, "sess:1", Missing(), req)
	if err != nil {
		t.Fatalf("Deliver after eviction: %v", err)
	}
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error)
	}
}

func TestEvictIdleSkipsDiscoveryActor(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(&recordingCatalog{}, WithIdleTTL(time.Nanosecond))
	defer reg.shutdown()

	req := mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if _, err := reg.Deliver(ctx, DiscoveryKey, Missing(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Deliver(ctx, "sess:1", Missing(), req); err != nil {
		t.Fatal(err)
	}

	time.Sleep(time.Millisecond)
	reg.evictIdle()

	reg.mu.Lock()
	_, discoveryAlive := reg.actors[DiscoveryKey]
	_, sessionAlive := reg.actors["sess:1"]
	reg.mu.Unlock()

	if !discoveryAlive {
		t.Error("discovery actor must never be evicted")
	}
	if sessionAlive {
		t.Error("idle session actor should have been evicted")
	}
}

func TestSequentialProcessing(t *testing.T) {
	// Messages to one key must be handled in arrival order even when
	// delivered from many goroutines.
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	cat := &orderedCatalog{record: func(method string) {
		mu.Lock()
		order = append(order, method)
		mu.Unlock()
	}}
	reg := NewRegistry(cat)
	defer reg.shutdown()

	a := reg.Actor("sess:1", Authenticated(testProps()))
	const n = 20
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		req := mustRequest(t, `{"jsonrpc":"2.0","id":1,"method":"op"}`)
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = a.Deliver(ctx, Authenticated(testProps()), req)
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("handled %d messages, want %d", len(order), n)
	}
}

type orderedCatalog struct {
	record func(method string)
}

func (c *orderedCatalog) Describe(context.Context) (catalog.Descriptor, error) {
	return catalog.Descriptor{ServerName: "ordered"}, nil
}

func (c *orderedCatalog) Call(_ context.Context, _ *tokenbridge.Props, method string, _ json.RawMessage) (any, error) {
	c.record(method)
	return map[string]any{}, nil
}
