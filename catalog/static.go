package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/mcpgate/mcpgate/tokenbridge"
)

// HandlerFunc executes one protected operation.
type HandlerFunc func(ctx context.Context, props *tokenbridge.Props, params json.RawMessage) (any, error)

// StaticCatalog is a fixed, registration-time catalogue. Tool input schemas
// are derived by reflection from a sample parameter struct.
type StaticCatalog struct {
	serverName    string
	serverVersion string

	mu        sync.RWMutex
	tools     []Tool
	resources []Resource
	prompts   []Prompt
	handlers  map[string]HandlerFunc
}

var _ Catalog = (*StaticCatalog)(nil)

func NewStaticCatalog(serverName, serverVersion string) *StaticCatalog {
	return &StaticCatalog{
		serverName:    serverName,
		serverVersion: serverVersion,
		handlers:      make(map[string]HandlerFunc),
	}
}

// RegisterTool adds a protected operation. input is a sample of the
// parameter struct; its JSON schema is derived via reflection and surfaced
// in discovery responses.
func (c *StaticCatalog) RegisterTool(name, description string, input any, fn HandlerFunc) error {
	var schema json.RawMessage
	if input != nil {
		r := &jsonschema.Reflector{
			Anonymous:      true,
			DoNotReference: true,
		}
		b, err := json.Marshal(r.Reflect(input))
		if err != nil {
			return fmt.Errorf("derive input schema for %s: %w", name, err)
		}
		schema = b
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	c.tools = append(c.tools, Tool{Name: name, Description: description, InputSchema: schema})
	c.handlers[name] = fn
	return nil
}

// AddResource registers a discoverable resource.
func (c *StaticCatalog) AddResource(r Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = append(c.resources, r)
}

// AddPrompt registers a discoverable prompt.
func (c *StaticCatalog) AddPrompt(p Prompt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, p)
}

func (c *StaticCatalog) Describe(_ context.Context) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Descriptor{
		ServerName:    c.serverName,
		ServerVersion: c.serverVersion,
		Tools:         append([]Tool(nil), c.tools...),
		Resources:     append([]Resource(nil), c.resources...),
		Prompts:       append([]Prompt(nil), c.prompts...),
	}, nil
}

func (c *StaticCatalog) Call(ctx context.Context, props *tokenbridge.Props, method string, params json.RawMessage) (any, error) {
	if props == nil {
		return nil, fmt.Errorf("catalogue invoked without identity context")
	}
	c.mu.RLock()
	fn, ok := c.handlers[method]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrMethodNotFound
	}
	return fn(ctx, props, params)
}
