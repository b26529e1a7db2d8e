// Package catalog defines the boundary to the protected-operation catalogue.
//
// The gateway core treats the catalogue as an external collaborator: it hands
// over an authenticated identity context, an operation name and parameters,
// and receives a result or an error. The catalogue must never be invoked
// without identity context; the session actor enforces that gate.
package catalog

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mcpgate/mcpgate/tokenbridge"
)

// ErrMethodNotFound indicates the catalogue exposes no such operation.
var ErrMethodNotFound = errors.New("method not found")

// Tool describes one protected operation for discovery.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource describes one enumerable resource for discovery.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Prompt describes one enumerable prompt for discovery.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Descriptor is the discovery view of a catalogue. It must be derivable
// without any identity context: discovery responses are served to anonymous
// callers from a shared actor and can never carry per-caller state.
type Descriptor struct {
	ServerName    string     `json:"serverName"`
	ServerVersion string     `json:"serverVersion,omitempty"`
	Tools         []Tool     `json:"tools"`
	Resources     []Resource `json:"resources,omitempty"`
	Prompts       []Prompt   `json:"prompts,omitempty"`
}

// Catalog is the protected-operation catalogue contract.
type Catalog interface {
	// Describe returns the discovery descriptor.
	Describe(ctx context.Context) (Descriptor, error)

	// Call executes a protected operation with the caller's identity and
	// upstream credential attached. props is never nil.
	Call(ctx context.Context, props *tokenbridge.Props, method string, params json.RawMessage) (any, error)
}
