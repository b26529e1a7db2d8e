package actor

import "github.com/mcpgate/mcpgate/tokenbridge"

// Context is the identity context attached to a message. It is an explicit
// tagged value rather than a nullable field: "no context because this is
// discovery traffic" and "no context where one was required" are different
// states and must never be conflated.
type Context struct {
	kind  ctxKind
	props *tokenbridge.Props
}

type ctxKind int

const (
	kindMissing ctxKind = iota
	kindDiscovery
	kindAuthenticated
)

// Missing is the absence of identity context. Protected methods fail with
// AuthenticationRequired under it.
func Missing() Context { return Context{kind: kindMissing} }

// Discovery marks the deliberate, legitimate no-identity mode used while a
// discovery method executes.
func Discovery() Context { return Context{kind: kindDiscovery} }

// Authenticated carries the caller's resolved identity and upstream
// credential.
func Authenticated(props *tokenbridge.Props) Context {
	return Context{kind: kindAuthenticated, props: props}
}

// Props returns the attached identity props, and whether the context is
// authenticated.
func (c Context) Props() (*tokenbridge.Props, bool) {
	return c.props, c.kind == kindAuthenticated
}

// Class returns a short label for logging.
func (c Context) Class() string {
	switch c.kind {
	case kindDiscovery:
		return "discovery"
	case kindAuthenticated:
		return "authenticated"
	default:
		return "missing"
	}
}

// discoveryMethods is the fixed set of methods that execute with no identity
// context, unconditionally, so capability enumeration is safe before a caller
// commits to authenticating.
var discoveryMethods = map[string]struct{}{
	"initialize":     {},
	"ping":           {},
	"tools/list":     {},
	"resources/list": {},
	"prompts/list":   {},
}

// IsDiscoveryMethod reports whether method is in the discovery set.
func IsDiscoveryMethod(method string) bool {
	_, ok := discoveryMethods[method]
	return ok
}
