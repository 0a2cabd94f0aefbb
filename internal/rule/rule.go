// Package rule defines the pluggable hook interface external callers use to
// observe and rewrite traffic as it passes through the dispatcher, plus a
// no-op default that satisfies the interface without altering anything.
//
// A Rule implementation may embed Default and override only the hooks it
// needs; the methods it does not override keep Default's no-op behavior.
package rule

import (
	"context"
	"net/http"
)

// Context is the borrowed view of an in-flight request passed to hooks.
// Implementations must not retain it past the call that provided it — the
// dispatcher may reuse or discard the underlying buffers once the hook
// returns.
type Context struct {
	// ConnID is the dispatcher's sequence number for this request (or
	// WebSocket session); it is not the Socket Registry's connection ID.
	ConnID uint64
	// Hostname is the resolved upstream host for this request.
	Hostname string
	// Intercepted is true if this request arrived over a MITM'd TLS stream.
	Intercepted bool
	Request     *http.Request
}

// HTTPSDecision is the target of a beforeDealHttpsRequest hook.
type HTTPSDecision struct {
	Host string
	Port string
}

// Rule is the full hook surface the dispatcher consults. Every method is
// optional; Default implements all of them as no-ops so callers can embed
// it and override only what they need.
type Rule interface {
	// Summary labels this rule for logging.
	Summary() string

	// BeforeSendRequest may rewrite method/URL/headers/body before the
	// dispatcher opens the upstream connection. It returns the (possibly
	// modified) request to use.
	BeforeSendRequest(ctx context.Context, rc Context) (*http.Request, error)

	// BeforeSendResponse may rewrite the upstream response before it is
	// streamed back to the client.
	BeforeSendResponse(ctx context.Context, rc Context, resp *http.Response) (*http.Response, error)

	// BeforeDealHttpsRequest decides whether a CONNECT target should be
	// MITM'd (true) or tunneled opaquely (false).
	BeforeDealHttpsRequest(ctx context.Context, target HTTPSDecision) bool

	// OnError may synthesize a response to return to the client after an
	// upstream failure. Returning nil lets the dispatcher's default error
	// response stand.
	OnError(ctx context.Context, rc Context, err error) *http.Response

	// OnConnectError is observability-only; it cannot influence behavior.
	OnConnectError(ctx context.Context, target HTTPSDecision, err error)
}

// WebSocketHooks is an optional extension a Rule may additionally
// implement to transform individual WebSocket frames as they cross the
// proxy. The dispatcher type-asserts for this interface; a Rule that
// doesn't implement it sees frames relayed unmodified.
type WebSocketHooks interface {
	// OnClientFrame is called for each frame the client sends, before it is
	// forwarded upstream. Returning a nil byte slice drops the frame.
	OnClientFrame(ctx context.Context, rc Context, messageType int, data []byte) []byte

	// OnUpstreamFrame is called for each frame the origin sends, before it
	// is forwarded to the client.
	OnUpstreamFrame(ctx context.Context, rc Context, messageType int, data []byte) []byte
}

// Reloadable is an optional extension a Rule may implement to support the
// management API's POST /rules/reload endpoint.
type Reloadable interface {
	Reload() error
}

// Default is a Rule implementation that makes no changes to any traffic
// and always tunnels HTTPS rather than intercepting. Embed it and override
// individual methods to build a custom Rule without implementing every
// method of the interface.
type Default struct {
	label string
}

// NewDefault returns a Default rule labeled name for logging.
func NewDefault(name string) *Default {
	if name == "" {
		name = "default"
	}
	return &Default{label: name}
}

// Summary implements Rule.
func (d *Default) Summary() string { return d.label }

// BeforeSendRequest implements Rule: passes the request through unchanged.
func (d *Default) BeforeSendRequest(_ context.Context, rc Context) (*http.Request, error) {
	return rc.Request, nil
}

// BeforeSendResponse implements Rule: passes the response through unchanged.
func (d *Default) BeforeSendResponse(_ context.Context, _ Context, resp *http.Response) (*http.Response, error) {
	return resp, nil
}

// BeforeDealHttpsRequest implements Rule: never intercepts by default.
func (d *Default) BeforeDealHttpsRequest(_ context.Context, _ HTTPSDecision) bool {
	return false
}

// OnError implements Rule: defers to the dispatcher's built-in error
// response.
func (d *Default) OnError(_ context.Context, _ Context, _ error) *http.Response {
	return nil
}

// OnConnectError implements Rule: does nothing.
func (d *Default) OnConnectError(_ context.Context, _ HTTPSDecision, _ error) {}
