package dispatcher

import "errors"

// Sentinel error kinds used inside the dispatcher. Dispatcher.errorResponse
// maps them onto JSON-RPC error objects, so Dispatch always returns a
// complete JSON-RPC response and this package stays unit-testable without an
// HTTP server.
var (
	ErrMalformedRequest    = errors.New("MALFORMED_REQUEST")
	ErrNoEndpointAvailable = errors.New("NO_ENDPOINT_AVAILABLE")
	ErrUpstreamTransport   = errors.New("UPSTREAM_TRANSPORT")
	ErrUpstreamTimeout     = errors.New("UPSTREAM_TIMEOUT")
	ErrUpstreamRPCError    = errors.New("UPSTREAM_RPC_ERROR")
)
