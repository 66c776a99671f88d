package dap

import "github.com/pkg/errors"

// Malformed input.
var (
	ErrMalformedDNSMessage         = errors.New("malformed dns message")
	ErrInvalidDNSQuery             = errors.New("packet is not a dns query")
	ErrInvalidDNSResponse          = errors.New("packet is not a dns response")
	ErrInvalidBootstrapDNSResponse = errors.New("invalid response from bootstrap resolver")
	ErrNoQuestion                  = errors.New("dns message carries no question")
)

// Protocol errors.
var (
	ErrDoHQuery                 = errors.New("doh query failed")
	ErrODoHNoClientConfig       = errors.New("no odoh client config available for target")
	ErrODoHInvalidContentLength = errors.New("invalid or missing content-length in odoh response")
	ErrODoHGetNotAllowed        = errors.New("get method is not allowed for oblivious doh")
	ErrODoHNoRelayURL           = errors.New("oblivious doh requested but no relay urls configured")
)

// Resource errors.
var (
	ErrTooManyConnections = errors.New("too many concurrent connections")
	ErrNullMessage        = errors.New("zero-length dns message on the wire")
)

// Routing errors.
var (
	ErrNoPathAvailable = errors.New("no healthy forwarding path available")
)

// Fatal errors, bubbled up to the supervisor.
var (
	ErrAllPathsUnhealthy           = errors.New("all forwarding paths are unhealthy")
	ErrEndpointResolutionExhausted = errors.New("exhausted retries resolving http client endpoint ips")
	ErrAuthenticationExhausted     = errors.New("exhausted retries logging in to the authentication server")
)

// errorsWrap annotates a sentinel error with additional context, preserving
// it as the wrapped cause so callers can still match it with errors.Is.
func errorsWrap(sentinel error, msg string) error {
	return errors.Wrap(sentinel, msg)
}
