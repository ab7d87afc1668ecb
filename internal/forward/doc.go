// Package forward relays inbound requests to a backend that may still be
// booting.
//
// The engine reads the inbound body once, then dials the backend in a loop
// bound to the request timeout: connection failures wait a short backoff
// and try again, while any HTTP answer (including 4xx and 5xx) ends the
// loop. A backend that never answers yields a synthesized 408.
//
// Redirects are not followed. A redirect whose Location is the backend's
// own host and port is rewritten onto the origin the caller used, so the
// internal address never leaks; other locations pass through.
//
// Every call returns a Result carrying both the response to relay and the
// exchange.Exchange built from the same bytes.
package forward
