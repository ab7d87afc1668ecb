// Package api serves the read side of the exchange store under /_api:
// backends, recent requests, one request with its bodies, log text and
// aggregate stats.
package api
