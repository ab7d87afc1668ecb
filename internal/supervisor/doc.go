// Package supervisor ties a backend handle, the forwarding engine, the idle
// timer and the exchange recorder together, one Supervisor per backend.
//
// Every request passes a small gate that counts in-flight requests and
// cancels the idle deadline; when the last in-flight request finishes the
// deadline is armed again. The idle callback re-checks the count under
// the same gate before detaching the backend, so a request that arrives
// as the deadline fires keeps its backend. The gate is never held while
// a request is forwarded.
//
// Registry.Shutdown stops every backend; the host process calls it once
// on exit.
package supervisor
