// Package recorder persists captured exchanges and backend output without
// blocking the request path.
//
// Capture and the LogSink feed one buffered queue drained by a worker
// goroutine. When the queue is full, or after the worker stopped,
// exchanges are written by the caller so nothing is dropped. On shutdown
// the worker drains whatever is still queued, and Done reports when it
// has finished.
//
// Persistence and publication failures are logged and never returned.
package recorder
