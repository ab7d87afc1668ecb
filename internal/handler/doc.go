// Package handler wraps a backend supervisor with request logging and
// metric events for the listener that fronts it.
package handler
