// Package logger builds the structured slog logger shared by the proxy:
// text output in dev and staging, JSON in prod, each record tagged with
// the environment.
package logger
