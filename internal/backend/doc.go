// Package backend manages the lifecycle of the application a supervisor
// proxies to. A Handle owns at most one live Instance and starts it
// through a Launcher, the closed set of backend kinds:
//
//   - ProcessLauncher spawns a child process with PORT set in its environment
//   - ContainerLauncher starts (only if needed) and follows an existing container
//
// Concurrent EnsureStarted calls share a single launch. Output from the
// backend is decoded line by line and handed to a logsink.Sink in the
// order it was produced.
package backend
