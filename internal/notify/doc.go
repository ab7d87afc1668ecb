// Package notify publishes a summary of every persisted exchange to NATS
// so other processes can follow traffic live.
package notify
