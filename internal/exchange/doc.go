// Package exchange defines the captured request/response pair that the
// forwarding engine produces for every proxied request, along with the
// body classification rules shared by forwarding, recording and viewing.
package exchange
