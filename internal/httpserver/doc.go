// Package httpserver runs the listeners of the proxy: one per backend plus
// the admin listener.
package httpserver
