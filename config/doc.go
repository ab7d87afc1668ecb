// Package config loads the proxy configuration from YAML and environment
// variables: logging, the admin listener, the exchange store, optional NATS
// publication and the list of supervised backends.
package config
