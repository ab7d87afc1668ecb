package forward

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// inboundOrigin is the scheme and host the caller used to reach us.
func inboundOrigin(r *http.Request) *url.URL {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}

	return &url.URL{Scheme: scheme, Host: r.Host}
}

// rewriteRedirect moves a redirect that points at the backend's own
// address onto the inbound origin. Relative locations and other origins
// are left alone. It reports whether resp is a redirect at all.
func rewriteRedirect(resp *Response, address string, origin *url.URL) bool {
	if resp.StatusCode < 300 || resp.StatusCode > 399 {
		return false
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return false
	}

	u, err := url.Parse(location)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return true
	}

	if !sameEndpoint(u, address) {
		return true
	}

	u.Scheme = origin.Scheme
	u.Host = origin.Host
	resp.Header.Set("Location", u.String())
	return true
}

// sameEndpoint compares u's host and port against the backend address,
// treating the loopback names as one host.
func sameEndpoint(u *url.URL, address string) bool {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host, port = address, "80"
	}

	locPort := u.Port()
	if locPort == "" {
		switch u.Scheme {
		case "https":
			locPort = "443"
		default:
			locPort = "80"
		}
	}
	if locPort != port {
		return false
	}

	locHost := strings.ToLower(u.Hostname())
	host = strings.ToLower(host)
	if locHost == host {
		return true
	}
	return isLoopback(locHost) && isLoopback(host)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
