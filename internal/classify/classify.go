// Package classify turns the first parsed HTTP request on a client
// connection into a routing decision: CONNECT tunnel vs. plain forward,
// target host/port, and blacklist membership. It performs no I/O and no
// DNS lookups; callers own the network side entirely.
package classify

import (
	"net/http"
	"strings"
)

// HostLookup reports whether a host is on the blacklist. It is satisfied
// by *blacklist.Set without classify importing the blacklist package.
type HostLookup interface {
	Contains(host string) bool
}

// Result is the immutable outcome of classifying one request.
type Result struct {
	IsConnect   bool
	Host        string
	Port        string
	Blacklisted bool
}

// Request splits req into host/port, decides whether it is a CONNECT,
// and checks host against blacklist. blacklist may be nil, in which case
// Blacklisted is always false.
//
// For CONNECT, the request target is "host" or "host:port", split on the
// first ':'; a target with no colon gets port "443". For any other
// method, the Host header is split the same way, defaulting to port
// "80". No attempt is made to validate host or port syntax: an empty
// host, a target with only ":port", or a value with multiple colons
// (everything past the first is kept verbatim as the port) all classify
// without error.
func Request(req *http.Request, blacklist HostLookup) Result {
	var host, port string
	isConnect := req.Method == http.MethodConnect

	if isConnect {
		host, port = splitHostPort(req.RequestURI, "443")
		if host == "" && req.URL != nil {
			host, port = splitHostPort(req.URL.Host, "443")
		}
	} else {
		host, port = splitHostPort(req.Host, "80")
	}

	blacklisted := false
	if blacklist != nil {
		blacklisted = blacklist.Contains(host)
	}

	return Result{
		IsConnect:   isConnect,
		Host:        host,
		Port:        port,
		Blacklisted: blacklisted,
	}
}

// splitHostPort splits s on its first ':', returning defaultPort when no
// colon is present. Unlike net.SplitHostPort, it does not error on
// malformed input: it is a classifier, not a validator.
func splitHostPort(s, defaultPort string) (host, port string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, defaultPort
}
