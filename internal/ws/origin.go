package ws

import (
	"net/http"
	"net/url"
	"strings"
)

// originChecker accepts requests without an Origin header, any loopback
// origin, and, when allowed is non-empty, only the listed hosts.
func originChecker(allowed []string) func(r *http.Request) bool {
	hosts := make(map[string]bool, len(allowed))
	raw := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		raw[a] = true
		if u, err := url.Parse(a); err == nil && u.Hostname() != "" {
			hosts[u.Hostname()] = true
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := u.Hostname()
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		if len(raw) == 0 {
			return true
		}
		return hosts[host] || raw[origin]
	}
}
