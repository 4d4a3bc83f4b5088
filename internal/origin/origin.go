// Package origin validates browser Origin headers against an allowlist.
package origin

import (
	"net/http"
	"strconv"
	"strings"
)

// Origin is a normalized browser origin: lowercase scheme and host, default
// port elided, IPv6 hosts bracketed. The zero value is invalid.
type Origin struct {
	scheme string
	// host is host[:port] as it appears in the serialized origin.
	host string
	null bool
}

// Null is the opaque origin browsers send from sandboxed and file:// pages.
var Null = Origin{null: true}

// Parse validates and normalizes an Origin header value. Only http and https
// origins without path, query, fragment or userinfo are accepted, plus the
// literal "null".
func Parse(raw string) (Origin, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "null" {
		return Null, true
	}
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return Origin{}, false
	}
	scheme = strings.ToLower(scheme)
	if scheme != "http" && scheme != "https" {
		return Origin{}, false
	}
	// A single trailing slash is tolerated; anything else after the
	// authority is not an origin.
	rest = strings.TrimSuffix(rest, "/")
	if strings.ContainsAny(rest, "/?#@ ") {
		return Origin{}, false
	}
	host, ok := normalizeAuthority(rest, scheme)
	if !ok {
		return Origin{}, false
	}
	return Origin{scheme: scheme, host: host}, true
}

func (o Origin) IsNull() bool { return o.null }

// Host returns the host[:port] part, empty for the null origin.
func (o Origin) Host() string { return o.host }

func (o Origin) String() string {
	if o.null {
		return "null"
	}
	if o.scheme == "" {
		return ""
	}
	return o.scheme + "://" + o.host
}

// normalizeAuthority lowercases host[:port], brackets IPv6 literals and drops
// the scheme's default port.
func normalizeAuthority(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	if authority == "" {
		return "", false
	}

	var hostname, port string
	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end <= 1 {
			return "", false
		}
		hostname = authority[1:end]
		if !strings.Contains(hostname, ":") || strings.Contains(hostname, "[") {
			return "", false
		}
		switch tail := authority[end+1:]; {
		case tail == "":
		case strings.HasPrefix(tail, ":") && len(tail) > 1:
			port = tail[1:]
		default:
			return "", false
		}
	} else {
		var hasPort bool
		hostname, port, hasPort = strings.Cut(authority, ":")
		if hostname == "" || strings.ContainsAny(hostname, "[]") || (hasPort && (port == "" || strings.Contains(port, ":"))) {
			return "", false
		}
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port == "" {
		return hostname, true
	}
	return hostname + ":" + port, true
}

// Policy decides which origins may open a signaling connection.
//
// With an empty allowlist only same-host origins are accepted: the origin's
// host[:port] must equal the request Host, ignoring scheme so that a
// TLS-terminating proxy in front of the server does not break the check.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy builds a policy from normalized origins (see Origin.String) or "*".
func NewPolicy(allowed []string) *Policy {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, a := range allowed {
		if a == "*" {
			p.any = true
			continue
		}
		p.allowed[a] = struct{}{}
	}
	return p
}

// Allow reports whether a request carrying originHeader for requestHost is
// accepted, along with the normalized origin. A missing Origin header (a
// non-browser client) is always accepted.
func (p *Policy) Allow(originHeader, requestHost string) (Origin, bool) {
	if strings.TrimSpace(originHeader) == "" {
		return Origin{}, true
	}
	o, ok := Parse(originHeader)
	if !ok {
		return Origin{}, false
	}
	if p.any {
		return o, true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[o.String()]
		return o, ok
	}
	if o.null {
		return o, false
	}
	reqHost, ok := normalizeAuthority(requestHost, o.scheme)
	return o, ok && reqHost == o.host
}

// AllowRequest applies Allow to an HTTP request.
func (p *Policy) AllowRequest(r *http.Request) (Origin, bool) {
	return p.Allow(r.Header.Get("Origin"), r.Host)
}
