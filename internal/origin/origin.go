package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates a browser Origin header and returns its canonical
// form (lower-case scheme://host[:port], default port dropped) along with the
// host[:port] part used for same-host comparisons.
//
// The opaque origin "null" is accepted and returned unchanged with an empty
// host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	switch trimmed {
	case "":
		return "", "", false
	case "null":
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Opaque != "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may access a server reached via
// requestHost.
//
// A non-empty allowedOrigins list is an exact allowlist where "*" matches
// anything. An empty list means same host only: the origin's host[:port] must
// equal the request Host, with default ports treated as equivalent. The scheme
// is not compared, since TLS is commonly terminated in front of the relay.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found || (scheme != "http" && scheme != "https") {
		return false
	}
	reqHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == reqHost
}

// CheckRequest applies the origin policy to r. Requests without an Origin
// header (non-browser clients) are allowed and return an empty origin.
func CheckRequest(r *http.Request, allowedOrigins []string) (normalizedOrigin string, ok bool) {
	values := r.Header.Values("Origin")
	if len(values) == 0 || (len(values) == 1 && strings.TrimSpace(values[0]) == "") {
		return "", true
	}
	if len(values) > 1 {
		return "", false
	}
	normalized, host, ok := NormalizeHeader(values[0])
	if !ok || !IsAllowed(normalized, host, r.Host, allowedOrigins) {
		return "", false
	}
	return normalized, true
}

// canonicalHost lower-cases the host, validates the port, and strips the
// scheme's default port. IPv6 literals keep their brackets.
func canonicalHost(rawHost, scheme string) (string, bool) {
	if rawHost == "" {
		return "", false
	}
	u := url.URL{Host: strings.ToLower(rawHost)}
	hostname := u.Hostname()
	if hostname == "" {
		return "", false
	}
	if strings.HasPrefix(rawHost, "[") != strings.Contains(hostname, ":") {
		return "", false
	}

	port := u.Port()
	if port == "" && strings.HasSuffix(rawHost, ":") {
		return "", false
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

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return host, true
}
