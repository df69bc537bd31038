// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

var hopByHopHeaderNames = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// RemoveHopByHopHeaders strips hop-by-hop headers that must not be proxied,
// including any header named by a Connection header's token list.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}

	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token)); key != "" {
				h.Del(key)
			}
		}
	}

	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

// requestHeadersToStrip lists the exact headers spec.md §4.5 step 3 says
// must never reach the agent: ones that leak proxy/auth context or belong to
// the hop between the public caller and this relay.
var requestHeadersToStrip = []string{
	"Host",
	"Cookie",
	"Authorization",
	"Proxy-Authorization",
	"X-Forwarded-Proto",
	"X-Forwarded-Host",
	"X-Forwarded-Port",
	"X-Real-Ip",
}

// SanitizeRequestHeaders drops the headers spec.md forbids forwarding to an
// agent, drops anything starting with "fly-"/"cf-" (case-insensitive), and
// lower-cases every surviving header name into a plain map, ready to be
// embedded in a `request` frame. Unlike the response side, content-length
// and content-type are intentionally left alone: the agent may need them.
func SanitizeRequestHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if shouldStripRequestHeader(lower) {
			continue
		}
		cp := make([]string, len(values))
		copy(cp, values)
		out[lower] = cp
	}
	return out
}

func shouldStripRequestHeader(lower string) bool {
	if strings.HasPrefix(lower, "fly-") || strings.HasPrefix(lower, "cf-") {
		return true
	}
	for _, h := range requestHeadersToStrip {
		if strings.EqualFold(h, lower) {
			return true
		}
	}
	return false
}

// ApplyResponseHeaders copies frame-supplied headers onto w, stripping
// hop-by-hop headers and leaving CORS injection to SetPermissiveCORS.
func ApplyResponseHeaders(w http.ResponseWriter, headers map[string][]string) {
	dst := w.Header()
	for name, values := range headers {
		key := textproto.CanonicalMIMEHeaderKey(name)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
	RemoveHopByHopHeaders(dst)
}

// SetPermissiveCORS applies the relay's fixed, permissive CORS policy
// (spec.md §4.5): every agent response and every preflight gets a wide-open
// Access-Control-Allow-Origin/Expose-Headers pair.
func SetPermissiveCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "*")
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
