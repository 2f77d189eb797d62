// Hop-by-hop header stripping for the public plane's proxied responses,
// adapted from the teacher gateway's HeaderNormalization wrapper pattern.
package middleware

import "net/http"

// hopByHopHeaders must never be forwarded verbatim between the tunnel
// socket and the public-facing client (RFC 7230 §6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHopRequestHeaders removes hop-by-hop headers from an inbound
// request before it is forwarded through a tunnel socket.
func StripHopByHopRequestHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// StripHopByHopResponseHeaders removes hop-by-hop headers from an
// upstream response before copying the remainder to the public client.
func StripHopByHopResponseHeaders(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
