package relay

import (
	"net/http"
	"net/textproto"
	"strings"

	"github.com/polisai/polis-relay/pkg/domain"
)

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// imageHeaders is the allow-list relayed for the image class.
var imageHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"Etag",
	"Last-Modified",
	"Expires",
	"Location",
}

// ShapeHeaders returns the upstream headers the relay passes back for class.
// Content-Length is never copied since the body is rewritten from a buffer.
func ShapeHeaders(class domain.ResourceClass, src http.Header) http.Header {
	dst := http.Header{}

	if class == domain.ClassImage {
		for _, key := range imageHeaders {
			if values := src.Values(key); len(values) > 0 {
				dst[key] = append([]string(nil), values...)
			}
		}
		return dst
	}

	connectionTokens := connectionHeaderTokens(src)
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if canonical == "Content-Length" || isHopByHopHeader(canonical) {
			continue
		}
		if _, named := connectionTokens[canonical]; named {
			continue
		}
		for _, value := range values {
			dst.Add(canonical, value)
		}
	}
	if ct := src.Get("Content-Type"); ct != "" && dst.Get("Content-Type") == "" {
		dst.Set("Content-Type", ct)
	}
	return dst
}

// connectionHeaderTokens returns the header names listed in Connection.
func connectionHeaderTokens(h http.Header) map[string]struct{} {
	tokens := map[string]struct{}{}
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
			}
		}
	}
	return tokens
}

func isHopByHopHeader(header string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(header)]
	return ok
}
