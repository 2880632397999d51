// Package rewrite replaces references to the upstream host in textual
// response bodies so that archived pages link to the local server.
package rewrite

import (
	"bytes"
	"io"
	"strings"
)

var textualTypes = []string{
	"text/css",
	"text/javascript",
	"application/json",
	"text/html",
	"application/xhtml+xml",
}

// IsTextual returns true if the body of a response with this content type
// is buffered and rewritten
func IsTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, s := range textualTypes {
		if strings.HasPrefix(ct, s) {
			return true
		}
	}
	return false
}

var (
	schemeHTTPS = []byte("https://")
	schemeHTTP  = []byte("http://")
	schemeRel   = []byte("//")
)

// Rewriter rewrites bodies. It's immutable and safe for concurrent use
type Rewriter struct {
	host        []byte
	replacement []byte
	prefixLocal []byte
	hasPrefix   bool
}

// New creates a Rewriter that replaces upstreamHost with rewriteHost.
// If prefixLocal is not empty, "http://host", "https://host" and "//host"
// are replaced with prefixLocal instead.
func New(upstreamHost string, rewriteHost string, prefixLocal string) *Rewriter {
	return &Rewriter{
		host:        []byte(upstreamHost),
		replacement: []byte(rewriteHost),
		prefixLocal: []byte(prefixLocal),
		hasPrefix:   prefixLocal != "",
	}
}

// Rewrite returns d with upstream host references replaced.
// d is not modified
func (rw *Rewriter) Rewrite(d []byte) []byte {
	if len(rw.host) == 0 || !bytes.Contains(d, rw.host) {
		return d
	}
	parts := bytes.Split(d, rw.host)
	res := make([]byte, 0, len(d)+len(parts)*len(rw.replacement))
	res = append(res, parts[0]...)
	for _, s := range parts[1:] {
		if rw.hasPrefix && bytes.HasSuffix(res, schemeRel) {
			res = trimScheme(res)
			res = append(res, rw.prefixLocal...)
		} else {
			if bytes.HasSuffix(res, schemeHTTPS) {
				res = append(res[:len(res)-len(schemeHTTPS)], schemeHTTP...)
			}
			res = append(res, rw.replacement...)
		}
		res = append(res, s...)
	}
	return res
}

// trimScheme removes "https://", "http://" or "//" from the end of d
func trimScheme(d []byte) []byte {
	for _, scheme := range [][]byte{schemeHTTPS, schemeHTTP, schemeRel} {
		if bytes.HasSuffix(d, scheme) {
			return d[:len(d)-len(scheme)]
		}
	}
	return d
}

// maxSizeHint caps the initial buffer. Content-Length comes from
// upstream and can be arbitrary
const maxSizeHint = 1 << 20

// ReadBody reads the whole body. contentLength is a capacity hint,
// -1 if unknown
func ReadBody(r io.Reader, contentLength int64) ([]byte, error) {
	size := int64(512)
	if contentLength > 0 {
		size = min(contentLength, maxSizeHint)
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	_, err := buf.ReadFrom(r)
	return buf.Bytes(), err
}
