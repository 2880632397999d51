package httputil

import (
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// NewTimeoutClient returns a client that limits time to connect and time
// to receive response headers. Unlike http.Client.Timeout it doesn't
// limit time to read the body, so large responses can be streamed
func NewTimeoutClient(connectTimeout time.Duration, responseHeaderTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			Proxy:                 http.ProxyFromEnvironment,
			TLSHandshakeTimeout:   connectTimeout,
			ResponseHeaderTimeout: responseHeaderTimeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func NewDefaultTimeoutClient() *http.Client {
	return NewTimeoutClient(time.Second*30, time.Second*120)
}

func JoinURL(s1, s2 string) string {
	if strings.HasSuffix(s1, "/") {
		if strings.HasPrefix(s2, "/") {
			return s1 + s2[1:]
		}
		return s1 + s2
	}

	if strings.HasPrefix(s2, "/") {
		return s1 + s2
	}
	return s1 + "/" + s2
}

// GetBestRemoteAddress returns IP address of the request even for proxied requests
func GetBestRemoteAddress(r *http.Request) string {
	h := r.Header
	potentials := []string{h.Get("X-Real-Ip"), h.Get("X-Forwarded-For"), r.RemoteAddr}
	for _, v := range potentials {
		// sometimes they are stored as "ip1, ip2, ip3" with ip1 being the best
		parts := strings.Split(v, ",")
		res := strings.TrimSpace(parts[0])
		if res != "" {
			return res
		}
	}
	return ""
}

// HdrMethod is a request header that overrides the method used for
// archive lookups and for the upstream request
const HdrMethod = "method"

// LogicalMethod returns the value of "method" header if it's a valid
// method token and r.Method otherwise
func LogicalMethod(r *http.Request) string {
	v := r.Header.Get(HdrMethod)
	if v != "" && httpguts.ValidHeaderFieldName(v) {
		return v
	}
	return r.Method
}
