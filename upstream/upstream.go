// Package upstream issues requests to the origin server being archived.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/kjk/archiveproxy/httputil"
)

var (
	// ErrUnreachable is returned when we couldn't connect to upstream
	// or the connection failed before we got response headers
	ErrUnreachable = errors.New("upstream unreachable")
	// ErrTimeout is returned when upstream didn't respond in time
	ErrTimeout = errors.New("upstream timeout")
)

// Request describes an outbound request
type Request struct {
	Method string
	// Path is escaped url path, starting with "/"
	Path        string
	RawQuery    string
	ContentType string
	// Body is nil if there's no body
	Body io.Reader
	// ContentLength is the size of Body, -1 if unknown
	ContentLength int64
}

// RequestFrom builds an outbound request mirroring r, with method
// as the logical method
func RequestFrom(method string, r *http.Request) *Request {
	req := &Request{
		Method:        method,
		Path:          r.URL.EscapedPath(),
		RawQuery:      r.URL.RawQuery,
		ContentType:   r.Header.Get("Content-Type"),
		ContentLength: r.ContentLength,
	}
	if r.Body != nil && r.Body != http.NoBody {
		req.Body = r.Body
	}
	return req
}

// Client sends requests to a single upstream host
type Client struct {
	scheme string
	host   string
	client *http.Client
}

// New creates a client for host. timeout limits time to connect
// and to receive response headers, not time to read the body
func New(host string, secure bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cl := httputil.NewTimeoutClient(timeout, timeout)
	cl.Transport = &contentLengthTransport{rt: cl.Transport}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	return &Client{
		scheme: scheme,
		host:   host,
		client: cl,
	}
}

// Host returns upstream host
func (c *Client) Host() string {
	return c.host
}

// URL returns full upstream url for an escaped path and raw query
func (c *Client) URL(path string, rawQuery string) string {
	uri := httputil.JoinURL(c.scheme+"://"+c.host, path)
	if rawQuery != "" {
		uri += "?" + rawQuery
	}
	return uri
}

// Do sends req and calls handle with the response. The body is closed
// after handle returns. Any status code is passed to handle.
// Failures before handle is called are ErrUnreachable or ErrTimeout,
// errors returned by handle are returned as is.
func (c *Client) Do(ctx context.Context, req *Request, handle func(*http.Response) error) error {
	uri := c.URL(req.Path, req.RawQuery)
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var handleErr error
	handled := false
	rb := requests.
		URL(uri).
		Method(method).
		Client(c.client).
		// pass through all status codes
		AddValidator(nil).
		Handle(func(resp *http.Response) error {
			handled = true
			handleErr = handle(resp)
			return handleErr
		})
	if req.ContentType != "" {
		rb = rb.ContentType(req.ContentType)
	}
	if req.Body != nil {
		rb = rb.BodyReader(req.Body)
		if req.ContentLength > 0 {
			rb = rb.Header(hdrBodySize, strconv.FormatInt(req.ContentLength, 10))
		}
	}
	err := rb.Fetch(ctx)
	if handled {
		return handleErr
	}
	if err == nil {
		return nil
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s %s: %w", ErrTimeout, method, uri, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrUnreachable, method, uri, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// hdrBodySize carries the size of a streamed body from the request
// builder to contentLengthTransport. It's never sent
const hdrBodySize = "X-Archiveproxy-Body-Size"

// contentLengthTransport sets ContentLength so that bodies of known size
// are not sent with chunked encoding
type contentLengthTransport struct {
	rt http.RoundTripper
}

func (t *contentLengthTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	v := r.Header.Get(hdrBodySize)
	if v == "" {
		return t.rt.RoundTrip(r)
	}
	r = r.Clone(r.Context())
	r.Header.Del(hdrBodySize)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && r.Body != nil {
		r.ContentLength = n
	}
	return t.rt.RoundTrip(r)
}
