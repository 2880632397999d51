// Package stream builds http responses whose body is either a single
// buffer or a lazy sequence of chunks.
package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"golang.org/x/net/http/httpguts"
)

// ChunkSize is the default size of chunks for streamed bodies
const ChunkSize = 4 * 1024

var (
	// ErrTruncated wraps an error returned by a Source before io.EOF.
	// The response is already committed so the client sees a truncated body
	ErrTruncated = errors.New("body truncated")

	// ErrNoBody is returned by WriteTo if neither Single nor Stream was called
	ErrNoBody = errors.New("response has no body")
)

// Source produces chunks of a body. It returns io.EOF after the last chunk.
// A returned chunk is only valid until the next call to Next.
type Source interface {
	Next() ([]byte, error)
}

// SourceFunc adapts a function to a Source
type SourceFunc func() ([]byte, error)

func (f SourceFunc) Next() ([]byte, error) {
	return f()
}

// HeaderError is returned for a header with invalid name or value
type HeaderError struct {
	Name  string
	Value string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("invalid header '%s: %s'", e.Name, e.Value)
}

// Response accumulates status, headers and body of a response.
// Invalid headers don't panic, they are reported by Single and Stream
type Response struct {
	status  int
	header  http.Header
	headErr error

	body Source
	// size of the body if known, -1 otherwise
	size int64
}

// NewResponse returns a 200 response without a body
func NewResponse() *Response {
	return &Response{
		status: http.StatusOK,
		header: http.Header{},
		size:   -1,
	}
}

// Status returns status code
func (r *Response) Status() int {
	return r.status
}

// SetStatus sets status code
func (r *Response) SetStatus(code int) *Response {
	r.status = code
	return r
}

// Header returns headers. Values added directly are not validated
func (r *Response) Header() http.Header {
	return r.header
}

func (r *Response) checkHeader(name, value string) bool {
	if httpguts.ValidHeaderFieldName(name) && httpguts.ValidHeaderFieldValue(value) {
		return true
	}
	if r.headErr == nil {
		r.headErr = &HeaderError{Name: name, Value: value}
	}
	return false
}

// SetHeader sets a header, replacing existing values
func (r *Response) SetHeader(name, value string) *Response {
	if r.checkHeader(name, value) {
		r.header.Set(name, value)
	}
	return r
}

// AddHeader adds a header value
func (r *Response) AddHeader(name, value string) *Response {
	if r.checkHeader(name, value) {
		r.header.Add(name, value)
	}
	return r
}

// Single sets d as a body sent in one chunk
func (r *Response) Single(d []byte) error {
	r.setBody(&single{d: d}, int64(len(d)))
	return r.headErr
}

// Stream sets src as a body. If src implements io.Closer
// it's closed after the last chunk or on error
func (r *Response) Stream(src Source) error {
	r.setBody(src, -1)
	return r.headErr
}

func (r *Response) setBody(src Source, size int64) {
	r.Close()
	r.body = src
	r.size = size
}

// Body returns the body source, nil if not set.
// Useful for consuming the body without an http.ResponseWriter
func (r *Response) Body() Source {
	return r.body
}

// Size returns size of the body or -1 if it's streamed
func (r *Response) Size() int64 {
	return r.size
}

// Close releases the body if it wasn't consumed
func (r *Response) Close() {
	if c, ok := r.body.(io.Closer); ok {
		_ = c.Close()
	}
	r.body = nil
}

// WriteTo writes status, headers and body to w, flushing after every chunk.
// Returns number of body bytes written.
// Errors from the body source are wrapped with ErrTruncated.
func (r *Response) WriteTo(w http.ResponseWriter) (int64, error) {
	if r.body == nil {
		return 0, ErrNoBody
	}
	defer r.Close()

	hdr := w.Header()
	for k, v := range r.header {
		hdr[k] = v
	}
	if r.size >= 0 {
		hdr.Set("Content-Length", strconv.FormatInt(r.size, 10))
	} else {
		hdr.Del("Content-Length")
	}
	w.WriteHeader(r.status)

	rc := http.NewResponseController(w)
	var n int64
	for {
		d, err := r.body.Next()
		if len(d) > 0 {
			nw, errWrite := w.Write(d)
			n += int64(nw)
			if errWrite != nil {
				return n, errWrite
			}
			// not all writers support flushing, e.g. httptest.ResponseRecorder does
			_ = rc.Flush()
		}
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%w: %w", ErrTruncated, err)
		}
	}
}

// ReadAll reads all chunks of src and concatenates them
func ReadAll(src Source) ([]byte, error) {
	var res []byte
	for {
		d, err := src.Next()
		res = append(res, d...)
		if err == io.EOF {
			return res, nil
		}
		if err != nil {
			return res, err
		}
	}
}

type single struct {
	d    []byte
	done bool
}

func (s *single) Next() ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.d, nil
}

// readerSource reads chunks from r into a reused buffer
type readerSource struct {
	r   io.Reader
	buf []byte
	err error
}

// FromReader returns a Source that reads from r in chunks of up to bufSize bytes
// into a reused buffer. If r is io.Closer, the source closes it
func FromReader(r io.Reader, bufSize int) Source {
	if bufSize <= 0 {
		bufSize = ChunkSize
	}
	return &readerSource{
		r:   r,
		buf: make([]byte, bufSize),
	}
}

func (s *readerSource) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	for i := 0; i < 100; i++ {
		n, err := s.r.Read(s.buf)
		if err != nil {
			s.err = err
		}
		if n > 0 {
			// the error (including io.EOF) is returned on next call
			return s.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
	s.err = io.ErrNoProgress
	return nil, s.err
}

func (s *readerSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
