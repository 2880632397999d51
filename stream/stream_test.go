package stream

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kjk/archiveproxy/assert"
)

func countChunks(t *testing.T, src Source) (int, []byte) {
	n := 0
	var all []byte
	for {
		d, err := src.Next()
		if len(d) > 0 {
			n++
			all = append(all, d...)
		}
		if err == io.EOF {
			return n, all
		}
		assert.NoError(t, err)
	}
}

func TestSingle(t *testing.T) {
	r := NewResponse()
	r.SetHeader("Content-Type", "text/plain")
	err := r.Single([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, int64(5), r.Size())

	rec := httptest.NewRecorder()
	n, err := r.WriteTo(rec)
	assert.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestEmptySingle(t *testing.T) {
	r := NewResponse().SetStatus(http.StatusNotFound)
	assert.NoError(t, r.Single(nil))
	rec := httptest.NewRecorder()
	_, err := r.WriteTo(rec)
	assert.NoError(t, err)
	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, 0, rec.Body.Len())
}

func TestInvalidHeader(t *testing.T) {
	r := NewResponse()
	// doesn't panic
	r.SetHeader("Bad Name", "v")
	r.AddHeader("X-Ok", "line1\nline2")
	r.SetHeader("X-Good", "v")
	err := r.Single([]byte("x"))
	var herr *HeaderError
	assert.True(t, errors.As(err, &herr))
	assert.Equal(t, "Bad Name", herr.Name)
	assert.Equal(t, "", r.Header().Get("X-Ok"))
	assert.Equal(t, "v", r.Header().Get("X-Good"))

	err = r.Stream(FromReader(bytes.NewReader(nil), 0))
	assert.Error(t, err)
}

func TestStreamChunks(t *testing.T) {
	d := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	src := FromReader(bytes.NewReader(d), ChunkSize)
	n, all := countChunks(t, src)
	assert.Equal(t, len(d)/ChunkSize, n)
	assert.Equal(t, d, all)
}

type failingReader struct {
	n int
}

var errBroken = errors.New("connection reset")

func (r *failingReader) Read(p []byte) (int, error) {
	if r.n == 0 {
		return 0, errBroken
	}
	r.n--
	p[0] = 'x'
	return 1, nil
}

func TestStreamTruncated(t *testing.T) {
	r := NewResponse()
	assert.NoError(t, r.Stream(FromReader(&failingReader{n: 3}, 16)))
	assert.Equal(t, int64(-1), r.Size())
	rec := httptest.NewRecorder()
	n, err := r.WriteTo(rec)
	assert.ErrorIs(t, err, ErrTruncated)
	assert.ErrorIs(t, err, errBroken)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "xxx", rec.Body.String())
	assert.Equal(t, "", rec.Header().Get("Content-Length"))
	assert.True(t, rec.Flushed)
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestStreamCloses(t *testing.T) {
	ct := &closeTracker{Reader: bytes.NewReader([]byte("abc"))}
	r := NewResponse()
	assert.NoError(t, r.Stream(FromReader(ct, 0)))
	_, err := r.WriteTo(httptest.NewRecorder())
	assert.NoError(t, err)
	assert.True(t, ct.closed)

	// replacing the body closes the previous one
	ct = &closeTracker{Reader: bytes.NewReader([]byte("abc"))}
	assert.NoError(t, r.Stream(FromReader(ct, 0)))
	assert.NoError(t, r.Single([]byte("x")))
	assert.True(t, ct.closed)
}

func TestNoBody(t *testing.T) {
	_, err := NewResponse().WriteTo(httptest.NewRecorder())
	assert.ErrorIs(t, err, ErrNoBody)
}

func TestReadAll(t *testing.T) {
	i := 0
	src := SourceFunc(func() ([]byte, error) {
		i++
		if i > 3 {
			return nil, io.EOF
		}
		return []byte{byte('0' + i)}, nil
	})
	d, err := ReadAll(src)
	assert.NoError(t, err)
	assert.Equal(t, "123", string(d))
}
