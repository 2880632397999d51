package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kjk/archiveproxy/assert"
)

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestURL(t *testing.T) {
	c := New("api.example.com", true, 0)
	assert.Equal(t, "https://api.example.com/", c.URL("/", ""))
	assert.Equal(t, "https://api.example.com/a/b.png?v=2", c.URL("/a/b.png", "v=2"))
	assert.Equal(t, "https://api.example.com/a%20b", c.URL("/a%20b", ""))
	c = New("localhost:8080", false, 0)
	assert.Equal(t, "http://localhost:8080/x", c.URL("x", ""))
}

func TestForwardsMethodBodyAndQuery(t *testing.T) {
	type seen struct {
		method, path, query, ct, body, marker string
		length                                int64
		chunked                               bool
	}
	ch := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, _ := io.ReadAll(r.Body)
		ch <- seen{
			method:  r.Method,
			path:    r.URL.EscapedPath(),
			query:   r.URL.RawQuery,
			ct:      r.Header.Get("Content-Type"),
			body:    string(d),
			marker:  r.Header.Get(hdrBodySize),
			length:  r.ContentLength,
			chunked: len(r.TransferEncoding) > 0,
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	in := httptest.NewRequest("POST", "/submit/a%2Fb?x=1&y=2", strings.NewReader("hello"))
	in.Header.Set("Content-Type", "text/plain")
	in.Header.Set("Cookie", "secret=1")

	c := New(hostOf(srv), false, time.Second*5)
	var status int
	var body string
	err := c.Do(context.Background(), RequestFrom("POST", in), func(resp *http.Response) error {
		status = resp.StatusCode
		d, err := io.ReadAll(resp.Body)
		body = string(d)
		return err
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "ok", body)

	got := <-ch
	assert.Equal(t, "POST", got.method)
	assert.Equal(t, "/submit/a%2Fb", got.path)
	assert.Equal(t, "x=1&y=2", got.query)
	assert.Equal(t, "text/plain", got.ct)
	assert.Equal(t, "hello", got.body)
	assert.Equal(t, "", got.marker)
	assert.Equal(t, int64(5), got.length)
	assert.False(t, got.chunked)
}

func TestNonSuccessStatusIsPassedThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()
	c := New(hostOf(srv), false, time.Second*5)
	status := 0
	err := c.Do(context.Background(), &Request{Method: "GET", Path: "/"}, func(resp *http.Response) error {
		status = resp.StatusCode
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandlerErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()
	errClient := errors.New("client went away")
	c := New(hostOf(srv), false, time.Second*5)
	err := c.Do(context.Background(), &Request{Method: "GET", Path: "/"}, func(resp *http.Response) error {
		return errClient
	})
	assert.ErrorIs(t, err, errClient)
	assert.False(t, errors.Is(err, ErrUnreachable))
}

func TestUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	c := New(addr, false, time.Second*5)
	called := false
	err = c.Do(context.Background(), &Request{Method: "GET", Path: "/"}, func(resp *http.Response) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.False(t, called)
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := New(hostOf(srv), false, time.Millisecond*100)
	err := c.Do(context.Background(), &Request{Method: "GET", Path: "/"}, func(resp *http.Response) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
}
