// Package server binds the loopback listener and dispatches every
// request to a single controller (forward or serve mode)
package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/kjk/archiveproxy/httplogger"
	"github.com/kjk/archiveproxy/log"
)

// Server represents the listener and the handler of all urls
type Server struct {
	// Handler serves both "/" and "/*path", for any method
	Handler http.Handler
	// Hosts are answered by Handler when a request arrives in proxy form
	// i.e. "GET http://host/path". Requests for other hosts are refused
	Hosts []string
	// optional, logs every request
	Logger *httplogger.Logger

	addr     string
	proxy    *goproxy.ProxyHttpServer
	listener net.Listener
	srv      *http.Server
}

type proxyLogger struct{}

func (proxyLogger) Printf(format string, v ...interface{}) {
	log.Verbosef("proxy: "+format+"\n", v...)
}

// New creates a server for addr. It doesn't listen until Listen()
func New(addr string, h http.Handler, hosts ...string) *Server {
	s := &Server{
		Handler: h,
		Hosts:   hosts,
		addr:    addr,
	}
	proxy := goproxy.NewProxyHttpServer()
	proxy.Verbose = log.Verbose
	proxy.Logger = proxyLogger{}
	proxy.NonproxyHandler = http.HandlerFunc(s.route)
	proxy.OnRequest().DoFunc(refuse)
	s.proxy = proxy
	return s
}

// we're not an open proxy
func refuse(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	log.Warnf("refusing proxy request for '%s'\n", r.URL.Host)
	return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusForbidden, "")
}

func writeEmpty(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(code)
}

func (s *Server) isLocalHost(host string) bool {
	for _, h := range s.Hosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	if s.listener != nil && host == s.listener.Addr().String() {
		return true
	}
	return false
}

// toOriginForm turns "GET http://host/path?q" into "GET /path?q" with Host: host
func toOriginForm(r *http.Request) *http.Request {
	r2 := r.Clone(r.Context())
	r2.Host = r.URL.Host
	r2.URL = &url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	if r2.URL.Path == "" {
		r2.URL.Path = "/"
	}
	r2.RequestURI = r2.URL.RequestURI()
	return r2
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		log.Verbosef("rejecting CONNECT '%s'\n", r.Host)
		writeEmpty(w, http.StatusMethodNotAllowed)
		return
	}
	if r.URL.IsAbs() && s.isLocalHost(r.URL.Host) {
		s.route(w, toOriginForm(r))
		return
	}
	s.proxy.ServeHTTP(w, r)
}

// "/" and "/*path" go to the same handler
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/") {
		writeEmpty(w, http.StatusBadRequest)
		return
	}
	s.Handler.ServeHTTP(w, r)
}

// Listen binds the socket. Errors are returned so that main can exit
// with non-zero code on bind failure
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Logger.Middleware(s),
		ReadHeaderTimeout: 30 * time.Second,
	}
	return nil
}

// Addr returns the address we listen on, resolved after Listen()
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns "http://" + Addr()
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// Serve blocks until the server is closed
func (s *Server) Serve() error {
	if s.srv == nil {
		return errors.New("Serve() called before Listen()")
	}
	log.Logf("listening on %s\n", s.URL())
	err := s.srv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Close closes the listener and all connections, without waiting
// for requests in flight
func (s *Server) Close() error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Close()
	// in case Serve() was never called
	_ = s.listener.Close()
	return err
}
