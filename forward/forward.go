// Package forward implements a proxy that serves archived responses
// and archives responses of requests it forwards to upstream.
package forward

import (
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kjk/archiveproxy/archivepath"
	"github.com/kjk/archiveproxy/atomicfile"
	"github.com/kjk/archiveproxy/config"
	"github.com/kjk/archiveproxy/fileserve"
	"github.com/kjk/archiveproxy/httputil"
	"github.com/kjk/archiveproxy/log"
	"github.com/kjk/archiveproxy/rewrite"
	"github.com/kjk/archiveproxy/stream"
	"github.com/kjk/archiveproxy/upstream"
	"github.com/zeebo/blake3"
)

// upstream headers that are not sent to the client.
// HSTS and Expect-CT would make browsers refuse plain http on localhost
var hdrsToNotCopy = map[string]bool{
	"Content-Length":            true,
	"Strict-Transport-Security": true,
	"Expect-CT":                 true,
	"Connection":                true,
	"Keep-Alive":                true,
	"Transfer-Encoding":         true,
}

const (
	hdrAllowOrigin      = "Access-Control-Allow-Origin"
	hdrAllowCredentials = "Access-Control-Allow-Credentials"
	hdrAllowMethods     = "Access-Control-Allow-Methods"
)

// errUpstreamBody is returned when we fail to read a textual body
// before sending anything to the client
var errUpstreamBody = errors.New("failed to read upstream body")

// Controller is an http.Handler for forward mode
type Controller struct {
	cfg      *config.Forward
	upstream *upstream.Client
	rewriter *rewrite.Rewriter
	origin   string
}

// New creates a controller. cfg must not be modified afterwards
func New(cfg *config.Forward) *Controller {
	up := cfg.Upstream
	return &Controller{
		cfg:      cfg,
		upstream: upstream.New(up.Host, up.Secure, cfg.UpstreamTimeout),
		rewriter: rewrite.New(up.Host, cfg.RewriteHost(), cfg.PrefixLocal),
		origin:   "localhost:" + strconv.Itoa(cfg.ListenPort),
	}
}

// Config returns the config of the controller
func (c *Controller) Config() *config.Forward {
	return c.cfg
}

// UpstreamHost returns host whose responses we archive
func (c *Controller) UpstreamHost() string {
	return c.upstream.Host()
}

func writeEmpty(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(code)
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := httputil.LogicalMethod(r)
	key := archivepath.KeyFromRequest(method, r)
	npath, err := archivepath.Map(c.cfg.ArchiveRoot, key, c.cfg.IncludeQuery())
	if err != nil {
		log.Warnf("forward: %s '%s': %v\n", method, r.URL.Path, err)
		writeEmpty(w, http.StatusBadRequest)
		return
	}

	if method == http.MethodGet && c.serveArchived(w, npath) {
		return
	}

	committed := false
	req := upstream.RequestFrom(method, r)
	err = c.upstream.Do(r.Context(), req, func(resp *http.Response) error {
		return c.relay(w, method, npath, resp, &committed)
	})
	if err == nil {
		return
	}
	if committed {
		// status line and headers are gone, the only way to signal
		// failure is to break the connection
		log.Warnf("forward: %s %s: %v\n", method, r.URL.Path, err)
		panic(http.ErrAbortHandler)
	}
	log.Warnf("forward: %s %s: %v\n", method, r.URL.Path, err)
	log.Event("upstream_error", "method", method, "path", r.URL.Path, "error", err.Error())
	writeEmpty(w, http.StatusBadGateway)
}

// serveArchived returns true if npath exists and was sent
func (c *Controller) serveArchived(w http.ResponseWriter, npath string) bool {
	resp := stream.NewResponse()
	found, err := fileserve.ServeFile(resp, npath)
	if !found {
		resp.Close()
		return false
	}
	if err != nil {
		log.Warnf("forward: reading '%s': %v\n", npath, err)
	}
	log.Verbosef("hit: %s\n", npath)
	n, err := resp.WriteTo(w)
	if err != nil {
		log.Warnf("forward: sending '%s': %v\n", npath, err)
		panic(http.ErrAbortHandler)
	}
	log.Event("hit", "path", c.relPath(npath), "size", n)
	return true
}

func (c *Controller) relPath(path string) string {
	rel, err := filepath.Rel(c.cfg.ArchiveRoot, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (c *Controller) newResponse(resp *http.Response) *stream.Response {
	res := stream.NewResponse().SetStatus(resp.StatusCode)
	res.SetHeader(hdrAllowOrigin, c.origin)
	res.SetHeader(hdrAllowCredentials, "true")
	res.SetHeader(hdrAllowMethods, "*")
	for k, vals := range resp.Header {
		k = http.CanonicalHeaderKey(k)
		if hdrsToNotCopy[k] {
			continue
		}
		if k == hdrAllowOrigin || k == hdrAllowCredentials || k == hdrAllowMethods {
			continue
		}
		for _, v := range vals {
			res.AddHeader(k, v)
		}
	}
	return res
}

func shouldArchive(method string, resp *http.Response) bool {
	return method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode < 300
}

// ensureDir creates parent dir of path. Failure is only logged because
// writing the file will fail and we still send the response
func ensureDir(path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Warnf("forward: MkdirAll('%s') failed with '%s'\n", filepath.Dir(path), err)
	}
}

// target describes where an upstream response is archived
type target struct {
	path string
	// alias is the path with the sentinel extension, hard-linked
	// to path. Empty if the path didn't need healing
	alias string
}

func (c *Controller) relay(w http.ResponseWriter, method string, npath string, resp *http.Response, committed *bool) error {
	ct := resp.Header.Get("Content-Type")
	tgt := target{path: npath}
	if healed, ok := archivepath.Heal(npath, ct); ok {
		tgt = target{path: healed, alias: npath}
	}
	out := c.newResponse(resp)
	archive := shouldArchive(method, resp)

	var err error
	if rewrite.IsTextual(ct) {
		var d []byte
		d, err = rewrite.ReadBody(resp.Body, resp.ContentLength)
		if err != nil {
			return errors.Join(errUpstreamBody, err)
		}
		d = c.rewriter.Rewrite(d)
		if archive {
			c.archiveData(tgt, ct, d)
		}
		err = out.Single(d)
	} else {
		src := stream.FromReader(resp.Body, stream.ChunkSize)
		if archive {
			src = c.newCapture(tgt, ct, src)
		}
		err = out.Stream(src)
	}
	var hdrErr *stream.HeaderError
	if errors.As(err, &hdrErr) {
		log.Warnf("forward: skipped upstream header: %v\n", err)
	}

	*committed = true
	_, err = out.WriteTo(w)
	return err
}

func digestHex(h *blake3.Hasher) string {
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Controller) logCapture(tgt target, ct string, size int64, digest string) {
	log.Verbosef("archived %s (%d bytes)\n", tgt.path, size)
	vals := []any{"path", c.relPath(tgt.path), "content_type", ct, "size", size, "digest", digest}
	if tgt.alias != "" {
		vals = append(vals, "alias", c.relPath(tgt.alias))
	}
	log.Event("capture", vals...)
}

func (c *Controller) archiveData(tgt target, ct string, d []byte) {
	ensureDir(tgt.path)
	var aliases []string
	if tgt.alias != "" {
		aliases = append(aliases, tgt.alias)
	}
	if err := atomicfile.WriteFile(tgt.path, d, aliases...); err != nil {
		log.Warnf("forward: failed to archive '%s': %v\n", tgt.path, err)
		return
	}
	h := blake3.New()
	_, _ = h.Write(d)
	c.logCapture(tgt, ct, int64(len(d)), digestHex(h))
}

// capture is a body source that also writes chunks to an archive file
type capture struct {
	c   *Controller
	src stream.Source
	tgt target
	ct  string

	// nil if we failed to create the file or a write failed
	file   *atomicfile.File
	hasher *blake3.Hasher
	done   bool
}

func (c *Controller) newCapture(tgt target, ct string, src stream.Source) stream.Source {
	ensureDir(tgt.path)
	f, err := atomicfile.New(tgt.path)
	if err != nil {
		log.Warnf("forward: failed to create '%s': %v\n", tgt.path, err)
		return src
	}
	if tgt.alias != "" {
		f.AddAlias(tgt.alias)
	}
	return &capture{
		c:      c,
		src:    src,
		tgt:    tgt,
		ct:     ct,
		file:   f,
		hasher: blake3.New(),
	}
}

func (s *capture) Next() ([]byte, error) {
	d, err := s.src.Next()
	if len(d) > 0 && s.file != nil {
		if _, errWrite := s.file.Write(d); errWrite != nil {
			// the client still gets the whole body
			log.Warnf("forward: writing '%s' failed with '%s'\n", s.tgt.path, errWrite)
			s.file = nil
		} else {
			_, _ = s.hasher.Write(d)
		}
	}
	if err == io.EOF {
		s.finish()
	}
	return d, err
}

func (s *capture) finish() {
	if s.done {
		return
	}
	s.done = true
	f := s.file
	if f == nil {
		return
	}
	s.file = nil
	if err := f.Close(); err != nil {
		log.Warnf("forward: failed to archive '%s': %v\n", s.tgt.path, err)
		return
	}
	if err := f.AliasError(); err != nil {
		log.Warnf("forward: failed to link '%s': %v\n", s.tgt.alias, err)
	}
	s.c.logCapture(s.tgt, s.ct, f.Written(), digestHex(s.hasher))
}

// Close discards a partially written file
func (s *capture) Close() error {
	s.file.RemoveIfNotClosed()
	s.file = nil
	s.done = true
	if c, ok := s.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
