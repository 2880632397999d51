// Package serve serves an archive read-only, from a directory
// or from a packaged archive.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kjk/archiveproxy/archivepath"
	"github.com/kjk/archiveproxy/bundle"
	"github.com/kjk/archiveproxy/config"
	"github.com/kjk/archiveproxy/fileserve"
	"github.com/kjk/archiveproxy/httputil"
	"github.com/kjk/archiveproxy/log"
	"github.com/kjk/archiveproxy/publish"
	"github.com/kjk/archiveproxy/stream"
	"github.com/kjk/archiveproxy/u"
	"github.com/kjk/archiveproxy/workpool"
)

// Controller is an http.Handler for serve mode. Exactly one of
// dir or bundle is set
type Controller struct {
	cfg    *config.Serve
	dir    string
	bundle *bundle.Bundle
	pool   *workpool.Pool
}

// NewDir serves files in dir
func NewDir(cfg *config.Serve, dir string) *Controller {
	return &Controller{
		cfg: cfg,
		dir: dir,
	}
}

// NewBundle serves entries of b
func NewBundle(cfg *config.Serve, b *bundle.Bundle) *Controller {
	return &Controller{
		cfg:    cfg,
		bundle: b,
	}
}

// DefaultCacheDir is used for decompressed and downloaded bundles
// if config doesn't specify one
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "archiveproxy")
}

// Open resolves cfg.Source, which can be a directory, a bundle file
// (optionally compressed) or s3:// url of a bundle
func Open(ctx context.Context, cfg *config.Serve) (*Controller, error) {
	src := cfg.Source
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = DefaultCacheDir()
	}
	if publish.IsRemote(src) {
		path, err := publish.Fetch(ctx, src, cacheDir, nil)
		if err != nil {
			return nil, err
		}
		src = path
	}
	if u.DirExists(src) {
		log.Logf("serving directory '%s'\n", src)
		return NewDir(cfg, src), nil
	}
	if !bundle.IsBundlePath(src) {
		return nil, fmt.Errorf("'%s' is not a directory or a .zip or .pak file", src)
	}
	path, err := bundle.Decompress(src, cacheDir)
	if err != nil {
		return nil, err
	}
	pool := workpool.New(0)
	b, err := bundle.Open(path, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	log.Logf("serving %d files from '%s'\n", len(b.Files()), path)
	c := NewBundle(cfg, b)
	c.pool = pool
	return c, nil
}

// Close releases the bundle, if any
func (c *Controller) Close() error {
	if c.bundle == nil {
		return nil
	}
	err := c.bundle.Close()
	if c.pool != nil {
		c.pool.Close()
	}
	return err
}

// Files returns list of files being served
func (c *Controller) Files() ([]bundle.FileInfo, error) {
	if c.bundle != nil {
		return c.bundle.Files(), nil
	}
	var res []bundle.FileInfo
	err := u.IterRegularFiles(c.dir, func(path string, rel string, size int64) error {
		res = append(res, bundle.FileInfo{Path: rel, Size: size})
		return nil
	})
	return res, err
}

func writeEmpty(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(code)
}

func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := httputil.LogicalMethod(r)
	rel, err := archivepath.Rel(archivepath.KeyFromRequest(method, r), true)
	if err != nil {
		log.Warnf("serve: %s '%s': %v\n", method, r.URL.Path, err)
		writeEmpty(w, http.StatusBadRequest)
		return
	}

	resp := stream.NewResponse()
	if c.bundle != nil {
		err = c.lookup(r.Context(), resp, rel)
	} else {
		err = c.serveFile(resp, rel)
	}
	if err != nil {
		resp.Close()
		log.Warnf("serve: '%s': %v\n", rel, err)
		writeEmpty(w, http.StatusInternalServerError)
		return
	}
	if _, err = resp.WriteTo(w); err != nil {
		log.Warnf("serve: sending '%s': %v\n", rel, err)
		panic(http.ErrAbortHandler)
	}
}

func (c *Controller) serveFile(resp *stream.Response, rel string) error {
	path := filepath.Join(c.dir, filepath.FromSlash(rel))
	found, err := fileserve.ServeFile(resp, path)
	if !found {
		log.Verbosef("serve: '%s' not found\n", rel)
	}
	return err
}

func (c *Controller) lookup(ctx context.Context, resp *stream.Response, rel string) error {
	e, err := c.bundle.Lookup(ctx, rel)
	if errors.Is(err, bundle.ErrNotFound) {
		log.Verbosef("serve: '%s' not in the bundle\n", rel)
		return fileserve.NotFound(resp)
	}
	if err != nil {
		return err
	}
	ct := e.ContentType()
	if ct == "" {
		ct = fileserve.ContentTypeFor(rel)
	}
	resp.SetHeader("Content-Type", ct)
	if e.Size() > fileserve.SmallBodyCap {
		return resp.Stream(e)
	}
	defer e.Close()
	d, err := stream.ReadAll(e)
	if err != nil {
		return err
	}
	return resp.Single(d)
}
