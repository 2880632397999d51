// Package publish uploads packaged archives to S3 or over ssh
// and downloads them from S3 for serving.
package publish

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kjk/archiveproxy/log"
	"github.com/kjk/archiveproxy/u"
)

const (
	SchemeS3  = "s3"
	SchemeSSH = "ssh"
)

// Dest is a parsed s3://bucket/key or ssh://user@host[:port]/path
type Dest struct {
	Scheme string
	// bucket for s3, host for ssh
	Host string
	Port uint
	User string
	// object key for s3, absolute path for ssh. If it ends with "/",
	// base name of the uploaded file is appended
	Path string
}

func (d *Dest) String() string {
	switch d.Scheme {
	case SchemeS3:
		return "s3://" + d.Host + "/" + d.Path
	case SchemeSSH:
		host := d.Host
		if d.Port != 0 {
			host += ":" + strconv.Itoa(int(d.Port))
		}
		return "ssh://" + d.User + "@" + host + d.Path
	}
	return ""
}

// IsRemote returns true for s3:// urls
func IsRemote(s string) bool {
	return strings.HasPrefix(s, SchemeS3+"://")
}

// ParseDest parses destination url
func ParseDest(s string) (*Dest, error) {
	uri, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid destination '%s': %w", s, err)
	}
	d := &Dest{
		Scheme: uri.Scheme,
		Host:   uri.Hostname(),
	}
	switch uri.Scheme {
	case SchemeS3:
		d.Path = strings.TrimPrefix(uri.Path, "/")
		if d.Host == "" || d.Path == "" {
			return nil, fmt.Errorf("invalid destination '%s', expected s3://bucket/key", s)
		}
	case SchemeSSH:
		d.Path = uri.Path
		if uri.User != nil {
			d.User = uri.User.Username()
		}
		if d.User == "" {
			d.User = "root"
		}
		if p := uri.Port(); p != "" {
			port, err := strconv.ParseUint(p, 10, 16)
			if err != nil || port == 0 {
				return nil, fmt.Errorf("invalid port in '%s'", s)
			}
			d.Port = uint(port)
		}
		if d.Host == "" || d.Path == "" {
			return nil, fmt.Errorf("invalid destination '%s', expected ssh://user@host/path", s)
		}
	default:
		return nil, fmt.Errorf("unsupported destination '%s', expected s3:// or ssh://", s)
	}
	return d, nil
}

// remotePath returns path of localPath on the remote
func (d *Dest) remotePath(localPath string) string {
	if strings.HasSuffix(d.Path, "/") {
		return path.Join(d.Path, filepath.Base(localPath))
	}
	return d.Path
}

type Options struct {
	// Brotli compresses the file before uploading and appends ".br"
	// to remote name. Serve mode decompresses it on load
	Brotli bool
	// for ssh, empty means ssh agent or ~/.ssh/id_ed25519, ~/.ssh/id_rsa
	PrivateKeyPath string
	// for s3, nil means S3ConfigFromEnv()
	S3 *S3Config
}

// compressed returns path of brotli-compressed copy of path in a temp dir
func compressed(path string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "archiveproxy-publish")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		os.RemoveAll(dir)
	}
	dst := filepath.Join(dir, filepath.Base(path)+".br")
	if err = compressFile(dst, path); err != nil {
		cleanup()
		return "", nil, err
	}
	return dst, cleanup, nil
}

func compressFile(dst string, src string) error {
	r, err := os.Open(src)
	if err != nil {
		return err
	}
	defer r.Close()
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	w, err := u.NewCompressingWriter(f, dst)
	if err == nil {
		_, err = io.Copy(w, r)
		err = u.FirstErr(err, w.Close())
	}
	return u.FirstErr(err, f.Close())
}

// Publish uploads a file at localPath to dest. Returns the url of
// the uploaded file
func Publish(ctx context.Context, localPath string, dest string, opts *Options) (string, error) {
	if opts == nil {
		opts = &Options{}
	}
	d, err := ParseDest(dest)
	if err != nil {
		return "", err
	}
	if !u.FileExists(localPath) {
		return "", fmt.Errorf("file '%s' doesn't exist", localPath)
	}
	remote := d.remotePath(localPath)
	if opts.Brotli {
		var cleanup func()
		localPath, cleanup, err = compressed(localPath)
		if err != nil {
			return "", err
		}
		defer cleanup()
		remote += ".br"
	}
	res := *d
	res.Path = remote
	sizeStr := u.FormatSize(u.FileSize(localPath))
	log.Logf("uploading '%s' (%s) to '%s'", localPath, sizeStr, res.String())
	timeStart := time.Now()

	switch d.Scheme {
	case SchemeS3:
		cfg := opts.S3
		if cfg == nil {
			cfg = S3ConfigFromEnv()
		}
		c, err := NewS3(ctx, cfg, d.Host)
		if err != nil {
			return "", err
		}
		err = c.UploadFile(ctx, remote, localPath)
		if err != nil {
			return "", err
		}
	case SchemeSSH:
		err = uploadSSH(d, opts.PrivateKeyPath, localPath, remote)
		if err != nil {
			return "", err
		}
	}
	log.Logf(" took %s\n", time.Since(timeStart))
	return res.String(), nil
}

// Fetch downloads s3://bucket/key into cacheDir, unless a file
// of the same size was already downloaded. Returns local path
func Fetch(ctx context.Context, src string, cacheDir string, cfg *S3Config) (string, error) {
	d, err := ParseDest(src)
	if err != nil {
		return "", err
	}
	if d.Scheme != SchemeS3 {
		return "", fmt.Errorf("can only fetch from s3://, got '%s'", src)
	}
	if cfg == nil {
		cfg = S3ConfigFromEnv()
	}
	c, err := NewS3(ctx, cfg, d.Host)
	if err != nil {
		return "", err
	}
	rel := filepath.FromSlash(d.Path)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("invalid key in '%s'", src)
	}
	dst := filepath.Join(cacheDir, d.Host, rel)
	size, err := c.Size(ctx, d.Path)
	if err != nil {
		return "", err
	}
	if u.FileSize(dst) == size {
		log.Verbosef("'%s' already downloaded to '%s'\n", src, dst)
		return dst, nil
	}
	log.Logf("downloading '%s' to '%s'\n", src, dst)
	if err = c.DownloadFileAtomically(ctx, dst, d.Path); err != nil {
		return "", err
	}
	return dst, nil
}
