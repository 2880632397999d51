// Package config has the settings of forward and serve modes.
// Configs are built once at startup and never mutated.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenPort      = 3000
	DefaultUpstreamTimeout = 2 * time.Minute
)

type Upstream struct {
	Host   string
	Secure bool
}

// Scheme returns "https" or "http"
func (u Upstream) Scheme() string {
	if u.Secure {
		return "https"
	}
	return "http"
}

// Forward configures a proxy that archives upstream responses
type Forward struct {
	ListenPort int
	// host:port that replaces upstream host in textual bodies.
	// Defaults to localhost:<ListenPort>
	Rewrite  string
	Upstream Upstream
	// directory where responses are archived
	ArchiveRoot string
	// if set, absolute upstream urls in textual bodies are replaced
	// with this prefix and query is not part of archive file names
	PrefixLocal     string
	UpstreamTimeout time.Duration
}

// Serve configures a read-only server of an archive directory or bundle
type Serve struct {
	ListenPort int
	Rewrite    string
	// directory, bundle file (.zip, .pak, optionally compressed)
	// or s3://bucket/key of a bundle
	Source string
	// where decompressed or downloaded bundles are stored
	CacheDir string
}

func rewriteHost(rewrite string, port int) string {
	if rewrite != "" {
		return rewrite
	}
	return "localhost:" + strconv.Itoa(port)
}

// RewriteHost returns host that replaces upstream host in textual bodies
func (c *Forward) RewriteHost() string {
	return rewriteHost(c.Rewrite, c.ListenPort)
}

func (c *Forward) ListenAddr() string {
	return listenAddr(c.ListenPort)
}

// IncludeQuery is true if the query is part of archive file names
func (c *Forward) IncludeQuery() bool {
	return c.PrefixLocal == ""
}

func (c *Serve) RewriteHost() string {
	return rewriteHost(c.Rewrite, c.ListenPort)
}

func (c *Serve) ListenAddr() string {
	return listenAddr(c.ListenPort)
}

func listenAddr(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid listen port %d", port)
	}
	return nil
}

func (c *Forward) Validate() error {
	if err := validatePort(c.ListenPort); err != nil {
		return err
	}
	host := c.Upstream.Host
	if host == "" {
		return errors.New("upstream host is required")
	}
	if strings.Contains(host, "/") {
		return fmt.Errorf("upstream host '%s' should not have a scheme or path", host)
	}
	if c.ArchiveRoot == "" {
		return errors.New("archive directory is required")
	}
	if strings.Contains(c.PrefixLocal, "://") {
		return fmt.Errorf("prefix-local '%s' must not contain '://'", c.PrefixLocal)
	}
	if c.UpstreamTimeout < 0 {
		return fmt.Errorf("invalid upstream timeout %s", c.UpstreamTimeout)
	}
	return nil
}

func (c *Serve) Validate() error {
	if err := validatePort(c.ListenPort); err != nil {
		return err
	}
	if c.Source == "" {
		return errors.New("path to serve is required")
	}
	return nil
}

// File is an optional YAML file with defaults for command-line flags
type File struct {
	Listen          int    `yaml:"listen"`
	Rewrite         string `yaml:"rewrite"`
	Secure          *bool  `yaml:"secure"`
	PrefixLocal     string `yaml:"prefix_local"`
	UpstreamTimeout string `yaml:"upstream_timeout"`
	LogDir          string `yaml:"log_dir"`
	CacheDir        string `yaml:"cache_dir"`
	Verbose         bool   `yaml:"verbose"`
}

// LoadFile loads a configuration from a YAML file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile parses YAML config. Unknown keys are an error
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if f.Listen < 0 {
		return nil, fmt.Errorf("invalid listen port %d", f.Listen)
	}
	if _, err := f.Timeout(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Timeout returns parsed upstream_timeout or 0 if not set
func (f *File) Timeout() (time.Duration, error) {
	if f.UpstreamTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.UpstreamTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid upstream_timeout '%s': %w", f.UpstreamTimeout, err)
	}
	return d, nil
}

// NewForward returns forward config with defaults, overlaid with f
func (f *File) NewForward(host string, archiveRoot string) *Forward {
	c := &Forward{
		ListenPort:      DefaultListenPort,
		Upstream:        Upstream{Host: host, Secure: true},
		ArchiveRoot:     archiveRoot,
		UpstreamTimeout: DefaultUpstreamTimeout,
	}
	if f == nil {
		return c
	}
	if f.Listen != 0 {
		c.ListenPort = f.Listen
	}
	c.Rewrite = f.Rewrite
	if f.Secure != nil {
		c.Upstream.Secure = *f.Secure
	}
	c.PrefixLocal = f.PrefixLocal
	if d, _ := f.Timeout(); d > 0 {
		c.UpstreamTimeout = d
	}
	return c
}

// NewServe returns serve config with defaults, overlaid with f
func (f *File) NewServe(source string) *Serve {
	c := &Serve{
		ListenPort: DefaultListenPort,
		Source:     source,
	}
	if f == nil {
		return c
	}
	if f.Listen != 0 {
		c.ListenPort = f.Listen
	}
	c.Rewrite = f.Rewrite
	c.CacheDir = f.CacheDir
	return c
}
