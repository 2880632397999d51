package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kjk/archiveproxy/assert"
	"github.com/kjk/archiveproxy/log"
	"github.com/kjk/archiveproxy/require"
)

func init() {
	log.Out = io.Discard
}

func runWithOutput(t *testing.T, args ...string) (string, error) {
	var buf bytes.Buffer
	stdout = &buf
	t.Cleanup(func() {
		stdout = os.Stdout
	})
	err := run(args)
	return buf.String(), err
}

func TestRunErrors(t *testing.T) {
	_, err := runWithOutput(t)
	assert.Error(t, err)
	_, err = runWithOutput(t, "crawl")
	assert.Error(t, err)
	out, err := runWithOutput(t, "help")
	assert.NoError(t, err)
	assert.Contains(t, out, "archiveproxy forward")

	// validation happens before binding
	_, err = runWithOutput(t, "forward", "example.com", t.TempDir(), "--listen", "0")
	assert.Error(t, err)
	_, err = runWithOutput(t, "forward", "https://example.com", t.TempDir())
	assert.Error(t, err)
	_, err = runWithOutput(t, "forward", "example.com")
	assert.Error(t, err)
	_, err = runWithOutput(t, "compress", t.TempDir(), "--format", "tar")
	assert.Error(t, err)
}

func writeConfig(t *testing.T, s string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(s), 0644))
	return path
}

func TestForwardConfig(t *testing.T) {
	cfg, _, err := buildForwardConfig([]string{"example.com", "out"})
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.ListenPort)
	assert.True(t, cfg.Upstream.Secure)
	assert.Equal(t, "localhost:3000", cfg.RewriteHost())
	assert.Equal(t, "127.0.0.1:3000", cfg.ListenAddr())

	path := writeConfig(t, "listen: 8080\nsecure: false\nupstream_timeout: 10s\n")
	cfg, _, err = buildForwardConfig([]string{"--config", path, "example.com", "out"})
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.ListenPort)
	assert.False(t, cfg.Upstream.Secure)
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)

	// flags override the file
	args := []string{"--config", path, "--listen", "9000", "--secure", "--prefix-local", "/site", "example.com", "out"}
	cfg, _, err = buildForwardConfig(args)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.True(t, cfg.Upstream.Secure)
	assert.Equal(t, "/site", cfg.PrefixLocal)
	assert.False(t, cfg.IncludeQuery())

	path = writeConfig(t, "listen: 8080\nunknown: 1\n")
	_, _, err = buildForwardConfig([]string{"--config", path, "example.com", "out"})
	assert.Error(t, err)
}

func TestServeConfig(t *testing.T) {
	path := writeConfig(t, "cache_dir: /tmp/cache\nrewrite: localhost:80\n")
	cfg, _, err := buildServeConfig([]string{"--config", path, "--listen", "4000", "site.zip"})
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.ListenPort)
	assert.Equal(t, "/tmp/cache", cfg.CacheDir)
	assert.Equal(t, "localhost:80", cfg.RewriteHost())
	assert.Equal(t, "site.zip", cfg.Source)
}

func TestCompressAndList(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"index.GET.unknown_ext": "<html></html>",
		"css/main.css":          "body {}",
	}
	for name, s := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(s), 0644))
	}
	output := filepath.Join(t.TempDir(), "site")
	out, err := runWithOutput(t, "compress", dir, "--format", "zip-zstd", "-o", output)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, output+".zip: 2 files"), out)

	cacheDir := t.TempDir()
	out, err = runWithOutput(t, "list", output+".zip", "--cache-dir", cacheDir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "  css/main.css"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "  index.GET.unknown_ext"), lines[1])
	assert.Equal(t, "2 files, 20 bytes", lines[2])

	out, err = runWithOutput(t, "list", dir, "--json")
	require.NoError(t, err)
	var listed []listedFile
	require.NoError(t, json.Unmarshal([]byte(out), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, "css/main.css", listed[0].Path)
	assert.Equal(t, int64(7), listed[0].Size)
	assert.Equal(t, "index.GET.unknown_ext", listed[1].Path)
}
