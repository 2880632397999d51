package compress

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert"
	"github.com/kjk/archiveproxy/bundle"
	"github.com/kjk/archiveproxy/log"
	"github.com/kjk/archiveproxy/stream"
	"github.com/kjk/archiveproxy/workpool"
)

func init() {
	log.Out = io.Discard
}

var testFiles = map[string]string{
	"index.GET.unknown_ext": "<html>index</html>",
	"css/main.css":          "body { color: red }",
	"img/a-v=2.png":         "\x89PNG\x00\x01\x02",
	"data.json":             `{"a":1}`,
}

func writeTestDir(t *testing.T) string {
	dir := filepath.Join(t.TempDir(), "site")
	for name, s := range testFiles {
		path := filepath.Join(dir, filepath.FromSlash(name))
		assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		assert.NoError(t, os.WriteFile(path, []byte(s), 0644))
	}
	// in-flight file of a forward proxy, not packaged
	tmp := filepath.Join(dir, ".data.json.tmp123")
	assert.NoError(t, os.WriteFile(tmp, []byte("partial"), 0644))
	return dir
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"zip", "zip-zstd", "pak"} {
		f, err := ParseFormat(s)
		assert.NoError(t, err)
		assert.Equal(t, s, string(f))
	}
	_, err := ParseFormat("tar")
	assert.Error(t, err)
	assert.Equal(t, ".zip", FormatZipZstd.Ext())
	assert.Equal(t, ".pak", FormatPak.Ext())
}

func TestOutputPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mysite")
	p, err := OutputPath(dir, "", FormatZip)
	assert.NoError(t, err)
	assert.Equal(t, "mysite.zip", p)

	p, err = OutputPath(dir, "out/site", FormatZip)
	assert.NoError(t, err)
	assert.Equal(t, "out/site.zip", p)

	p, err = OutputPath(dir, "out/site.pak", FormatPak)
	assert.NoError(t, err)
	assert.Equal(t, "out/site.pak", p)
}

func readEntry(t *testing.T, b *bundle.Bundle, rel string) string {
	e, err := b.Lookup(context.Background(), rel)
	assert.NoError(t, err)
	defer e.Close()
	d, err := stream.ReadAll(e)
	assert.NoError(t, err)
	return string(d)
}

func TestDir(t *testing.T) {
	pool := workpool.New(2)
	defer pool.Close()

	for _, f := range formats {
		dir := writeTestDir(t)
		// output inside the directory is not packaged into itself
		out := filepath.Join(dir, "site")
		st, err := Dir(dir, out, f)
		assert.NoError(t, err)
		assert.Equal(t, out+f.Ext(), st.Path)
		assert.Equal(t, len(testFiles), st.Files)
		assert.Equal(t, st.Size, fileSize(t, st.Path))

		b, err := bundle.Open(st.Path, pool)
		assert.NoError(t, err)
		files := b.Files()
		assert.Equal(t, len(testFiles), len(files))
		for name, s := range testFiles {
			assert.Equal(t, s, readEntry(t, b, name))
		}
		assert.False(t, b.Has(".data.json.tmp123"))
		if f == FormatPak {
			assert.Equal(t, "text/css; charset=utf-8", entryContentType(t, b, "css/main.css"))
			assert.Equal(t, "application/json", entryContentType(t, b, "data.json"))
			assert.Equal(t, "", entryContentType(t, b, "index.GET.unknown_ext"))
		} else {
			assert.Equal(t, "", entryContentType(t, b, "css/main.css"))
		}
		assert.NoError(t, b.Close())

		// compressing again replaces the output
		st2, err := Dir(dir, out, f)
		assert.NoError(t, err)
		assert.Equal(t, len(testFiles), st2.Files)
	}
}

func entryContentType(t *testing.T, b *bundle.Bundle, rel string) string {
	e, err := b.Lookup(context.Background(), rel)
	assert.NoError(t, err)
	defer e.Close()
	return e.ContentType()
}

func fileSize(t *testing.T, path string) int64 {
	st, err := os.Stat(path)
	assert.NoError(t, err)
	return st.Size()
}

func TestDirErrors(t *testing.T) {
	_, err := Dir(filepath.Join(t.TempDir(), "missing"), "", FormatZip)
	assert.Error(t, err)

	dir := writeTestDir(t)
	outDir := t.TempDir()
	_, err = Dir(dir, filepath.Join(outDir, "out"), Format("tar"))
	assert.Error(t, err)
	entries, err := os.ReadDir(outDir)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(entries))
}
