package bundle

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert"
	"github.com/kjk/archiveproxy/pak"
	"github.com/kjk/archiveproxy/stream"
	"github.com/kjk/archiveproxy/u"
	"github.com/kjk/archiveproxy/workpool"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

var testFiles = map[string][]byte{
	"index.GET.unknown_ext": []byte("X"),
	"css/main.css":          []byte("body{}"),
	"img/a-v=2.png":         bytes.Repeat([]byte{0x89, 'P', 'N', 'G', 1, 2, 3}, 3000),
}

func writeZip(t *testing.T, path string, method uint16) {
	f, err := os.Create(path)
	assert.NoError(t, err)
	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	_, err = zw.Create("img/")
	assert.NoError(t, err)
	for name, d := range testFiles {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
		assert.NoError(t, err)
		_, err = w.Write(d)
		assert.NoError(t, err)
	}
	assert.NoError(t, zw.Close())
	assert.NoError(t, f.Close())
}

func writePak(t *testing.T, path string) {
	w := pak.NewWriter()
	for name, d := range testFiles {
		assert.NoError(t, w.AddData(d, name, pak.Metadata{}))
	}
	f, err := os.Create(path)
	assert.NoError(t, err)
	assert.NoError(t, w.Write(f))
	assert.NoError(t, f.Close())
}

func readEntry(t *testing.T, b *Bundle, rel string) []byte {
	e, err := b.Lookup(context.Background(), rel)
	assert.NoError(t, err)
	defer e.Close()
	var res []byte
	for {
		d, err := e.Next()
		assert.True(t, len(d) <= stream.ChunkSize)
		res = append(res, d...)
		if err == io.EOF {
			return res
		}
		assert.NoError(t, err)
	}
}

func verifyBundle(t *testing.T, path string) {
	pool := workpool.New(2)
	defer pool.Close()
	b, err := Open(path, pool)
	assert.NoError(t, err)
	defer b.Close()

	for name, d := range testFiles {
		assert.True(t, b.Has(name))
		assert.Equal(t, d, readEntry(t, b, name))
	}
	_, err = b.Lookup(context.Background(), "missing.html")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, b.Has("img"))
	assert.False(t, b.Has("img/"))

	files := b.Files()
	assert.Equal(t, 3, len(files))
	assert.Equal(t, "css/main.css", files[0].Path)
	assert.Equal(t, int64(6), files[0].Size)
}

func TestZipDeflate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.zip")
	writeZip(t, path, zip.Deflate)
	verifyBundle(t, path)
}

func TestZipZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.zip")
	writeZip(t, path, zstd.ZipMethodWinZip)
	verifyBundle(t, path)
}

func TestZipStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.zip")
	writeZip(t, path, zip.Store)
	verifyBundle(t, path)
}

func TestPak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.pak")
	writePak(t, path)
	verifyBundle(t, path)
}

func TestNotABundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.zip")
	assert.NoError(t, os.WriteFile(path, []byte("this is not a zip file"), 0644))
	_, err := Open(path, workpool.New(1))
	assert.Error(t, err)

	_, err = Open(filepath.Join(dir, "missing.zip"), workpool.New(1))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.zip")
	assert.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = Open(empty, workpool.New(1))
	assert.Error(t, err)
}

func TestCloseWaitsForEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.zip")
	writeZip(t, path, zip.Deflate)
	pool := workpool.New(1)
	defer pool.Close()
	b, err := Open(path, pool)
	assert.NoError(t, err)

	e, err := b.Lookup(context.Background(), "img/a-v=2.png")
	assert.NoError(t, err)
	d, err := e.Next()
	assert.NoError(t, err)
	assert.True(t, len(d) > 0)

	done := make(chan error)
	go func() {
		done <- b.Close()
	}()
	select {
	case <-done:
		t.Fatal("Close() returned while an entry is open")
	case <-time.After(100 * time.Millisecond):
	}
	// the entry is still readable
	_, err = e.Next()
	assert.NoError(t, err)
	assert.NoError(t, e.Close())
	assert.NoError(t, <-done)

	_, err = b.Lookup(context.Background(), "css/main.css")
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = e.Next()
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestDecompress(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "site.zip")
	writeZip(t, zipPath, zip.Deflate)
	zipData, err := os.ReadFile(zipPath)
	assert.NoError(t, err)

	brPath := filepath.Join(dir, "site.zip.br")
	f, err := os.Create(brPath)
	assert.NoError(t, err)
	w, err := u.NewCompressingWriter(f, brPath)
	assert.NoError(t, err)
	_, err = w.Write(zipData)
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, f.Close())

	assert.True(t, IsBundlePath(brPath))
	assert.True(t, IsBundlePath("a.pak"))
	assert.False(t, IsBundlePath(dir))

	cacheDir := filepath.Join(dir, "cache")
	got, err := Decompress(brPath, cacheDir)
	assert.NoError(t, err)
	assert.Equal(t, ".zip", filepath.Ext(got))
	d, err := os.ReadFile(got)
	assert.NoError(t, err)
	assert.Equal(t, zipData, d)
	verifyBundle(t, got)

	// second call re-uses the cached copy
	got2, err := Decompress(brPath, cacheDir)
	assert.NoError(t, err)
	assert.Equal(t, got, got2)

	// not compressed
	got, err = Decompress(zipPath, cacheDir)
	assert.NoError(t, err)
	assert.Equal(t, zipPath, got)
}
