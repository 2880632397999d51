package u

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// implement io.ReadCloser over os.File wrapped with io.Reader.
// io.Closer goes to os.File, io.Reader goes to wrapping reader
type readerWrappedFile struct {
	f     *os.File
	r     io.Reader
	close func()
}

func (rc *readerWrappedFile) Close() error {
	if rc.close != nil {
		rc.close()
	}
	return rc.f.Close()
}

func (rc *readerWrappedFile) Read(p []byte) (int, error) {
	return rc.r.Read(p)
}

func wrapInReadCloser(f *os.File, r io.Reader, err error) (io.ReadCloser, error) {
	if err != nil {
		f.Close()
		return nil, err
	}
	return &readerWrappedFile{
		f: f,
		r: r,
	}, nil
}

var compressedExts = []string{".gz", ".zst", ".zstd", ".br"}

// IsCompressedPath returns true if path has an extension we know how to decompress
func IsCompressedPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range compressedExts {
		if ext == e {
			return true
		}
	}
	return false
}

// TrimCompressedExt turns "foo.zip.br" into "foo.zip"
func TrimCompressedExt(path string) string {
	if IsCompressedPath(path) {
		return TrimExt(path)
	}
	return path
}

// OpenFileMaybeCompressed opens a file that might be compressed with gzip
// or zstd or brotli
func OpenFileMaybeCompressed(path string) (io.ReadCloser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch ext {
	case ".gz":
		r, err := gzip.NewReader(f)
		return wrapInReadCloser(f, r, err)
	case ".zst", ".zstd":
		r, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &readerWrappedFile{f: f, r: r, close: r.Close}, nil
	case ".br":
		r := brotli.NewReader(f)
		return wrapInReadCloser(f, r, nil)
	}
	return f, nil
}

// ReadFileMaybeCompressed reads file, decompressing if needed
func ReadFileMaybeCompressed(path string) ([]byte, error) {
	r, err := OpenFileMaybeCompressed(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// NewCompressingWriter returns a writer that compresses into w based on
// extension of path. The returned closer must be closed before w
func NewCompressingWriter(w io.Writer, path string) (io.WriteCloser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".gz":
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	case ".zst", ".zstd":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	case ".br":
		return brotli.NewWriterLevel(w, brotli.BestCompression), nil
	}
	return nopWriteCloser{w}, nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error {
	return nil
}
