// Package bundle serves entries of a packaged archive (zip or pak file)
// that is memory-mapped and shared by all requests.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/kjk/archiveproxy/pak"
	"github.com/kjk/archiveproxy/stream"
	"github.com/kjk/archiveproxy/workpool"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrNotFound is returned for entries not in the bundle
	ErrNotFound = errors.New("entry not found")
	// ErrClosed is returned after the bundle was closed
	ErrClosed = errors.New("bundle is closed")
)

// Bundle is an opened packaged archive. The memory map, the parsed
// directory and all entry readers live as long as the Bundle: Close
// waits for open entries before unmapping.
type Bundle struct {
	path string
	mf   *mappedFile
	pool *workpool.Pool

	// one of zr or pak is set
	zr     *zip.Reader
	zipIdx map[string]*zip.File
	pak    *pak.Archive

	mu      sync.RWMutex
	closed  bool
	readers sync.WaitGroup
}

// FileInfo describes an entry
type FileInfo struct {
	Path string
	Size int64
}

// Open maps a bundle at path. Reads of entries are done on pool
func Open(path string, pool *workpool.Pool) (*Bundle, error) {
	mf, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	b := &Bundle{
		path: path,
		mf:   mf,
		pool: pool,
	}
	err = withFaultGuard(b.parse)
	if err != nil {
		_ = mf.Close()
		return nil, fmt.Errorf("opening bundle '%s': %w", path, err)
	}
	return b, nil
}

func (b *Bundle) parse() error {
	if pak.IsPak(b.mf.data) {
		a, err := pak.Parse(b.mf.data)
		if err != nil {
			return err
		}
		b.pak = a
		return nil
	}
	zr, err := zip.NewReader(b.mf, b.mf.size)
	if err != nil {
		return err
	}
	zr.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	b.zr = zr
	b.zipIdx = make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		b.zipIdx[normalizeName(f.Name)] = f
	}
	return nil
}

func normalizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return strings.TrimPrefix(strings.TrimPrefix(name, "./"), "/")
}

// Path returns path of the bundle file
func (b *Bundle) Path() string {
	return b.path
}

// Files returns all entries sorted by path
func (b *Bundle) Files() []FileInfo {
	var res []FileInfo
	if b.pak != nil {
		for _, e := range b.pak.Entries {
			res = append(res, FileInfo{Path: e.Path, Size: e.Size})
		}
	} else {
		for name, f := range b.zipIdx {
			res = append(res, FileInfo{Path: name, Size: int64(f.UncompressedSize64)})
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Path < res[j].Path
	})
	return res
}

// Has returns true if there's an entry with this path
func (b *Bundle) Has(rel string) bool {
	if b.pak != nil {
		return b.pak.Get(rel) != nil
	}
	return b.zipIdx[rel] != nil
}

// Lookup opens an entry for reading. Returns ErrNotFound if there's no such entry.
// ctx limits waiting for a worker from the pool. The entry must be closed
func (b *Bundle) Lookup(ctx context.Context, rel string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	var r io.Reader
	var size int64
	var contentType string
	if b.pak != nil {
		e := b.pak.Get(rel)
		if e == nil {
			return nil, ErrNotFound
		}
		r = io.NewSectionReader(b.mf, e.Offset, e.Size)
		size = e.Size
		contentType = e.Metadata.ContentType()
	} else {
		f := b.zipIdx[rel]
		if f == nil {
			return nil, ErrNotFound
		}
		var rc io.ReadCloser
		var err error
		errPool := b.pool.Do(ctx, func() {
			err = withFaultGuard(func() error {
				rc, err = f.Open()
				return err
			})
		})
		if errPool != nil {
			return nil, errPool
		}
		if err != nil {
			return nil, err
		}
		r = rc
		size = int64(f.UncompressedSize64)
	}
	b.readers.Add(1)
	return &Entry{
		b:    b,
		ctx:  ctx,
		r:           r,
		size:        size,
		contentType: contentType,
		buf:         make([]byte, stream.ChunkSize),
	}, nil
}

// Close waits for all entries to be closed, then unmaps the file
// and releases the lock
func (b *Bundle) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.readers.Wait()
	return b.mf.Close()
}

// Entry reads a single entry. It's a stream.Source: every Next
// decompresses up to stream.ChunkSize bytes on a pool worker
type Entry struct {
	b           *Bundle
	ctx         context.Context
	size        int64
	contentType string

	mu     sync.Mutex
	r      io.Reader
	buf    []byte
	err    error
	closed bool
}

// ContentType returns content type stored with the entry.
// Only pak entries have it, "" otherwise
func (e *Entry) ContentType() string {
	return e.contentType
}

// Size returns uncompressed size of the entry
func (e *Entry) Size() int64 {
	return e.size
}

// Next returns the next chunk, valid until the next call
func (e *Entry) Next() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.err != nil {
		return nil, e.err
	}
	var n int
	var err error
	errPool := e.b.pool.Do(e.ctx, func() {
		n, err = e.read()
	})
	if errPool != nil {
		e.err = errPool
		return nil, errPool
	}
	if err != nil {
		e.err = err
	}
	if n > 0 {
		return e.buf[:n], nil
	}
	return nil, e.err
}

func (e *Entry) read() (n int, err error) {
	err = withFaultGuard(func() error {
		var errRead error
		for i := 0; i < 100 && n == 0 && errRead == nil; i++ {
			n, errRead = e.r.Read(e.buf)
		}
		if n == 0 && errRead == nil {
			errRead = io.ErrNoProgress
		}
		return errRead
	})
	return n, err
}

// Close releases the entry. Can be called multiple times
func (e *Entry) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var err error
	if c, ok := e.r.(io.Closer); ok {
		err = c.Close()
	}
	e.b.readers.Done()
	return err
}
