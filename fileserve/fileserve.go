// Package fileserve serves archived files as stream responses.
package fileserve

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kjk/archiveproxy/stream"
	"github.com/kjk/archiveproxy/u"
)

// SmallBodyCap is the largest file that is read into memory and sent in one chunk
const SmallBodyCap = 256 * 1024

// DefaultContentType is used when we can't guess content type from file name
const DefaultContentType = "text/html"

// ContentTypeFor returns content type based on extension of name,
// falling back to DefaultContentType
func ContentTypeFor(name string) string {
	ct := u.MimeTypeFromFileName(name)
	if ct == "" {
		return DefaultContentType
	}
	return ct
}

// resolveLink follows one level of a symbolic link
func resolveLink(path string) (string, error) {
	st, err := os.Lstat(path)
	if err != nil {
		return "", err
	}
	if st.Mode()&os.ModeSymlink == 0 {
		return path, nil
	}
	target, err := os.Readlink(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	st, err = os.Lstat(target)
	if err != nil {
		return "", err
	}
	if st.Mode()&os.ModeSymlink != 0 {
		return "", &os.PathError{Op: "readlink", Path: path, Err: os.ErrNotExist}
	}
	return target, nil
}

func open(path string) (*os.File, int64, error) {
	target, err := resolveLink(path)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(target)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, 0, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return f, st.Size(), nil
}

// NotFound sets resp to 404 with an empty body. Other headers are preserved
func NotFound(resp *stream.Response) error {
	resp.SetStatus(http.StatusNotFound)
	return resp.Single(nil)
}

// ServeFile sets the body of resp to the content of the file at path.
// Returns false if the file doesn't exist, in which case resp is 404.
// Small files are sent in a single chunk, bigger are streamed
// in stream.ChunkSize chunks.
func ServeFile(resp *stream.Response, path string) (bool, error) {
	f, size, err := open(path)
	if err != nil {
		return false, NotFound(resp)
	}
	resp.SetHeader("Content-Type", ContentTypeFor(path))

	if size <= SmallBodyCap {
		defer f.Close()
		d := make([]byte, size)
		_, err = io.ReadFull(f, d)
		if err != nil {
			resp.SetStatus(http.StatusInternalServerError)
			resp.Header().Del("Content-Type")
			_ = resp.Single(nil)
			return true, err
		}
		return true, resp.Single(d)
	}
	return true, resp.Stream(stream.FromReader(f, stream.ChunkSize))
}
