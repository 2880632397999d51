package bundle

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kjk/archiveproxy/atomicfile"
	"github.com/kjk/archiveproxy/u"
	"github.com/zeebo/blake3"
)

// IsBundlePath returns true if path looks like a packaged archive,
// possibly compressed e.g. "site.zip.br"
func IsBundlePath(path string) bool {
	switch filepath.Ext(u.TrimCompressedExt(path)) {
	case ".zip", ".pak":
		return true
	}
	return false
}

// Decompress returns a path of an uncompressed bundle. If path is compressed
// (.br, .zst, .gz), it's decompressed into cacheDir once and the path of the
// cached copy is returned. The cache key includes size and modification
// time of path so an updated file is decompressed again
func Decompress(path string, cacheDir string) (string, error) {
	if !u.IsCompressedPath(path) {
		return path, nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	key := abs + ":" + strconv.FormatInt(st.Size(), 10) + ":" + strconv.FormatInt(st.ModTime().UnixNano(), 10)
	sum := blake3.Sum256([]byte(key))
	name := u.TrimExt(u.TrimCompressedExt(filepath.Base(path)))
	ext := filepath.Ext(u.TrimCompressedExt(path))
	dst := filepath.Join(cacheDir, name+"-"+hex.EncodeToString(sum[:6])+ext)
	if u.FileExists(dst) {
		return dst, nil
	}
	if err = os.MkdirAll(cacheDir, 0755); err != nil {
		return "", err
	}
	r, err := u.OpenFileMaybeCompressed(path)
	if err != nil {
		return "", err
	}
	defer r.Close()
	w, err := atomicfile.New(dst)
	if err != nil {
		return "", err
	}
	defer w.RemoveIfNotClosed()
	if _, err = io.Copy(w, r); err != nil {
		return "", fmt.Errorf("decompressing '%s': %w", path, err)
	}
	if err = w.Close(); err != nil {
		return "", err
	}
	return dst, nil
}
