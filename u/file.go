package u

import (
	"io"
	"os"
	"path/filepath"
	"strings"
)

// PathExists returns true if path exists
func PathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// FileExists returns true if path exists and is a regular file.
// Unlike PathExists it follows symbolic links.
func FileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// DirExists returns true if path exists and is a directory
func DirExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// FileSize gets file size, -1 if file doesn't exist
func FileSize(path string) int64 {
	st, err := os.Stat(path)
	if err == nil {
		return st.Size()
	}
	return -1
}

// CloseNoError is like io.Closer Close() but ignores an error
// use as: defer CloseNoError(f)
func CloseNoError(f io.Closer) {
	_ = f.Close()
}

// IsTempFileName returns true for in-flight files created by atomicfile
// i.e. ".<name>.tmp<random>"
func IsTempFileName(name string) bool {
	if !strings.HasPrefix(name, ".") {
		return false
	}
	idx := strings.LastIndex(name, ".tmp")
	return idx > 0
}

// IterRegularFiles calls fn for every regular file under dir, in lexical order.
// rel is slash-separated and relative to dir. Temp files are skipped.
func IterRegularFiles(dir string, fn func(path string, rel string, size int64) error) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || IsTempFileName(d.Name()) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return fn(path, filepath.ToSlash(rel), fi.Size())
	})
}
