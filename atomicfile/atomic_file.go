package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Some references:
// - https://www.slideshare.net/nan1nan1/eat-my-data
// - https://lwn.net/Articles/457667/

var (
	// ErrCancelled is returned by calls subsequent to Cancel()
	ErrCancelled = errors.New("cancelled")

	_ io.WriteCloser = &File{}
)

// File allows writing to a file atomically
// i.e. if the whole file is not written successfully, we make sure
// to clean things up. Readers of dstPath either see the previous
// content or the full new content, never a partial write.
type File struct {
	dstPath string
	dir     string
	tmpFile *os.File
	err     error
	written int64

	// hard links created from dstPath after rename
	aliases []string
	// errors from creating aliases, they don't fail Close()
	aliasErr error

	tmpPath string // for debugging
}

// TempPattern returns os.CreateTemp() pattern for temporary file for fName.
// Starts with "." so that directory walkers can skip in-flight files
func TempPattern(fName string) string {
	return "." + fName + ".tmp*"
}

// New creates new File. Temporary file is created in the same
// directory as path so that rename is atomic
func New(path string) (*File, error) {
	dir, fName := filepath.Split(path)
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if fName == "" {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}

	tmpFile, err := os.CreateTemp(dir, TempPattern(fName))
	if err != nil {
		return nil, err
	}

	return &File{
		dstPath: path,
		dir:     dir,
		tmpFile: tmpFile,
		tmpPath: tmpFile.Name(),
	}, nil
}

// Path returns destination path
func (f *File) Path() string {
	return f.dstPath
}

// Written returns number of bytes written so far
func (f *File) Written() int64 {
	return f.written
}

// AddAlias registers aliasPath to be created as a hard link to the
// destination after a successful Close()
func (f *File) AddAlias(aliasPath string) {
	f.aliases = append(f.aliases, aliasPath)
}

// AliasError returns the first error from creating aliases in Close()
func (f *File) AliasError() error {
	return f.aliasErr
}

func (f *File) handleError(err error) error {
	if err == nil {
		return nil
	}
	// remember the first error
	if f.err == nil {
		f.err = err
	}
	// cleanup i.e. delete temporary file
	_ = f.Close()
	return err
}

// Write writes data to a file
func (f *File) Write(d []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := f.tmpFile.Write(d)
	f.written += int64(n)
	return n, f.handleError(err)
}

func (f *File) Sync() error {
	if f.err != nil {
		return f.err
	}
	err := f.tmpFile.Sync()
	return f.handleError(err)
}

func (f *File) WriteString(s string) (n int, err error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err = f.tmpFile.WriteString(s)
	f.written += int64(n)
	return n, f.handleError(err)
}

func (f *File) alreadyClosed() bool {
	return f.tmpFile == nil
}

// RemoveIfNotClosed removes the temp file if we didn't Close
// the file yet. Destination file will not be created.
// Use it with defer to ensure cleanup in case of a panic on the
// same goroutine that happens before Close.
// RemoveIfNotClosed after Close is a no-op.
func (f *File) RemoveIfNotClosed() {
	if f == nil {
		return
	}
	if f.alreadyClosed() {
		return
	}

	f.err = ErrCancelled
	_ = f.Close()
}

// Close closes the file. Can be called multiple times to make it
// easier to use via defer
func (f *File) Close() error {
	if f.alreadyClosed() {
		// return the first error we encountered
		return f.err
	}
	tmpFile := f.tmpFile
	f.tmpFile = nil

	// https://www.joeshaw.org/dont-defer-close-on-writable-files/
	errSync := tmpFile.Sync()
	errClose := tmpFile.Close()

	didRename := false
	defer func() {
		if !didRename {
			_ = os.Remove(f.tmpPath)
		}
	}()

	if f.err != nil {
		return f.err
	}

	err := errSync
	if err == nil {
		err = errClose
	}

	if err == nil {
		// this will over-write dstPath (if it exists)
		err = os.Rename(f.tmpPath, f.dstPath)
		didRename = (err == nil)
		fdir, _ := os.Open(f.dir)
		if fdir != nil {
			_ = fdir.Sync()
			_ = fdir.Close()
		}
	}
	if err == nil {
		for _, alias := range f.aliases {
			if e := Link(f.dstPath, alias); e != nil && f.aliasErr == nil {
				f.aliasErr = e
			}
		}
	}

	if f.err == nil {
		f.err = err
	}
	return f.err
}

// Link creates aliasPath as a hard link to path.
// If aliasPath already exists and is a different file, it's atomically
// replaced so that it keeps pointing to the latest content
func Link(path string, aliasPath string) error {
	if path == aliasPath {
		return nil
	}
	err := os.Link(path, aliasPath)
	if err == nil || !errors.Is(err, os.ErrExist) {
		return err
	}
	st1, err1 := os.Stat(path)
	st2, err2 := os.Stat(aliasPath)
	if err1 == nil && err2 == nil && os.SameFile(st1, st2) {
		return nil
	}
	dir, fName := filepath.Split(aliasPath)
	tmp, err := os.CreateTemp(dir, TempPattern(fName))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(tmpPath)
	if err = os.Link(path, tmpPath); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, aliasPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// WriteFile writes data to path atomically and creates aliases
// as hard links to it
func WriteFile(path string, data []byte, aliases ...string) error {
	f, err := New(path)
	if err != nil {
		return err
	}
	defer f.RemoveIfNotClosed()
	for _, a := range aliases {
		f.AddAlias(a)
	}
	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return f.AliasError()
}
