package bundle

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"golang.org/x/sys/unix"
)

// mappedFile is a read-only memory map of a file, holding a shared
// lock on it for its lifetime
type mappedFile struct {
	f    *os.File
	data []byte
	size int64
}

func mapFile(path string) (*mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fd := int(f.Fd())
	// writers of bundles take an exclusive lock
	if err = unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("locking '%s': %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	size := st.Size()
	if size == 0 {
		_ = unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("'%s' is empty", path)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Flock(fd, unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("memory-mapping '%s': %w", path, err)
	}
	return &mappedFile{
		f:    f,
		data: data,
		size: size,
	}, nil
}

// guardFault turns a fault from reading mapped memory (e.g. the file
// was truncated by another process) into an error
func guardFault(errp *error) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("page fault reading mapped file: %v", r)
	}
}

// ReadAt implements io.ReaderAt over the mapped memory
func (m *mappedFile) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= m.size {
		return 0, io.EOF
	}
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer guardFault(&err)

	n = copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// withFaultGuard runs fn that accesses mapped memory directly
func withFaultGuard(fn func() error) (err error) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer guardFault(&err)
	return fn()
}

func (m *mappedFile) Close() error {
	var firstErr error
	if err := unix.Munmap(m.data); err != nil {
		firstErr = fmt.Errorf("unmapping: %w", err)
	}
	m.data = nil
	if err := unix.Flock(int(m.f.Fd()), unix.LOCK_UN); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
