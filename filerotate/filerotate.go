// Package filerotate implements an append-only file that switches to
// a new file when the hour (or day) changes.
package filerotate

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Config struct {
	Dir string
	// Prefix is prepended to file names, e.g. "httplog-"
	Prefix string
	// Daily rotation instead of hourly
	Daily bool
	// called after a file is closed
	DidClose func(path string, didRotate bool)
	// for tests
	Now func() time.Time
}

type File struct {
	sync.Mutex

	// Path is the path of the current file
	Path string

	config Config
	period string
	file   *os.File
}

func New(config *Config) (*File, error) {
	if config == nil {
		return nil, errors.New("must provide config")
	}
	if config.Dir == "" {
		return nil, errors.New("must provide config.Dir")
	}
	f := &File{
		config: *config,
	}
	if f.config.Now == nil {
		f.config.Now = time.Now
	}
	if err := f.reopenIfNeeded(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) periodFor(t time.Time) string {
	t = t.UTC()
	if f.config.Daily {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02_15")
}

// PathFor returns the path of a file that covers time t
func (f *File) PathFor(t time.Time) string {
	name := f.config.Prefix + f.periodFor(t) + ".txt"
	return filepath.Join(f.config.Dir, name)
}

func (f *File) close(didRotate bool) error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if err == nil && f.config.DidClose != nil {
		f.config.DidClose(f.Path, didRotate)
	}
	return err
}

func (f *File) reopenIfNeeded() error {
	now := f.config.Now()
	period := f.periodFor(now)
	if f.file != nil && period == f.period {
		return nil
	}
	if err := f.close(true); err != nil {
		return err
	}
	if err := os.MkdirAll(f.config.Dir, 0755); err != nil {
		return err
	}
	path := f.PathFor(now)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	f.file = file
	f.Path = path
	f.period = period
	return nil
}

// Write writes data to the current file
func (f *File) Write(d []byte) (int, error) {
	f.Lock()
	defer f.Unlock()

	if err := f.reopenIfNeeded(); err != nil {
		return 0, err
	}
	return f.file.Write(d)
}

func (f *File) Close() error {
	f.Lock()
	defer f.Unlock()

	return f.close(false)
}

// Flush flushes the file
func (f *File) Flush() error {
	f.Lock()
	defer f.Unlock()

	if f.file == nil {
		return nil
	}
	return f.file.Sync()
}
