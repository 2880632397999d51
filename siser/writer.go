package siser

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"time"
)

var hdrPrefix = []byte("--- ")

// Writer writes blocks and records. It's safe for concurrent use
type Writer struct {
	w io.Writer
	// NoTimestamp makes output independent of when it was written
	NoTimestamp bool

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewWriter creates a writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w: w,
	}
}

// WriteRecord writes a record and resets it
func (w *Writer) WriteRecord(r *Record) (int, error) {
	n, err := w.Write(r.Marshal(), r.Timestamp, r.Name)
	r.Reset()
	return n, err
}

// Write writes a block of data with optional timestamp and name.
// Returns number of bytes written, including the header
func (w *Writer) Write(d []byte, t time.Time, name string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// don't keep a big buffer around after writing a big block
	if w.buf.Cap() > 100*1024 && len(d) < 50*1024 {
		w.buf = bytes.Buffer{}
	}
	if w.NoTimestamp {
		t = zeroTime
	} else if t.IsZero() {
		t = time.Now()
	}
	return w.w.Write(MarshalLine(name, t, d, &w.buf))
}

// MarshalLine serializes a block. If t is zero, it's not written.
// The result is valid until wb is modified
func MarshalLine(name string, t time.Time, d []byte, wb *bytes.Buffer) []byte {
	if wb == nil {
		wb = &bytes.Buffer{}
	} else {
		wb.Reset()
	}
	wb.Grow(len(hdrPrefix) + len(name) + len(d) + 32)

	wb.Write(hdrPrefix)
	wb.WriteString(strconv.Itoa(len(d)))
	if !t.IsZero() {
		wb.WriteByte(' ')
		wb.WriteString(strconv.FormatInt(TimeToUnixMillisecond(t), 10))
	}
	if name != "" {
		wb.WriteByte(' ')
		wb.WriteString(name)
	}
	wb.WriteByte('\n')
	if n := len(d); n > 0 {
		wb.Write(d)
		if d[n-1] != '\n' {
			wb.WriteByte('\n')
		}
	}
	return wb.Bytes()
}
