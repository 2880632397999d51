package siser

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Reader reads blocks from an in-memory buffer, e.g. a memory-mapped file.
// Data doesn't copy so it's only valid as long as the buffer
type Reader struct {
	d []byte

	// NoTimestamp hints that a header with a single value after size
	// is a name, not a timestamp
	NoTimestamp bool

	// Data, Name and Timestamp are set by ReadNextData
	Data      []byte
	Name      string
	Timestamp time.Time

	// Record is set by ReadNextRecord and re-used
	Record *ReadRecord

	// CurrRecordPos is offset of the last read block,
	// NextRecordPos is the offset right after it
	CurrRecordPos int64
	NextRecordPos int64

	err error
}

// NewReader creates a reader of blocks in d
func NewReader(d []byte) *Reader {
	return &Reader{
		d:      d,
		Record: &ReadRecord{},
	}
}

// Done returns true if we're finished reading
func (r *Reader) Done() bool {
	return r.err != nil || int(r.NextRecordPos) >= len(r.d)
}

// Err returns an error. Reaching the end of data is not an error
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) fail(hdr []byte) bool {
	r.err = fmt.Errorf("unexpected header '%s' at offset %d", string(hdr), r.CurrRecordPos)
	return false
}

// ReadNextData reads the next block. Returns false when there are
// no more blocks or on error
func (r *Reader) ReadNextData() bool {
	if r.Done() {
		return false
	}
	r.CurrRecordPos = r.NextRecordPos
	rest := r.d[r.CurrRecordPos:]
	idx := bytes.IndexByte(rest, '\n')
	if idx == -1 {
		return r.fail(rest)
	}
	hdr := rest[:idx]
	rest = rest[idx+1:]
	pos := r.CurrRecordPos + int64(idx) + 1

	// "--- " is optional in old files
	parts := bytes.SplitN(bytes.TrimPrefix(hdr, hdrPrefix), []byte{' '}, 3)
	size, err := strconv.ParseInt(string(parts[0]), 10, 64)
	if err != nil || size < 0 || size > int64(len(rest)) {
		return r.fail(hdr)
	}
	r.Name = ""
	r.Timestamp = zeroTime
	switch {
	case len(parts) == 1 && !r.NoTimestamp:
		// with timestamp, we need at least 2 values
		return r.fail(hdr)
	case len(parts) == 2 && r.NoTimestamp:
		r.Name = string(parts[1])
	case len(parts) >= 2:
		ms, err := strconv.ParseInt(string(parts[1]), 10, 64)
		if err != nil {
			return r.fail(hdr)
		}
		r.Timestamp = TimeFromUnixMillisecond(ms)
		if len(parts) == 3 {
			r.Name = string(parts[2])
		}
	}

	r.Data = rest[:size]
	pos += size
	// writer adds '\n' for readability if data doesn't end with it
	if size > 0 && r.Data[size-1] != '\n' {
		if int(pos) < len(r.d) && r.d[pos] != '\n' {
			return r.fail(hdr)
		}
		pos++
	}
	r.NextRecordPos = pos
	return true
}

// ReadNextRecord reads the next block and decodes it as a Record
func (r *Reader) ReadNextRecord() bool {
	if !r.ReadNextData() {
		return false
	}
	if _, r.err = UnmarshalRecord(r.Data, r.Record); r.err != nil {
		return false
	}
	r.Record.Name = r.Name
	r.Record.Timestamp = r.Timestamp
	return true
}
