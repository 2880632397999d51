// Package siser is a simple, human-readable serialization format
// for key/value records, used for pak headers, events and access logs.
//
// A block is:
//
//	--- ${size} ${timestamp_in_unix_epoch_ms} ${name}\n
//	${data}\n
//
// Timestamp and name are optional. A record is data made of "key: value\n"
// lines. Values that are empty, long (> 120 chars) or not printable ascii
// are written as:
//
//	key:+${len}\n
//	${value}\n
package siser

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

type Entry struct {
	Key   string
	Value string
}

var zeroTime time.Time

// Record is a list of key/value pairs being written
type Record struct {
	buf  bytes.Buffer
	Name string
	// if zero, Writer uses current time
	Timestamp time.Time
}

// ReadRecord is a record decoded by Reader or UnmarshalRecord
type ReadRecord struct {
	Name      string
	Timestamp time.Time
	Entries   []Entry
}

func toStr(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return fmt.Sprintf("%v", v)
}

// Write appends key/value pairs to a record
func (r *Record) Write(args ...any) error {
	n := len(args)
	if n == 0 || n%2 != 0 {
		return fmt.Errorf("invalid number of args: %d. Should be multiple of 2", n)
	}
	for i := 0; i < n; i += 2 {
		r.marshalKeyVal(toStr(args[i]), toStr(args[i+1]))
	}
	return nil
}

// Reset prepares record for re-use. Name is not reset
func (r *Record) Reset() {
	r.Timestamp = zeroTime
	r.buf.Reset()
}

// Marshal returns serialized record, valid until next Reset()
func (r *Record) Marshal() []byte {
	return r.buf.Bytes()
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 32 || s[i] > 127 {
			return false
		}
	}
	return true
}

func needsLongFormat(s string) bool {
	return len(s) == 0 || len(s) > 120 || !printableASCII(s)
}

func (r *Record) marshalKeyVal(key, val string) {
	r.buf.WriteString(key)
	if !needsLongFormat(val) {
		r.buf.WriteString(": ")
		r.buf.WriteString(val)
		r.buf.WriteByte('\n')
		return
	}
	r.buf.WriteString(":+")
	r.buf.WriteString(strconv.Itoa(len(val)))
	r.buf.WriteByte('\n')
	r.buf.WriteString(val)
	if len(val) == 0 || val[len(val)-1] != '\n' {
		r.buf.WriteByte('\n')
	}
}

// Get returns a value for a given key
func (r *ReadRecord) Get(key string) (string, bool) {
	for _, e := range r.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// UnmarshalRecord decodes d as created by Record.Marshal into r.
// If r is nil, a new record is allocated.
func UnmarshalRecord(d []byte, r *ReadRecord) (*ReadRecord, error) {
	if r == nil {
		r = &ReadRecord{}
	}
	r.Entries = r.Entries[:0]

	for len(d) > 0 {
		idx := bytes.IndexByte(d, '\n')
		if idx == -1 {
			return nil, fmt.Errorf("missing '\\n' at the end of '%s'", string(d))
		}
		line := d[:idx]
		d = d[idx+1:]
		idx = bytes.IndexByte(line, ':')
		if idx == -1 || idx+1 >= len(line) {
			return nil, fmt.Errorf("line in unrecognized format: '%s'", line)
		}
		key := string(line[:idx])
		kind := line[idx+1]
		val := line[idx+2:]
		switch kind {
		case ' ':
			r.Entries = append(r.Entries, Entry{key, string(val)})
		case '+':
			n, err := strconv.Atoi(string(val))
			if err != nil {
				return nil, err
			}
			if n < 0 || n > len(d) {
				return nil, fmt.Errorf("invalid length %d of value, remaining data: %d", n, len(d))
			}
			r.Entries = append(r.Entries, Entry{key, string(d[:n])})
			d = d[n:]
			// optional newline added for readability
			if len(d) > 0 && d[0] == '\n' {
				d = d[1:]
			}
		default:
			return nil, fmt.Errorf("line in unrecognized format: '%s'", line)
		}
	}
	return r, nil
}

// TimeToUnixMillisecond converts t into Unix epoch time in milliseconds
func TimeToUnixMillisecond(t time.Time) int64 {
	return t.UnixMilli()
}

// TimeFromUnixMillisecond returns time from Unix epoch time in milliseconds
func TimeFromUnixMillisecond(unixMs int64) time.Time {
	return time.UnixMilli(unixMs)
}
