package pak

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/kjk/archiveproxy/siser"
)

var (
	// ErrNoPath is returned when path is not provided
	ErrNoPath = errors.New("no Path provided")
	// ErrNotPak is returned when data doesn't start with pak header
	ErrNotPak = errors.New("not a pak archive")
)

// Entry represents a single file in the archive
type Entry struct {
	// Metadata has at least Path, Size and Blake3 values
	Metadata Metadata

	// Path of the file, '/' is path separator
	Path string

	// offset within the archive
	Offset int64

	// size of the entry, in bytes
	Size int64

	// blake3 of content, in hex format
	Digest string

	// set by AddFile
	srcFilePath string
	// set by AddData
	data []byte
}

// Archive is a parsed pak archive. Entries data is not copied, it
// points into the buffer given to Parse
type Archive struct {
	Entries []*Entry

	// VerifyDigest makes EntryData check blake3 of the content
	VerifyDigest bool

	d      []byte
	byPath map[string]*Entry
}

// IsPak returns true if d looks like a pak archive
func IsPak(d []byte) bool {
	idx := bytes.IndexByte(d, '\n')
	if idx < 0 {
		return false
	}
	return bytes.HasPrefix(d, []byte("--- ")) && bytes.HasSuffix(d[:idx], []byte(" "+archiveName))
}

// Parse parses the header of an archive in d
func Parse(d []byte) (*Archive, error) {
	sr := siser.NewReader(d)
	if !sr.ReadNextData() {
		if err := sr.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotPak
	}
	if sr.Name != archiveName {
		return nil, fmt.Errorf("%w: expected header named '%s', got '%s'", ErrNotPak, archiveName, sr.Name)
	}
	// data of entries starts right after the header
	currOffset := sr.NextRecordPos
	hdr := siser.NewReader(sr.Data)
	hdr.NoTimestamp = true

	a := &Archive{
		d:      d,
		byPath: map[string]*Entry{},
	}
	for hdr.ReadNextRecord() {
		var meta Metadata
		for _, e := range hdr.Record.Entries {
			meta.Set(e.Key, e.Value)
		}
		sizeStr, ok := meta.Get(MetaKeySize)
		if !ok {
			return nil, fmt.Errorf("missing '%s' value", MetaKeySize)
		}
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("value '%s' for '%s' is not a valid size", sizeStr, MetaKeySize)
		}
		path, ok := meta.Get(MetaKeyPath)
		if !ok || path == "" {
			return nil, ErrNoPath
		}
		digest, ok := meta.Get(MetaKeyDigest)
		if !ok {
			return nil, fmt.Errorf("missing '%s' value", MetaKeyDigest)
		}
		if currOffset+size > int64(len(d)) {
			return nil, fmt.Errorf("entry '%s' at offset %d of size %d is past the end of archive", path, currOffset, size)
		}
		e := &Entry{
			Metadata: meta,
			Path:     path,
			Offset:   currOffset,
			Size:     size,
			Digest:   digest,
		}
		a.Entries = append(a.Entries, e)
		a.byPath[path] = e
		currOffset += size
	}
	if err := hdr.Err(); err != nil {
		return nil, err
	}
	return a, nil
}

// Get returns entry with a given path or nil
func (a *Archive) Get(path string) *Entry {
	return a.byPath[path]
}

// EntryData returns content of an entry
func (a *Archive) EntryData(e *Entry) ([]byte, error) {
	d := a.d[e.Offset : e.Offset+e.Size]
	if a.VerifyDigest {
		got := digestHex(d)
		if got != e.Digest {
			return nil, fmt.Errorf("mismatched digest for '%s'. Expected: %s, got: %s", e.Path, e.Digest, got)
		}
	}
	return d, nil
}
