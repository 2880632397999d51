package pak

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/kjk/archiveproxy/siser"
	"github.com/zeebo/blake3"
)

const (
	archiveName      = "pak-archive3"
	archiveEntryName = "pak-entry"
)

// Writer is for creating an archive
type Writer struct {
	// Entries is exposed so that we can re-arrange (e.g. sort)
	// them before calling Write
	Entries []*Entry
}

// NewWriter creates a new archive writer
func NewWriter() *Writer {
	return &Writer{}
}

func digestHex(d []byte) string {
	sum := blake3.Sum256(d)
	return hex.EncodeToString(sum[:])
}

func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// AddFile adds a file from disk as archivePath. The content
// is not kept in memory, it's read again by Write
func (w *Writer) AddFile(path string, archivePath string, meta Metadata) error {
	if archivePath == "" {
		return ErrNoPath
	}
	digest, size, err := digestFile(path)
	if err != nil {
		return err
	}
	w.Entries = append(w.Entries, &Entry{
		srcFilePath: path,
		Path:        archivePath,
		Size:        size,
		Digest:      digest,
		Metadata:    meta,
	})
	return nil
}

// AddData adds data as archivePath
func (w *Writer) AddData(d []byte, archivePath string, meta Metadata) error {
	if archivePath == "" {
		return ErrNoPath
	}
	w.Entries = append(w.Entries, &Entry{
		data:     d,
		Path:     archivePath,
		Size:     int64(len(d)),
		Digest:   digestHex(d),
		Metadata: meta,
	})
	return nil
}

func serializeHeader(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	sw := siser.NewWriter(&buf)
	sw.NoTimestamp = true

	var r siser.Record
	r.Name = archiveEntryName
	for _, e := range entries {
		meta := e.Metadata
		meta.Set(MetaKeyPath, e.Path)
		meta.Set(MetaKeySize, strconv.FormatInt(e.Size, 10))
		meta.Set(MetaKeyDigest, e.Digest)
		for _, kv := range meta.Meta {
			_ = r.Write(kv.Key, kv.Value)
		}
		if _, err := sw.WriteRecord(&r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func (e *Entry) writeTo(wr io.Writer) error {
	if e.srcFilePath == "" {
		_, err := wr.Write(e.data)
		return err
	}
	f, err := os.Open(e.srcFilePath)
	if err != nil {
		return err
	}
	defer f.Close()
	// the file might have changed since AddFile, header already has the size
	n, err := io.Copy(wr, io.LimitReader(f, e.Size))
	if err == nil && n != e.Size {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// Write writes an archive to a writer
func (w *Writer) Write(wr io.Writer) error {
	if len(w.Entries) == 0 {
		return errors.New("there are 0 entries to write")
	}
	hdr, err := serializeHeader(w.Entries)
	if err != nil {
		return err
	}
	sw := siser.NewWriter(wr)
	if _, err = sw.Write(hdr, time.Now(), archiveName); err != nil {
		return err
	}
	for _, e := range w.Entries {
		if err = e.writeTo(wr); err != nil {
			return err
		}
	}
	return nil
}
