// Package compress packages an archive directory into a single file
// that can be served with serve mode.
package compress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kjk/archiveproxy/atomicfile"
	"github.com/kjk/archiveproxy/log"
	"github.com/kjk/archiveproxy/pak"
	"github.com/kjk/archiveproxy/u"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

type Format string

const (
	// FormatZip is zip with deflate at maximum compression
	FormatZip Format = "zip"
	// FormatZipZstd is zip with zstd compressed entries
	FormatZipZstd Format = "zip-zstd"
	// FormatPak is uncompressed pak archive
	FormatPak Format = "pak"
)

var formats = []Format{FormatZip, FormatZipZstd, FormatPak}

func ParseFormat(s string) (Format, error) {
	for _, f := range formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown format '%s', expected zip, zip-zstd or pak", s)
}

// Ext returns extension of files in this format
func (f Format) Ext() string {
	if f == FormatPak {
		return ".pak"
	}
	return ".zip"
}

// OutputPath returns path of the package of dir. If output is given,
// the extension is appended if missing. Otherwise it's the name of dir
// with the extension, in the current directory
func OutputPath(dir string, output string, f Format) (string, error) {
	ext := f.Ext()
	if output != "" {
		if !strings.HasSuffix(output, ext) {
			output += ext
		}
		return output, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	name := filepath.Base(abs)
	if name == "/" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("can't derive name of the output from '%s'", dir)
	}
	return name + ext, nil
}

// Stats summarizes a packaged directory
type Stats struct {
	Path  string
	Files int
	Size  int64
}

type file struct {
	path string
	rel  string
	size int64
}

func listFiles(dir string, skipPath string) ([]file, error) {
	var res []file
	skipAbs, _ := filepath.Abs(skipPath)
	err := u.IterRegularFiles(dir, func(path string, rel string, size int64) error {
		if abs, _ := filepath.Abs(path); abs == skipAbs {
			return nil
		}
		res = append(res, file{path: path, rel: rel, size: size})
		return nil
	})
	return res, err
}

// Dir packages all files in dir. Output is written atomically
func Dir(dir string, output string, f Format) (*Stats, error) {
	if !u.DirExists(dir) {
		return nil, fmt.Errorf("'%s' is not a directory", dir)
	}
	path, err := OutputPath(dir, output, f)
	if err != nil {
		return nil, err
	}
	files, err := listFiles(dir, path)
	if err != nil {
		return nil, err
	}

	w, err := atomicfile.New(path)
	if err != nil {
		return nil, err
	}
	defer w.RemoveIfNotClosed()

	switch f {
	case FormatPak:
		err = writePak(w, files)
	case FormatZip, FormatZipZstd:
		err = writeZip(w, files, f)
	default:
		err = fmt.Errorf("unknown format '%s'", f)
	}
	if err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	res := &Stats{
		Path:  path,
		Files: len(files),
		Size:  w.Written(),
	}
	log.Logf("finished compressing '%s' into '%s', %d files, %s\n", dir, path, res.Files, u.FormatSize(res.Size))
	return res, nil
}

func newDeflate(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, flate.BestCompression)
}

func writeZip(w io.Writer, files []file, f Format) error {
	zw := zip.NewWriter(w)
	method := zip.Deflate
	if f == FormatZipZstd {
		method = zstd.ZipMethodWinZip
		zw.RegisterCompressor(method, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedBestCompression)))
	} else {
		zw.RegisterCompressor(zip.Deflate, newDeflate)
	}
	for _, fi := range files {
		log.Verbosef("compressing '%s'\n", fi.rel)
		hdr := &zip.FileHeader{
			Name:   fi.rel,
			Method: method,
		}
		if st, err := os.Stat(fi.path); err == nil {
			hdr.Modified = st.ModTime()
		}
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if err = copyFile(fw, fi.path); err != nil {
			return err
		}
	}
	return zw.Close()
}

func copyFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func writePak(w io.Writer, files []file) error {
	pw := pak.NewWriter()
	for _, fi := range files {
		log.Verbosef("adding '%s'\n", fi.rel)
		var meta pak.Metadata
		if ct := u.MimeTypeFromFileName(fi.rel); ct != "" {
			meta.Set(pak.MetaKeyContentType, ct)
		}
		if err := pw.AddFile(fi.path, fi.rel, meta); err != nil {
			return err
		}
	}
	return pw.Write(w)
}
