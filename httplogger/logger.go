// Package httplogger writes an access log as siser records in hourly files
package httplogger

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kjk/archiveproxy/filerotate"
	"github.com/kjk/archiveproxy/httputil"
	"github.com/kjk/archiveproxy/siser"
)

type Logger struct {
	rec   siser.Record // re-usable for performance
	siser *siser.Writer
	file  *filerotate.File
	mu    sync.Mutex

	// OnRequest is called after logging a request, e.g. to print it
	OnRequest func(r *http.Request, code int, size int64, dur time.Duration)
}

// New creates a logger writing to <dir>/httplog-YYYY-MM-DD_HH.txt
func New(dir string) (*Logger, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	file, err := filerotate.New(&filerotate.Config{
		Dir:    absDir,
		Prefix: "httplog-",
	})
	if err != nil {
		return nil, err
	}
	res := &Logger{
		file:  file,
		siser: siser.NewWriter(file),
	}
	res.rec.Name = "httplog"
	return res, nil
}

// Close is safe to call on nil logger
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.siser = nil
	return err
}

// headers we always log. The rest is noise for a local proxy
var hdrsToLog = []string{
	"Content-Type",
	"Range",
	"Referer",
	"User-Agent",
	"Method",
}

// LogReq writes a record for a finished request
// it's safe to call on nil logger
func (l *Logger) LogReq(r *http.Request, code int, size int64, dur time.Duration) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.siser == nil {
		return nil
	}

	rec := &l.rec
	rec.Reset()
	rec.Write("req", fmt.Sprintf("%s %s %d", r.Method, r.RequestURI, code))
	if r.Host != "" {
		rec.Write("host", r.Host)
	}
	if ip := httputil.GetBestRemoteAddress(r); ip != "" {
		rec.Write("ipaddr", ip)
	}
	rec.Write("size", size)
	rec.Write("durmicro", dur.Microseconds())
	for _, k := range hdrsToLog {
		if v := r.Header.Get(k); v != "" {
			rec.Write(strings.ToLower(k), v)
		}
	}
	_, err := l.siser.WriteRecord(rec)
	return err
}

// Middleware logs every request handled by h
func (l *Logger) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeStart := time.Now()
		cw := httputil.NewCapturingResponseWriter(w)
		defer func() {
			dur := time.Since(timeStart)
			l.LogReq(r, cw.StatusCode, cw.Size, dur)
			if l != nil && l.OnRequest != nil {
				l.OnRequest(r, cw.StatusCode, cw.Size, dur)
			}
		}()
		h.ServeHTTP(cw, r)
	})
}
