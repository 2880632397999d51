package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kjk/archiveproxy/assert"
	"github.com/kjk/archiveproxy/siser"
)

func captureOut(t *testing.T) *bytes.Buffer {
	var buf bytes.Buffer
	prev := Out
	Out = &buf
	t.Cleanup(func() {
		Out = prev
		Close()
		Verbose = false
	})
	return &buf
}

func TestLogfToOutOnly(t *testing.T) {
	buf := captureOut(t)
	Init(&Config{})
	Logf("hello %d\n", 5)
	Logf("100%\n")
	Verbosef("not shown\n")
	Warnf("disk full")
	assert.Equal(t, "hello 5\n100%\nwarn: disk full", buf.String())
	// no files, no panic
	Event("capture", "path", "a.png")
}

func TestVerbose(t *testing.T) {
	buf := captureOut(t)
	Init(&Config{Verbose: true})
	Verbosef("shown %s\n", "now")
	assert.Equal(t, "shown now\n", buf.String())
}

func TestDailyFiles(t *testing.T) {
	captureOut(t)
	dir := t.TempDir()
	Init(&Config{Dir: dir})

	Logf("line one\n")
	IfErrf(os.ErrNotExist, "failed to open %s", "x.txt")
	assert.False(t, IfErrf(nil))
	Event("capture", "path", "img/a.png", "size", 1024)
	Event("hit", "path", "index.GET.unknown_ext")

	now := time.Now().UTC()
	wd := NewWriteDaily(filepath.Join(dir, "log"))
	d, err := os.ReadFile(wd.PathForTime(now))
	assert.NoError(t, err)
	s := string(d)
	assert.True(t, strings.HasPrefix(s, "line one\nfailed to open x.txt\n"))

	wd = NewWriteDaily(filepath.Join(dir, "errors"))
	d, err = os.ReadFile(wd.PathForTime(now))
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(d), "failed to open x.txt\n"))
	// call stack points at this file
	assert.Contains(t, string(d), "log_test.go")

	wd = NewWriteDaily(filepath.Join(dir, "events"))
	d, err = os.ReadFile(wd.PathForTime(now))
	assert.NoError(t, err)
	r := siser.NewReader(d)
	var names []string
	var bodies []string
	for r.ReadNextData() {
		names = append(names, r.Name)
		bodies = append(bodies, string(r.Data))
	}
	assert.NoError(t, r.Err())
	assert.Equal(t, []string{"capture", "hit"}, names)
	assert.Contains(t, bodies[0], "img/a.png")
	assert.Contains(t, bodies[0], "1024")
	assert.Contains(t, bodies[1], "index.GET.unknown_ext")
}

func TestMarshalEvent(t *testing.T) {
	tm := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	d := MarshalEvent("upstream_error", tm)
	exp := "--- 0 " + "1709287200000" + " upstream_error\n"
	assert.Equal(t, exp, string(d))

	panicked := func() (res bool) {
		defer func() {
			res = recover() != nil
		}()
		MarshalEvent("bad", tm, "odd")
		return false
	}()
	assert.True(t, panicked)
}

func TestWriteDailyNil(t *testing.T) {
	var wd *WriteDaily
	assert.NoError(t, wd.WriteString("x"))
	assert.NoError(t, wd.Close())
}
