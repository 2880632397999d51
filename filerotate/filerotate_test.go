package filerotate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjk/archiveproxy/require"
)

func TestRotateHourly(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 6, 10, 59, 0, 0, time.UTC)
	var closed []string
	f, err := New(&Config{
		Dir:    dir,
		Prefix: "httplog-",
		Now:    func() time.Time { return now },
		DidClose: func(path string, didRotate bool) {
			if didRotate {
				closed = append(closed, filepath.Base(path))
			}
		},
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "httplog-2024-05-06_10.txt"), f.Path)

	_, err = f.Write([]byte("a\n"))
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = f.Write([]byte("b\n"))
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	require.Equal(t, []string{"httplog-2024-05-06_10.txt"}, closed)
	d, err := os.ReadFile(filepath.Join(dir, "httplog-2024-05-06_10.txt"))
	require.NoError(t, err)
	require.Equal(t, "a\n", string(d))
	d, err = os.ReadFile(filepath.Join(dir, "httplog-2024-05-06_11.txt"))
	require.NoError(t, err)
	require.Equal(t, "b\n", string(d))
}

func TestRotateDailyAppends(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 6, 1, 0, 0, 0, time.UTC)
	cfg := &Config{
		Dir:   dir,
		Daily: true,
		Now:   func() time.Time { return now },
	}
	for _, s := range []string{"one\n", "two\n"} {
		f, err := New(cfg)
		require.NoError(t, err)
		_, err = f.Write([]byte(s))
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	d, err := os.ReadFile(filepath.Join(dir, "2024-05-06.txt"))
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", string(d))
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	_, err = New(&Config{})
	require.Error(t, err)
}
