package u

import (
	"fmt"
	"path/filepath"
)

// TrimExt removes extension from s
func TrimExt(s string) string {
	idx := len(s) - len(filepath.Ext(s))
	return s[:idx]
}

// FormatSize formats a number in a human-readable form e.g. 1.24 kB
func FormatSize(n int64) string {
	sizes := []int64{1024 * 1024 * 1024, 1024 * 1024, 1024}
	suffixes := []string{"GB", "MB", "kB"}
	for i, size := range sizes {
		if n >= size {
			s := fmt.Sprintf("%.2f", float64(n)/float64(size))
			return trimZeros(s) + " " + suffixes[i]
		}
	}
	return fmt.Sprintf("%d bytes", n)
}

func trimZeros(s string) string {
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
