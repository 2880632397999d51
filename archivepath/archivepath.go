// Package archivepath maps an HTTP request to a file path inside the archive.
package archivepath

import (
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kjk/archiveproxy/u"
	"github.com/zeebo/blake3"
)

// Sentinel is appended as an extension when we don't know the extension
// at the time the request is mapped. The forward controller replaces it
// once Content-Type of the response is known.
const Sentinel = "unknown_ext"

const (
	maxNameLen       = 200
	shortenedNameLen = 150
)

// ErrEscapesRoot is returned for url paths that would resolve outside of archive root
var ErrEscapesRoot = errors.New("path escapes archive root")

// Key identifies a request for the purpose of mapping it to a file
type Key struct {
	Method string
	// Path is url path, already url-decoded
	Path  string
	Query url.Values
}

// KeyFromRequest builds a Key using method as the logical method of r
func KeyFromRequest(method string, r *http.Request) Key {
	return Key{
		Method: method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
	}
}

// Map returns a path under root for a given key. The result is always
// strictly beneath root.
func Map(root string, key Key, includeQuery bool) (string, error) {
	rel, err := Rel(key, includeQuery)
	if err != nil {
		return "", err
	}
	res := filepath.Join(root, filepath.FromSlash(rel))
	check, err := filepath.Rel(root, res)
	if err != nil || check == "." || check == ".." || strings.HasPrefix(check, ".."+string(filepath.Separator)) {
		return "", ErrEscapesRoot
	}
	return res, nil
}

// Rel returns slash-separated path relative to archive root for a given key.
// This is also the name of an entry in a packaged archive.
func Rel(key Key, includeQuery bool) (string, error) {
	var parts []string
	for _, s := range strings.Split(key.Path, "/") {
		if s == "" || s == "." {
			continue
		}
		if !isSafeComponent(s) {
			return "", ErrEscapesRoot
		}
		parts = append(parts, s)
	}

	if len(parts) == 0 {
		method := key.Method
		if method == "" {
			method = http.MethodGet
		}
		name := "index." + method + "." + Sentinel
		if !isSafeComponent(method) {
			return "", ErrEscapesRoot
		}
		return name, nil
	}

	last := len(parts) - 1
	name := parts[last]
	if strings.HasSuffix(key.Path, "/") || !hasExt(name) {
		name += "." + Sentinel
	}
	if includeQuery && len(key.Query) > 0 {
		name = appendQuery(name, key.Query)
	}
	parts[last] = name
	for i, s := range parts {
		parts[i] = shortenName(s)
	}
	return strings.Join(parts, "/"), nil
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSafeComponent(s string) bool {
	if s == ".." {
		return false
	}
	if strings.ContainsAny(s, "\\/\x00") {
		return false
	}
	// c:foo is an absolute path on windows
	if len(s) >= 2 && s[1] == ':' && isDriveLetter(s[0]) {
		return false
	}
	return true
}

// splitExt splits file name into stem and extension (without the dot).
// ".bashrc" has no extension
func splitExt(name string) (stem string, ext string, ok bool) {
	idx := strings.LastIndexByte(name, '.')
	if idx <= 0 {
		return name, "", false
	}
	return name[:idx], name[idx+1:], true
}

func hasExt(name string) bool {
	_, _, ok := splitExt(name)
	return ok
}

func appendQuery(name string, query url.Values) string {
	stem, ext, hasExt := splitExt(name)
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(stem)
	for _, k := range keys {
		sb.WriteString("-")
		sb.WriteString(Escape(k))
		var v string
		if vals := query[k]; len(vals) > 0 {
			// if a key is repeated, last value wins
			v = vals[len(vals)-1]
		}
		if v != "" {
			sb.WriteString("=")
			sb.WriteString(Escape(v))
		}
	}
	if hasExt {
		sb.WriteString(".")
		sb.WriteString(ext)
	}
	return sb.String()
}

func isAlphaNum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Escape percent-encodes every byte of s that is not an ascii letter or digit
func Escape(s string) string {
	const hexDigits = "0123456789ABCDEF"
	n := 0
	for i := 0; i < len(s); i++ {
		if !isAlphaNum(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	res := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphaNum(c) {
			res = append(res, c)
			continue
		}
		res = append(res, '%', hexDigits[c>>4], hexDigits[c&15])
	}
	return string(res)
}

// file systems limit a name to 255 bytes. Long names are shortened to
// a prefix and a hash of the full name, preserving the extension
func shortenName(name string) string {
	if len(name) <= maxNameLen {
		return name
	}
	ext := ""
	if _, e, ok := splitExt(name); ok && len(e) < 32 {
		ext = "." + e
	}
	n := shortenedNameLen
	// don't cut a multi-byte character in half
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	sum := blake3.Sum256([]byte(name))
	return name[:n] + "-" + hex.EncodeToString(sum[:8]) + ext
}

// HasSentinel returns true if extension of path contains the sentinel
func HasSentinel(path string) bool {
	return strings.Contains(filepath.Ext(path), Sentinel)
}

// Heal returns path with the sentinel extension replaced by an extension
// derived from contentType. Returns false if path doesn't have the sentinel
// or we don't know an extension for contentType.
func Heal(path string, contentType string) (string, bool) {
	if !HasSentinel(path) {
		return path, false
	}
	ext := u.ExtensionForMimeType(contentType)
	if ext == "" {
		return path, false
	}
	return u.TrimExt(path) + "." + ext, true
}
