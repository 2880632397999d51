package archivepath

import (
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kjk/archiveproxy/assert"
)

func mustMap(t *testing.T, root string, key Key, includeQuery bool) string {
	t.Helper()
	p, err := Map(root, key, includeQuery)
	assert.NoError(t, err)
	return p
}

func TestMap(t *testing.T) {
	root := filepath.FromSlash("/ar")
	tests := []struct {
		method       string
		path         string
		query        string
		includeQuery bool
		exp          string
	}{
		{"GET", "", "", true, "index.GET.unknown_ext"},
		{"GET", "/", "", true, "index.GET.unknown_ext"},
		{"POST", "/", "", true, "index.POST.unknown_ext"},
		{"GET", "/", "a=1", true, "index.GET.unknown_ext"},
		{"GET", "/data", "", true, "data.unknown_ext"},
		{"GET", "/docs/", "", true, "docs.unknown_ext"},
		{"GET", "/docs/intro.html/", "", true, "docs/intro.html.unknown_ext"},
		{"GET", "/css/main.css", "", true, "css/main.css"},
		{"GET", "/img/a.png", "v=2", true, "img/a-v=2.png"},
		{"GET", "/img/a.png", "v=2", false, "img/a.png"},
		{"GET", "/img/a.png", "flag", true, "img/a-flag.png"},
		{"GET", "/img/a.png", "flag=", true, "img/a-flag.png"},
		{"GET", "/search", "q=a b/c", true, "search-q=a%20b%2Fc.unknown_ext"},
		{"GET", "/search", "b=2&a=1", true, "search-a=1-b=2.unknown_ext"},
		{"GET", "/search", "a=1&a=2", true, "search-a=2.unknown_ext"},
		{"GET", "/a//b/./c.js", "", true, "a/b/c.js"},
		{"GET", "/.hidden", "", true, ".hidden.unknown_ext"},
		{"GET", "/x/ünï.txt", "", true, "x/ünï.txt"},
		{"GET", "/q", "k-1=v.2", true, "q-k%2D1=v%2E2.unknown_ext"},
	}
	for _, test := range tests {
		query, err := url.ParseQuery(test.query)
		assert.NoError(t, err)
		key := Key{Method: test.method, Path: test.path, Query: query}
		got := mustMap(t, root, key, test.includeQuery)
		exp := filepath.Join(root, filepath.FromSlash(test.exp))
		assert.Equal(t, exp, got, "path: '%s', query: '%s'", test.path, test.query)
	}
}

func TestMapEscapes(t *testing.T) {
	root := t.TempDir()
	bad := []string{
		"/..",
		"/../etc/passwd",
		"/a/../../b",
		"/a/..",
		"/c:/windows",
		"/C:foo",
		"/a\\..\\b",
		"/a\x00b",
	}
	for _, p := range bad {
		_, err := Map(root, Key{Method: "GET", Path: p}, true)
		assert.ErrorIs(t, err, ErrEscapesRoot, p)
	}
	_, err := Map(root, Key{Method: "../x", Path: "/"}, true)
	assert.ErrorIs(t, err, ErrEscapesRoot)

	ok := []string{"/", "/a", "/a/b/c", "/..a", "/a..b/..c.txt", "/..."}
	for _, p := range ok {
		got, err := Map(root, Key{Method: "GET", Path: p}, true)
		assert.NoError(t, err, p)
		rel, err := filepath.Rel(root, got)
		assert.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "..", p)
	}
}

func TestQueryOrderIndependent(t *testing.T) {
	pairs := [][2]string{{"z", "1"}, {"a", ""}, {"m", "x y"}, {"b", "2"}, {"k", "&"}}
	var exp string
	// rotate the order in which values were added
	for i := range pairs {
		q := url.Values{}
		for j := range pairs {
			p := pairs[(i+j)%len(pairs)]
			q.Set(p[0], p[1])
		}
		got, err := Rel(Key{Method: "GET", Path: "/p.json", Query: q}, true)
		assert.NoError(t, err)
		if i == 0 {
			exp = got
		}
		assert.Equal(t, exp, got)
	}
	assert.Equal(t, "p-a-b=2-k=%26-m=x%20y-z=1.json", exp)
}

func TestLongName(t *testing.T) {
	long := strings.Repeat("a", 300)
	got, err := Rel(Key{Method: "GET", Path: "/dir/" + long + ".png"}, true)
	assert.NoError(t, err)
	name := strings.TrimPrefix(got, "dir/")
	assert.True(t, len(name) <= maxNameLen, name)
	assert.True(t, strings.HasSuffix(name, ".png"), name)
	assert.True(t, strings.HasPrefix(name, strings.Repeat("a", shortenedNameLen)+"-"), name)

	// deterministic
	got2, err := Rel(Key{Method: "GET", Path: "/dir/" + long + ".png"}, true)
	assert.NoError(t, err)
	assert.Equal(t, got, got2)

	// different names produce different short names
	got3, err := Rel(Key{Method: "GET", Path: "/dir/" + long + "b.png"}, true)
	assert.NoError(t, err)
	assert.NotEqual(t, got, got3)

	// doesn't cut utf-8 characters
	long = strings.Repeat("ü", 150)
	got, err = Rel(Key{Method: "GET", Path: "/" + long}, true)
	assert.NoError(t, err)
	assert.True(t, strings.HasSuffix(got, ".unknown_ext"), got)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("ü", 75)+"-"), got)
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "abcXYZ019", Escape("abcXYZ019"))
	assert.Equal(t, "%2D%5F%2E%7E%20%25", Escape("-_.~ %"))
	assert.Equal(t, "%C3%BC", Escape("ü"))
}

func TestHeal(t *testing.T) {
	p := filepath.Join("ar", "data.unknown_ext")
	assert.True(t, HasSentinel(p))
	healed, ok := Heal(p, "application/json")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("ar", "data.json"), healed)

	healed, ok = Heal(filepath.Join("ar", "index.GET.unknown_ext"), "text/html; charset=utf-8")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("ar", "index.GET.html"), healed)

	healed, ok = Heal(filepath.Join("ar", "search-q=1.unknown_ext"), "text/css")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join("ar", "search-q=1.css"), healed)

	_, ok = Heal(p, "application/x-unheard-of")
	assert.False(t, ok)
	_, ok = Heal(p, "")
	assert.False(t, ok)

	_, ok = Heal(filepath.Join("ar", "a.png"), "image/png")
	assert.False(t, ok)
	assert.False(t, HasSentinel("unknown_ext/a.png"))
}
