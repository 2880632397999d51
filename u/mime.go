package u

import (
	"mime"
	"path/filepath"
	"strings"
)

var mimeTypes = map[string]string{
	// not present in mime.TypeByExtension()
	".txt": "text/plain",
	".exe": "application/octet-stream",

	// a copy from mime.TypeByExtension()
	// this is because on Windows Go uses registry first
	// and registry can have bad content type
	// (e.g. on Win 10 I got text/plain for .js)
	".avif":        "image/avif",
	".css":         "text/css; charset=utf-8",
	".gif":         "image/gif",
	".htm":         "text/html; charset=utf-8",
	".html":        "text/html; charset=utf-8",
	".ico":         "image/x-icon",
	".jpeg":        "image/jpeg",
	".jpg":         "image/jpeg",
	".js":          "text/javascript; charset=utf-8",
	".json":        "application/json",
	".mjs":         "text/javascript; charset=utf-8",
	".pdf":         "application/pdf",
	".png":         "image/png",
	".svg":         "image/svg+xml",
	".wasm":        "application/wasm",
	".webp":        "image/webp",
	".woff":        "font/woff",
	".woff2":       "font/woff2",
	".xhtml":       "application/xhtml+xml",
	".xml":         "text/xml; charset=utf-8",
	".webmanifest": "application/manifest+json",
	".zip":         "application/zip",
}

// preferred extension for a media type, when there's more than one.
// mime.ExtensionsByType() returns them sorted which e.g. picks .htm for text/html
var extForMimeType = map[string]string{
	"text/html":              ".html",
	"text/css":               ".css",
	"text/javascript":        ".js",
	"application/javascript": ".js",
	"application/json":       ".json",
	"application/xhtml+xml":  ".xhtml",
	"text/plain":             ".txt",
	"text/xml":               ".xml",
	"application/xml":        ".xml",
	"image/jpeg":             ".jpg",
	"image/png":              ".png",
	"image/gif":              ".gif",
	"image/svg+xml":          ".svg",
	"image/webp":             ".webp",
	"image/x-icon":           ".ico",
	"font/woff":              ".woff",
	"font/woff2":             ".woff2",
	"application/pdf":        ".pdf",
	"application/wasm":       ".wasm",
}

// MimeTypeFromFileName returns content type based on file extension.
// Returns "" if we don't know it
func MimeTypeFromFileName(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ""
	}
	ct := mimeTypes[ext]
	if ct == "" {
		ct = mime.TypeByExtension(ext)
	}
	return ct
}

// ExtensionForMimeType returns extension (without the dot) for a Content-Type
// header value like "text/html; charset=utf-8". Returns "" if not known
func ExtensionForMimeType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext := extForMimeType[mediaType]; ext != "" {
		return ext[1:]
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return strings.TrimPrefix(exts[0], ".")
}
