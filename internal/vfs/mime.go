package vfs

import (
	"mime"
	"path"
	"strings"
)

// Extensions the preview pane serves that are missing or wrong in some
// system mime tables.
var previewTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".mjs":  "text/javascript; charset=utf-8",
	".jsx":  "text/javascript; charset=utf-8",
	".ts":   "text/javascript; charset=utf-8",
	".tsx":  "text/javascript; charset=utf-8",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".md":   "text/markdown; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
}

// MIMEType maps a file path to a Content-Type by extension.
func MIMEType(p string) string {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return "text/plain; charset=utf-8"
	}
	if t, ok := previewTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
