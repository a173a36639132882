package http1

import (
	"mime"
	"path/filepath"
	"strings"
)

var suffixType = map[string]string{
	".html":  "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".pdf":   "application/pdf",
	".word":  "application/nsword",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".au":    "audio/basic",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".avi":   "video/x-msvideo",
	".gz":    "application/x-gzip",
	".tar":   "application/x-tar",
	".css":   "text/css",
	".js":    "text/javascript",
}

// contentType maps a file path to its MIME type, falling back to the
// system table and then text/plain.
func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return "text/plain"
	}
	if t, ok := suffixType[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "text/plain"
}
