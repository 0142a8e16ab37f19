package downloads

import "strings"

// mimeByExt maps file extensions to MIME types for adopted and fetched
// files. Unknown extensions fall back to application/octet-stream.
var mimeByExt = map[string]string{
	"pdf":  "application/pdf",
	"zip":  "application/zip",
	"gz":   "application/gzip",
	"json": "application/json",
	"csv":  "text/csv",
	"txt":  "text/plain",
	"html": "text/html",
	"htm":  "text/html",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
}

// guessMimeType derives a MIME type from a filename's last extension,
// case-insensitively.
func guessMimeType(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 || i == len(filename)-1 {
		return "application/octet-stream"
	}
	if mt, ok := mimeByExt[strings.ToLower(filename[i+1:])]; ok {
		return mt
	}
	return "application/octet-stream"
}

// sanitizeFilename makes a suggested filename safe as a single path
// component: path separators become underscores, NUL bytes are stripped,
// whitespace is trimmed, and the result is capped at 200 characters.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.TrimSpace(name)
	if len(name) > 200 {
		name = name[:200]
	}
	if name == "" {
		name = "download"
	}
	return name
}
