package response

import "strings"

// contentTypes maps file extensions to the Content-Type the server serves
// them with. Anything unknown falls back to application/octet-stream.
var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".ico":  "image/x-icon",
	".svg":  "image/svg+xml",
	".txt":  "text/plain",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
}

// ContentTypeFor sniffs the Content-Type for a file path by extension.
func ContentTypeFor(path string) string {
	if dot := strings.LastIndexByte(path, '.'); dot >= 0 {
		if ct, ok := contentTypes[strings.ToLower(path[dot:])]; ok {
			return ct
		}
	}
	return "application/octet-stream"
}
