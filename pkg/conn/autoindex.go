package conn

import (
	"bytes"
	"fmt"
	"html"
	"os"
	"strings"

	"github.com/Talkashi1111/Webserver/pkg/response"
)

// autoindex renders an HTML listing of the directory at path, linked
// relative to the request target. Hidden entries are skipped and
// directories get a trailing slash. Returns nil when the directory cannot
// be read.
func autoindex(path, target string) []byte {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil
	}

	base := strings.TrimSuffix(target, "/")
	title := html.EscapeString(target)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "<!DOCTYPE html>\n<html>\n<head>\n")
	fmt.Fprintf(&buf, "  <meta charset=\"utf-8\">\n")
	fmt.Fprintf(&buf, "  <title>Index of %s</title>\n", title)
	fmt.Fprintf(&buf, "</head>\n<body>\n")
	fmt.Fprintf(&buf, "  <h1>Index of %s</h1>\n  <hr>\n  <ul>\n", title)

	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&buf, "    <li><a href=\"%s/%s\">%s</a></li>\n",
			html.EscapeString(base), html.EscapeString(name), html.EscapeString(name))
		count++
	}

	buf.WriteString("  </ul>\n  <hr>\n")
	if count == 0 {
		buf.WriteString("  <p>No entries found</p>\n")
	}
	fmt.Fprintf(&buf, "  <address>%s</address>\n</body>\n</html>\n", response.ServerToken)
	return buf.Bytes()
}
