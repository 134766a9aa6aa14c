// Package response assembles complete HTTP/1.1 responses. Every entry point
// returns the full byte sequence, status line through body, so the transport
// layer only ever has to drain a buffer.
package response

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// ServerToken identifies the server in the Server header and in generated
// HTML bodies.
const ServerToken = "webserver/1.0"

// StatusError carries an HTTP status code through error returns so callers
// can map failures to responses without string matching.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, StatusText(e.Code))
}

// NewStatusError returns a StatusError for code.
func NewStatusError(code int) *StatusError {
	return &StatusError{Code: code}
}

// Header is one response header in emission order. CGI responses preserve
// the order and spelling the script produced.
type Header struct {
	Name  string
	Value string
}

// httpDate formats the Date header value, RFC 1123 in GMT.
func httpDate() string {
	return time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}

// build assembles the response byte sequence. extra headers are emitted
// between the fixed header set and Content-Length.
func build(code int, contentType string, extra []Header, body []byte, keepAlive bool) []byte {
	var buf bytes.Buffer
	buf.Grow(len(body) + 256)
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(code))
	buf.WriteByte(' ')
	buf.WriteString(StatusText(code))
	buf.WriteString("\r\nServer: " + ServerToken + "\r\n")
	buf.WriteString("Date: " + httpDate() + "\r\n")
	if contentType != "" {
		buf.WriteString("Content-Type: " + contentType + "\r\n")
	}
	for _, h := range extra {
		buf.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	buf.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	if keepAlive {
		buf.WriteString("Connection: keep-alive\r\n")
	} else {
		buf.WriteString("Connection: close\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// File builds a 200 response for a static file, sniffing Content-Type from
// the path extension.
func File(path string, body []byte, keepAlive bool) []byte {
	return build(200, ContentTypeFor(path), nil, body, keepAlive)
}

// HTML builds a response carrying generated HTML, such as an autoindex
// listing.
func HTML(code int, body []byte, keepAlive bool) []byte {
	return build(code, "text/html", nil, body, keepAlive)
}

// Error builds a canned HTML error response for code.
func Error(code int, keepAlive bool) []byte {
	text := StatusText(code)
	body := fmt.Sprintf("<html>\n<head><title>%d %s</title></head>\n"+
		"<body>\n<center><h1>%d %s</h1></center>\n"+
		"<hr><center>%s</center>\n</body>\n</html>\n",
		code, text, code, text, ServerToken)
	return build(code, "text/html", nil, []byte(body), keepAlive)
}

// ErrorFile builds an error response whose body was read from a configured
// error page.
func ErrorFile(code int, body []byte, keepAlive bool) []byte {
	return build(code, "text/html", nil, body, keepAlive)
}

// Redirect builds a 3xx response with a Location header and an HTML stub
// body.
func Redirect(code int, location string, keepAlive bool) []byte {
	text := StatusText(code)
	body := fmt.Sprintf("<html>\n<head><title>%d %s</title></head>\n"+
		"<body>\n<center><h1>%d %s</h1></center>\n"+
		"<hr><center>%s</center>\n</body>\n</html>\n",
		code, text, code, text, ServerToken)
	return build(code, "text/html", []Header{{Name: "Location", Value: location}}, []byte(body), keepAlive)
}

// ReturnText builds a return-directive response for a non-redirect code: the
// configured literal, stripped of surrounding quotes, as an octet-stream
// body.
func ReturnText(code int, text string, keepAlive bool) []byte {
	if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
		text = text[1 : len(text)-1]
	}
	return build(code, "application/octet-stream", nil, []byte(text), keepAlive)
}

// Gateway builds the client-facing response for finalised CGI output: the
// surviving CGI headers pass through, Content-Length is recomputed from the
// actual body, and the fixed header set is added around them.
func Gateway(code int, headers []Header, body []byte, keepAlive bool) []byte {
	return build(code, "", headers, body, keepAlive)
}
