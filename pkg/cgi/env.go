package cgi

import (
	"strconv"
	"strings"

	"github.com/Talkashi1111/Webserver/pkg/request"
	"github.com/Talkashi1111/Webserver/pkg/response"
)

// buildEnv constructs the CGI/1.1 environment for a child process. Request
// metadata becomes the standard meta-variables and every request header is
// exported as HTTP_<NAME> with hyphens replaced by underscores.
func buildEnv(req *request.Parser, scriptPath, localPort, remoteHost, uploadDir string) []string {
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=" + req.Version(),
		"SERVER_SOFTWARE=" + response.ServerToken,
		"REQUEST_METHOD=" + req.Method(),
		"SCRIPT_FILENAME=" + scriptPath,
		"PATH_INFO=" + scriptPath,
		"PATH_TRANSLATED=" + scriptPath,
		"SCRIPT_NAME=" + req.Target(),
		"REQUEST_URI=" + req.Target(),
		"QUERY_STRING=" + req.Query(),
		"SERVER_NAME=" + req.Host(),
		"SERVER_PORT=" + localPort,
		"REMOTE_ADDR=" + remoteHost,
		"REMOTE_HOST=" + remoteHost,
	}

	for name, value := range req.Headers() {
		env = append(env, "HTTP_"+cgiHeaderName(name)+"="+value)
	}

	if req.Method() == "POST" {
		env = append(env, "CONTENT_LENGTH="+strconv.Itoa(len(req.Body())))
		contentType, _ := req.Header("content-type")
		env = append(env, "CONTENT_TYPE="+contentType)
	}

	if uploadDir != "" {
		env = append(env, "UPLOAD_DIRECTORY="+uploadDir)
	}
	return env
}

// cgiHeaderName converts a lowercase header name to its meta-variable form.
func cgiHeaderName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '-':
			b.WriteByte('_')
		case c >= 'a' && c <= 'z':
			b.WriteByte(c - ('a' - 'A'))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
