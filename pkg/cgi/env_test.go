package cgi

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Talkashi1111/Webserver/pkg/request"
)

func parsedRequest(t *testing.T, raw string) *request.Parser {
	t.Helper()
	p := request.New(2048, 1<<20)
	p.Feed([]byte(raw))
	require.Equal(t, request.StatusDone, p.Status())
	return p
}

func TestBuildEnvForPost(t *testing.T) {
	p := parsedRequest(t, "POST /cgi/echo.py?x=1&y=2 HTTP/1.1\r\n"+
		"Host: shop.example\r\n"+
		"Content-Type: text/plain\r\n"+
		"X-Api-Token: abc\r\n"+
		"Content-Length: 5\r\n"+
		"\r\nhello")

	env := buildEnv(p, "/srv/www/cgi/echo.py", "8080", "10.0.0.5", "/srv/uploads")

	require.Contains(t, env, "GATEWAY_INTERFACE=CGI/1.1")
	require.Contains(t, env, "SERVER_PROTOCOL=HTTP/1.1")
	require.Contains(t, env, "SERVER_SOFTWARE=webserver/1.0")
	require.Contains(t, env, "REQUEST_METHOD=POST")
	require.Contains(t, env, "SCRIPT_FILENAME=/srv/www/cgi/echo.py")
	require.Contains(t, env, "PATH_INFO=/srv/www/cgi/echo.py")
	require.Contains(t, env, "PATH_TRANSLATED=/srv/www/cgi/echo.py")
	require.Contains(t, env, "SCRIPT_NAME=/cgi/echo.py")
	require.Contains(t, env, "REQUEST_URI=/cgi/echo.py")
	require.Contains(t, env, "QUERY_STRING=x=1&y=2")
	require.Contains(t, env, "SERVER_NAME=shop.example")
	require.Contains(t, env, "SERVER_PORT=8080")
	require.Contains(t, env, "REMOTE_ADDR=10.0.0.5")
	require.Contains(t, env, "REMOTE_HOST=10.0.0.5")
	require.Contains(t, env, "HTTP_HOST=shop.example")
	require.Contains(t, env, "HTTP_X_API_TOKEN=abc")
	require.Contains(t, env, "CONTENT_LENGTH=5")
	require.Contains(t, env, "CONTENT_TYPE=text/plain")
	require.Contains(t, env, "UPLOAD_DIRECTORY=/srv/uploads")
}

func TestBuildEnvForGetOmitsContentVars(t *testing.T) {
	p := parsedRequest(t, "GET /page.py HTTP/1.1\r\nHost: x\r\n\r\n")
	env := buildEnv(p, "/srv/www/page.py", "80", "127.0.0.1", "")
	for _, kv := range env {
		require.NotContains(t, kv, "CONTENT_LENGTH=")
		require.NotContains(t, kv, "UPLOAD_DIRECTORY=")
	}
}

func TestBuildEnvPostWithoutContentType(t *testing.T) {
	p := parsedRequest(t, "POST /p.py HTTP/1.1\r\nHost: x\r\nContent-Length: 2\r\n\r\nok")
	env := buildEnv(p, "/srv/www/p.py", "80", "127.0.0.1", "")
	require.Contains(t, env, "CONTENT_TYPE=")
	require.Contains(t, env, "CONTENT_LENGTH=2")
}

func TestCgiHeaderName(t *testing.T) {
	require.Equal(t, "X_API_TOKEN", cgiHeaderName("x-api-token"))
	require.Equal(t, "HOST", cgiHeaderName("host"))
	require.Equal(t, "ACCEPT_ENCODING", cgiHeaderName("accept-encoding"))
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}
