package cgi

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Talkashi1111/Webserver/pkg/response"
)

func finalizeOutput(t *testing.T, rawOut string, keepAlive bool) ([]byte, error) {
	t.Helper()
	s := &Session{log: testLogger(), rawOut: []byte(rawOut), outCap: 1 << 20}
	return s.Finalize(keepAlive)
}

func TestFinalizeBuildsResponse(t *testing.T) {
	out, err := finalizeOutput(t, "Content-Type: text/plain\r\nX-Script: yes\r\n\r\nhello", true)
	require.NoError(t, err)
	s := string(out)
	require.True(t, strings.HasPrefix(s, "HTTP/1.1 200 OK\r\n"), s)
	require.Contains(t, s, "Content-Type: text/plain\r\n")
	require.Contains(t, s, "X-Script: yes\r\n")
	require.Contains(t, s, "Content-Length: 5\r\n")
	require.Contains(t, s, "Connection: keep-alive\r\n")
	require.True(t, strings.HasSuffix(s, "\r\n\r\nhello"), s)
}

func TestFinalizeHonoursStatusHeader(t *testing.T) {
	out, err := finalizeOutput(t, "Status: 404 Not Found\r\nContent-Type: text/html\r\n\r\ngone", false)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(out), "HTTP/1.1 404 Not Found\r\n"))
}

func TestFinalizeBareNumericStatus(t *testing.T) {
	out, err := finalizeOutput(t, "Status: 201\r\nContent-Type: text/plain\r\n\r\nmade", false)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(out), "HTTP/1.1 201 Created\r\n"))
}

func TestFinalizeDropsCgiContentLength(t *testing.T) {
	out, err := finalizeOutput(t, "Content-Type: text/plain\r\nContent-Length: 9999\r\n\r\nabc", true)
	require.NoError(t, err)
	s := string(out)
	require.Contains(t, s, "Content-Length: 3\r\n")
	require.NotContains(t, s, "Content-Length: 9999")
}

func TestFinalizeWithoutTerminatorIs502(t *testing.T) {
	_, err := finalizeOutput(t, "Content-Type: text/plain\r\nno terminator here", true)
	var se *response.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 502, se.Code)
}

func TestFinalizeWithoutContentTypeIs502(t *testing.T) {
	_, err := finalizeOutput(t, "X-Other: 1\r\n\r\nbody", true)
	var se *response.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 502, se.Code)
}

func TestFinalizeEmptyOutputIs502(t *testing.T) {
	_, err := finalizeOutput(t, "", true)
	var se *response.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 502, se.Code)
}

func TestStartMissingInterpreterIs404(t *testing.T) {
	p := parsedRequest(t, "GET /x.py HTTP/1.1\r\nHost: x\r\n\r\n")
	_, err := Start(testLogger(), p, "/no/such/interpreter", "/also/missing", "80", "127.0.0.1", "", 1<<20)
	var se *response.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 404, se.Code)
}

func TestStartNonExecutableInterpreterIs403(t *testing.T) {
	plain := filepath.Join(t.TempDir(), "not-executable")
	require.NoError(t, os.WriteFile(plain, []byte("data"), 0o644))
	p := parsedRequest(t, "GET /x.py HTTP/1.1\r\nHost: x\r\n\r\n")
	_, err := Start(testLogger(), p, plain, plain, "80", "127.0.0.1", "", 1<<20)
	var se *response.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 403, se.Code)
}

func TestStartMissingScriptIs404(t *testing.T) {
	interpreter := "/bin/cat"
	if _, err := os.Stat(interpreter); err != nil {
		t.Skip("no /bin/cat on this system")
	}
	p := parsedRequest(t, "GET /x.py HTTP/1.1\r\nHost: x\r\n\r\n")
	_, err := Start(testLogger(), p, interpreter, "/no/such/script", "80", "127.0.0.1", "", 1<<20)
	var se *response.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 404, se.Code)
}

// TestSessionRoundTrip spawns a real child (cat printing a canned CGI
// response) and drives the session the way the reactor would.
func TestSessionRoundTrip(t *testing.T) {
	interpreter := "/bin/cat"
	if _, err := os.Stat(interpreter); err != nil {
		t.Skip("no /bin/cat on this system")
	}
	script := filepath.Join(t.TempDir(), "reply.cgi")
	require.NoError(t, os.WriteFile(script, []byte("Content-Type: text/plain\r\n\r\nhello from cgi"), 0o644))

	p := parsedRequest(t, "GET /reply.cgi HTTP/1.1\r\nHost: x\r\n\r\n")
	sess, err := Start(testLogger(), p, interpreter, script, "8080", "127.0.0.1", "", 1<<20)
	require.NoError(t, err)
	defer sess.Close()

	done, err := sess.WriteBody()
	require.NoError(t, err)
	require.True(t, done, "empty body should close stdin immediately")
	require.Equal(t, -1, sess.StdinFd())

	deadline := time.Now().Add(5 * time.Second)
	for {
		eof, err := sess.ReadOutput()
		require.NoError(t, err)
		if eof {
			break
		}
		require.True(t, time.Now().Before(deadline), "child output never finished")
		time.Sleep(10 * time.Millisecond)
	}

	out, err := sess.Finalize(true)
	require.NoError(t, err)
	s := string(out)
	require.True(t, strings.HasPrefix(s, "HTTP/1.1 200 OK\r\n"))
	require.True(t, strings.HasSuffix(s, "\r\n\r\nhello from cgi"))

	require.Eventually(t, sess.Reap, 2*time.Second, 10*time.Millisecond)
}

func TestOutputCapIs413(t *testing.T) {
	interpreter := "/bin/cat"
	if _, err := os.Stat(interpreter); err != nil {
		t.Skip("no /bin/cat on this system")
	}
	script := filepath.Join(t.TempDir(), "big.cgi")
	require.NoError(t, os.WriteFile(script, []byte(strings.Repeat("x", 4096)), 0o644))

	p := parsedRequest(t, "GET /big.cgi HTTP/1.1\r\nHost: x\r\n\r\n")
	sess, err := Start(testLogger(), p, interpreter, script, "8080", "127.0.0.1", "", 128)
	require.NoError(t, err)
	defer sess.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := sess.ReadOutput()
		if err != nil {
			var se *response.StatusError
			require.True(t, errors.As(err, &se))
			require.Equal(t, 413, se.Code)
			return
		}
		require.True(t, time.Now().Before(deadline), "cap never tripped")
		time.Sleep(10 * time.Millisecond)
	}
}
