package reactor

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Talkashi1111/Webserver/pkg/config"
)

var nextTestPort = 20000 + os.Getpid()%20000

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

// startTestServer builds a www tree, a single-server configuration bound to
// a fresh port on the loopback interface, and a running reactor. The
// returned address is ready to dial.
func startTestServer(t *testing.T, mutate func(*config.Global, string)) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("hi"), 0o644))

	nextTestPort++
	port := strconv.Itoa(nextTestPort)

	srv := &config.Server{
		Root:           root,
		Index:          []string{"index.html"},
		ErrorPages:     map[int]string{},
		AllowedMethods: config.DefaultAllowedMethods(),
		CgiBin:         map[string]string{},
		Locations:      config.NewLocationTrie(),
	}
	require.NoError(t, srv.Locations.Insert(&config.Location{
		Path:           "/",
		Root:           root,
		Index:          []string{"index.html"},
		AllowedMethods: config.DefaultAllowedMethods(),
	}))

	g := &config.Global{
		ClientTimeout:          config.DefaultClientTimeout,
		ClientHeaderBufferSize: config.DefaultClientHeaderBufferSize,
		ClientMaxBodySize:      config.DefaultClientMaxBodySize,
		Servers: map[config.ServerKey]*config.Server{
			{Port: port, Host: "127.0.0.1"}: srv,
		},
	}
	if mutate != nil {
		mutate(g, root)
	}

	r := New(g, testLogger())
	require.NoError(t, r.Setup())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run()
	}()
	t.Cleanup(func() {
		r.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("reactor did not stop in time")
		}
		r.Close()
	})
	return "127.0.0.1:" + port
}

// readResponse reads one framed HTTP response off the wire.
func readResponse(t *testing.T, br *bufio.Reader) (string, map[string]string, string) {
	t.Helper()
	statusLine, err := br.ReadString('\n')
	require.NoError(t, err)
	statusLine = strings.TrimRight(statusLine, "\r\n")

	headers := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if i := strings.Index(line, ": "); i >= 0 {
			headers[strings.ToLower(line[:i])] = line[i+2:]
		}
	}
	length, err := strconv.Atoi(headers["content-length"])
	require.NoError(t, err)
	body := make([]byte, length)
	_, err = io.ReadFull(br, body)
	require.NoError(t, err)
	return statusLine, headers, string(body)
}

func dialAndSend(t *testing.T, addr, raw string) (net.Conn, *bufio.Reader) {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))
	_, err = c.Write([]byte(raw))
	require.NoError(t, err)
	return c, bufio.NewReader(c)
}

func TestServeStaticFile(t *testing.T) {
	addr := startTestServer(t, nil)
	c, br := dialAndSend(t, addr, "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
	defer c.Close()

	status, headers, body := readResponse(t, br)
	require.Equal(t, "HTTP/1.1 200 OK", status)
	require.Equal(t, "2", headers["content-length"])
	require.Equal(t, "text/html", headers["content-type"])
	require.Equal(t, "hi", body)

	// Connection: close means the server hangs up after the response.
	_, err := br.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestKeepAliveRoundTrip(t *testing.T) {
	addr := startTestServer(t, nil)
	c, br := dialAndSend(t, addr, "GET / HTTP/1.1\r\nHost: x\r\nConnection: keep-alive\r\n\r\n")
	defer c.Close()

	status, _, body := readResponse(t, br)
	require.Equal(t, "HTTP/1.1 200 OK", status)
	require.Equal(t, "hi", body)

	_, err := c.Write([]byte("GET /nothere HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	status, headers, _ := readResponse(t, br)
	require.Equal(t, "HTTP/1.1 404 Not Found", status)
	require.Equal(t, "close", headers["connection"])
}

func TestBadRequestGets4xx(t *testing.T) {
	addr := startTestServer(t, nil)
	c, br := dialAndSend(t, addr, "NONSENSE\r\n\r\n")
	defer c.Close()
	status, _, _ := readResponse(t, br)
	require.True(t, strings.HasPrefix(status, "HTTP/1.1 4"), status)
}

func TestFragmentedRequestOverWire(t *testing.T) {
	addr := startTestServer(t, nil)
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))

	raw := "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"
	for _, part := range []string{raw[:7], raw[7:20], raw[20:]} {
		_, err = c.Write([]byte(part))
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
	}
	status, _, body := readResponse(t, bufio.NewReader(c))
	require.Equal(t, "HTTP/1.1 200 OK", status)
	require.Equal(t, "hi", body)
}

func TestCgiEchoRoundTrip(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this system")
	}
	addr := startTestServer(t, func(g *config.Global, root string) {
		for _, srv := range g.Servers {
			srv.CgiBin[".cgi"] = "/bin/sh"
		}
		script := "printf 'Content-Type: text/plain\\r\\n\\r\\n'\ncat\n"
		if err := os.WriteFile(filepath.Join(root, "echo.cgi"), []byte(script), 0o644); err != nil {
			t.Fatal(err)
		}
	})

	c, br := dialAndSend(t, addr,
		"POST /echo.cgi HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello")
	defer c.Close()

	status, headers, body := readResponse(t, br)
	require.Equal(t, "HTTP/1.1 200 OK", status)
	require.Equal(t, "text/plain", headers["content-type"])
	require.Equal(t, "5", headers["content-length"])
	require.Equal(t, "hello", body)
}

func TestCgiChunkedBodyDelivered(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this system")
	}
	addr := startTestServer(t, func(g *config.Global, root string) {
		for _, srv := range g.Servers {
			srv.CgiBin[".cgi"] = "/bin/sh"
		}
		script := "printf 'Content-Type: text/plain\\r\\n\\r\\n'\ncat\n"
		if err := os.WriteFile(filepath.Join(root, "echo.cgi"), []byte(script), 0o644); err != nil {
			t.Fatal(err)
		}
	})

	c, br := dialAndSend(t, addr,
		"POST /echo.cgi HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n"+
			"3\r\nfoo\r\n3\r\nbar\r\n0\r\n\r\n")
	defer c.Close()

	status, _, body := readResponse(t, br)
	require.Equal(t, "HTTP/1.1 200 OK", status)
	require.Equal(t, "foobar", body)
}

func TestCgiWithoutHeadersIs502(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh on this system")
	}
	addr := startTestServer(t, func(g *config.Global, root string) {
		for _, srv := range g.Servers {
			srv.CgiBin[".cgi"] = "/bin/sh"
		}
		if err := os.WriteFile(filepath.Join(root, "bad.cgi"),
			[]byte("printf 'no header terminator'\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	})

	c, br := dialAndSend(t, addr, "GET /bad.cgi HTTP/1.1\r\nHost: x\r\n\r\n")
	defer c.Close()
	status, _, _ := readResponse(t, br)
	require.Equal(t, "HTTP/1.1 502 Bad Gateway", status)
}

func TestIdleConnectionTimesOut(t *testing.T) {
	addr := startTestServer(t, func(g *config.Global, _ string) {
		g.ClientTimeout = time.Second
	})
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(10*time.Second)))

	// The sweep runs once per poll interval; allow a little slack.
	buf := make([]byte, 1)
	start := time.Now()
	_, err = c.Read(buf)
	require.ErrorIs(t, err, io.EOF)
	require.Less(t, time.Since(start), 6*time.Second)
}

func TestActiveConnectionSurvivesSweep(t *testing.T) {
	addr := startTestServer(t, func(g *config.Global, _ string) {
		g.ClientTimeout = 2 * time.Second
	})
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(15*time.Second)))
	br := bufio.NewReader(c)

	// Keep the connection busy past several sweep intervals.
	for i := 0; i < 4; i++ {
		_, err = fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
		require.NoError(t, err)
		status, _, _ := readResponse(t, br)
		require.Equal(t, "HTTP/1.1 200 OK", status)
		time.Sleep(time.Second)
	}
}

func TestStopTerminatesRun(t *testing.T) {
	addr := startTestServer(t, nil)
	// A fresh connection proves the loop is alive before Stop; the cleanup
	// registered by startTestServer asserts Run exits within its window.
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	_ = c.Close()
}
