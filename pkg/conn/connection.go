// Package conn tracks one client connection: its parser, its matched
// configuration, its pending response bytes, and the CGI session it may
// have spawned. All methods run on the reactor's thread.
package conn

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Talkashi1111/Webserver/pkg/cgi"
	"github.com/Talkashi1111/Webserver/pkg/config"
	"github.com/Talkashi1111/Webserver/pkg/fileutil"
	"github.com/Talkashi1111/Webserver/pkg/logging"
	"github.com/Talkashi1111/Webserver/pkg/request"
	"github.com/Talkashi1111/Webserver/pkg/response"
)

// Connection is the per-client state machine. It owns the client socket and
// the CGI session, if any; tearing down a connection tears both down.
type Connection struct {
	fd int

	localHost  string
	localPort  string
	remoteHost string
	remotePort string

	lastActivity time.Time

	cfg      *config.Global
	server   *config.Server
	location *config.Location

	parser *request.Parser
	out    []byte
	cgi    *cgi.Session

	keepAlive bool
	log       logging.Logger
}

// New creates the state for a freshly accepted socket.
func New(fd int, localHost, localPort, remoteHost, remotePort string, cfg *config.Global, log logging.Logger) *Connection {
	return &Connection{
		fd:           fd,
		localHost:    localHost,
		localPort:    localPort,
		remoteHost:   remoteHost,
		remotePort:   remotePort,
		lastActivity: time.Now(),
		cfg:          cfg,
		parser:       request.New(cfg.ClientHeaderBufferSize, cfg.ClientMaxBodySize),
		keepAlive:    true,
		log:          log,
	}
}

// Fd returns the client socket.
func (c *Connection) Fd() int { return c.fd }

// RemoteAddr returns the peer address for logging.
func (c *Connection) RemoteAddr() string { return c.remoteHost + ":" + c.remotePort }

// Touch records activity for the idle-timeout sweep.
func (c *Connection) Touch() { c.lastActivity = time.Now() }

// LastActivity returns the time of the last socket or pipe event.
func (c *Connection) LastActivity() time.Time { return c.lastActivity }

// KeepAlive reports whether the connection survives the current response.
func (c *Connection) KeepAlive() bool { return c.keepAlive }

// Cgi returns the active CGI session, or nil.
func (c *Connection) Cgi() *cgi.Session { return c.cgi }

// Response returns the unsent tail of the response buffer.
func (c *Connection) Response() []byte { return c.out }

// Consume advances the response buffer past n sent bytes.
func (c *Connection) Consume(n int) { c.out = c.out[n:] }

// HandleRecv feeds freshly received bytes to the parser and, once a request
// is complete, routes and answers it. The returned status tells the reactor
// what to do with the socket: keep reading, switch to writing, or start
// multiplexing CGI pipes.
func (c *Connection) HandleRecv(data []byte) request.Status {
	c.Touch()
	switch c.parser.Feed(data) {
	case request.StatusError:
		return c.fail(c.parser.ErrorCode())
	case request.StatusDone:
		return c.processRequest()
	}
	return request.StatusInProgress
}

func (c *Connection) processRequest() request.Status {
	c.resolveServerAndLocation()
	if c.server == nil {
		return c.fail(404)
	}
	c.keepAlive = c.parser.KeepAlive()

	if c.server.Return != nil {
		c.out = c.returnDirective(c.server.Return)
		return request.StatusDone
	}
	if c.location == nil {
		return c.fail(404)
	}
	if !c.location.AllowedMethods[c.parser.Method()] {
		return c.fail(405)
	}
	if c.location.Return != nil {
		c.out = c.returnDirective(c.location.Return)
		return request.StatusDone
	}
	return c.serve()
}

// resolveServerAndLocation binds the request to a virtual server and a
// location scope. The server survives error handling so configured error
// pages apply even to failed requests.
func (c *Connection) resolveServerAndLocation() {
	if c.server != nil {
		return
	}
	c.server = c.cfg.LookupServer(c.localPort, c.localHost, c.parser.Host())
	if c.server != nil {
		c.location = c.server.Location(c.parser.Target())
	}
}

func (c *Connection) returnDirective(ret *config.Return) []byte {
	if ret.Code == 301 || ret.Code == 302 || ret.Code == 303 || ret.Code == 307 || ret.Code == 308 {
		return response.Redirect(ret.Code, ret.Target, c.keepAlive)
	}
	return response.ReturnText(ret.Code, ret.Target, c.keepAlive)
}

// serve answers the routed request from the filesystem: an index file or
// listing for directories, a CGI execution for mapped extensions, or the
// file contents.
func (c *Connection) serve() request.Status {
	target := c.parser.Target()
	fullPath := resolvePath(c.location.Root, target)

	if strings.HasSuffix(fullPath, "/") {
		for _, index := range c.location.Index {
			if fileutil.IsFile(fullPath + index) {
				fullPath += index
				break
			}
		}
	}

	switch {
	case fileutil.IsDir(fullPath):
		if c.location.Autoindex {
			listing := autoindex(fullPath, target)
			if listing == nil {
				return c.fail(403)
			}
			c.out = response.HTML(200, listing, c.keepAlive)
			return request.StatusDone
		}
		if !strings.HasSuffix(target, "/") {
			c.out = response.Redirect(301, "http://"+c.parser.Host()+target+"/", c.keepAlive)
			return request.StatusDone
		}
		return c.fail(404)

	case fileutil.IsFile(fullPath):
		if interpreter := c.cgiInterpreter(fullPath); interpreter != "" {
			return c.startCgi(interpreter, fullPath)
		}
		data, code := fileutil.ReadFile(fullPath)
		if code != 0 {
			return c.fail(code)
		}
		c.out = response.File(fullPath, data, c.keepAlive)
		return request.StatusDone
	}
	return c.fail(404)
}

// cgiInterpreter returns the configured interpreter for the file's
// extension, or empty when the file is served statically.
func (c *Connection) cgiInterpreter(path string) string {
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 {
		return ""
	}
	return c.server.CgiBin[path[dot:]]
}

func (c *Connection) startCgi(interpreter, script string) request.Status {
	sess, err := cgi.Start(c.log, c.parser, interpreter, script, c.localPort, c.remoteHost, c.location.UploadDirectory, c.cfg.ClientMaxBodySize)
	if err != nil {
		var se *response.StatusError
		if errors.As(err, &se) {
			return c.fail(se.Code)
		}
		return c.fail(500)
	}
	c.cgi = sess
	c.parser.MarkCgiProcessing()
	return request.StatusCgiProcessing
}

// WriteCgiBody pushes request-body bytes into the CGI child. StatusDone
// means the body is fully delivered and the stdin pipe closed.
func (c *Connection) WriteCgiBody() request.Status {
	c.Touch()
	done, err := c.cgi.WriteBody()
	if err != nil {
		c.log.Warnf("write to cgi pipe: %v", err)
		return c.fail(500)
	}
	if done {
		return request.StatusDone
	}
	return request.StatusCgiProcessing
}

// ReadCgiOutput pulls child output. On EOF the session is finalised and the
// client response staged.
func (c *Connection) ReadCgiOutput() request.Status {
	c.Touch()
	eof, err := c.cgi.ReadOutput()
	if err != nil {
		var se *response.StatusError
		if errors.As(err, &se) {
			return c.fail(se.Code)
		}
		c.log.Warnf("read from cgi pipe: %v", err)
		return c.fail(500)
	}
	if eof {
		return c.FinalizeCgi()
	}
	return request.StatusCgiProcessing
}

// FinalizeCgi turns the accumulated CGI output into the client response and
// reaps the child.
func (c *Connection) FinalizeCgi() request.Status {
	c.Touch()
	out, err := c.cgi.Finalize(c.keepAlive)
	if err != nil {
		var se *response.StatusError
		if errors.As(err, &se) {
			return c.fail(se.Code)
		}
		return c.fail(502)
	}
	c.out = out
	c.cgi.Reap()
	return request.StatusDone
}

// AbortCgi stages a gateway error after a broken CGI exchange.
func (c *Connection) AbortCgi() request.Status {
	return c.fail(502)
}

// fail stages an error response for code. A configured error page on the
// matched server wins over the canned HTML body. Errors always end the
// connection after the response drains.
func (c *Connection) fail(code int) request.Status {
	c.keepAlive = false
	c.resolveServerAndLocation()
	if c.server != nil {
		if page, ok := c.server.ErrorPages[code]; ok {
			if body, rc := fileutil.ReadFile(resolvePath(c.server.Root, page)); rc == 0 {
				c.out = response.ErrorFile(code, body, false)
				return request.StatusError
			}
		}
	}
	c.out = response.Error(code, false)
	return request.StatusError
}

// Reset prepares the connection for the next request on a kept-alive
// socket. The socket itself is untouched.
func (c *Connection) Reset() {
	c.parser = request.New(c.cfg.ClientHeaderBufferSize, c.cfg.ClientMaxBodySize)
	c.out = nil
	c.server = nil
	c.location = nil
	c.keepAlive = true
	if c.cgi != nil {
		c.cgi.Close()
		c.cgi = nil
	}
}

// Close releases everything the connection owns: the CGI session, if any,
// and the client socket.
func (c *Connection) Close() {
	if c.cgi != nil {
		c.cgi.Close()
		c.cgi = nil
	}
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
}

// resolvePath joins a configured root with a request path without doubling
// or dropping the separating slash.
func resolvePath(root, path string) string {
	switch {
	case strings.HasSuffix(root, "/") && strings.HasPrefix(path, "/"):
		return root + path[1:]
	case !strings.HasSuffix(root, "/") && !strings.HasPrefix(path, "/"):
		return root + "/" + path
	}
	return root + path
}
