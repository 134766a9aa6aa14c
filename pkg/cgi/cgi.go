// Package cgi runs one child process per dynamic request and speaks the
// CGI/1.1 gateway protocol with it: request metadata through the
// environment, the request body through the child's stdin, and the response
// through its stdout.
package cgi

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Talkashi1111/Webserver/pkg/logging"
	"github.com/Talkashi1111/Webserver/pkg/request"
	"github.com/Talkashi1111/Webserver/pkg/response"
)

// readChunk is the size of one read from the child's stdout pipe.
const readChunk = 64 * 1024

// errSessionClosed is returned when I/O is attempted on a torn-down session.
var errSessionClosed = errors.New("cgi session closed")

// Session owns one CGI child process and the two pipes wired to it. The
// owning connection drives it from reactor events; nothing here blocks.
type Session struct {
	log logging.Logger

	pid      int
	stdinFd  int
	stdoutFd int

	body       []byte
	bodyOffset int

	rawOut []byte
	outCap int64

	reaped bool
}

// Start validates the interpreter and script, wires the pipes, and spawns
// the child. On failure the returned error is a StatusError carrying the
// HTTP status to answer.
func Start(log logging.Logger, req *request.Parser, interpreter, script, localPort, remoteHost, uploadDir string, outCap int64) (*Session, error) {
	if err := accessCheck(interpreter, unix.X_OK); err != nil {
		return nil, err
	}
	if err := accessCheck(script, unix.R_OK); err != nil {
		return nil, err
	}

	// Close-on-exec keeps the child from inheriting the parent's pipe ends;
	// only the ends placed on its stdin and stdout survive the exec, so the
	// child sees EOF on stdin once the parent closes the write end.
	var pipeIn, pipeOut [2]int
	if err := unix.Pipe2(pipeIn[:], unix.O_CLOEXEC); err != nil {
		return nil, response.NewStatusError(500)
	}
	if err := unix.Pipe2(pipeOut[:], unix.O_CLOEXEC); err != nil {
		closeFds(pipeIn[0], pipeIn[1])
		return nil, response.NewStatusError(500)
	}
	// Only the parent ends are non-blocking; the child keeps ordinary
	// blocking stdio.
	if err := unix.SetNonblock(pipeIn[1], true); err != nil {
		closeFds(pipeIn[0], pipeIn[1], pipeOut[0], pipeOut[1])
		return nil, response.NewStatusError(500)
	}
	if err := unix.SetNonblock(pipeOut[0], true); err != nil {
		closeFds(pipeIn[0], pipeIn[1], pipeOut[0], pipeOut[1])
		return nil, response.NewStatusError(500)
	}

	env := buildEnv(req, script, localPort, remoteHost, uploadDir)
	pid, err := syscall.ForkExec(interpreter, []string{interpreter, script}, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{uintptr(pipeIn[0]), uintptr(pipeOut[1]), 2},
	})
	if err != nil {
		log.Errorf("fork/exec %s: %v", interpreter, err)
		closeFds(pipeIn[0], pipeIn[1], pipeOut[0], pipeOut[1])
		return nil, response.NewStatusError(500)
	}
	closeFds(pipeIn[0], pipeOut[1])

	log.Debugf("started cgi child %d: %s %s", pid, interpreter, script)
	return &Session{
		log:      log,
		pid:      pid,
		stdinFd:  pipeIn[1],
		stdoutFd: pipeOut[0],
		body:     req.Body(),
		outCap:   outCap,
	}, nil
}

// accessCheck maps access(2) failures to HTTP statuses: a missing path is
// 404, a permission problem 403, anything else 500.
func accessCheck(path string, mode uint32) error {
	err := unix.Access(path, mode)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOENT):
		return response.NewStatusError(404)
	case errors.Is(err, unix.EACCES):
		return response.NewStatusError(403)
	}
	return response.NewStatusError(500)
}

func closeFds(fds ...int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// Pid returns the child process ID.
func (s *Session) Pid() int { return s.pid }

// StdinFd returns the parent end of the child's stdin pipe, or -1 once
// closed.
func (s *Session) StdinFd() int { return s.stdinFd }

// StdoutFd returns the parent end of the child's stdout pipe, or -1 once
// closed.
func (s *Session) StdoutFd() int { return s.stdoutFd }

// WriteBody writes the next slice of the request body into the child's
// stdin. It reports done when the whole body has been delivered, at which
// point the pipe is closed so the child sees EOF. A full pipe is not an
// error; the reactor will call again on the next writable event.
func (s *Session) WriteBody() (bool, error) {
	if s.stdinFd < 0 {
		return true, nil
	}
	if s.bodyOffset >= len(s.body) {
		s.CloseStdin()
		return true, nil
	}
	n, err := unix.Write(s.stdinFd, s.body[s.bodyOffset:])
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, err
	}
	s.bodyOffset += n
	if s.bodyOffset >= len(s.body) {
		s.CloseStdin()
		return true, nil
	}
	return false, nil
}

// CloseStdin closes the write pipe, signalling end of body to the child.
func (s *Session) CloseStdin() {
	if s.stdinFd >= 0 {
		_ = unix.Close(s.stdinFd)
		s.stdinFd = -1
	}
}

// ReadOutput appends one chunk of child output to the accumulated response.
// It reports eof once the child closes its stdout. Output beyond the body
// cap is a 413.
func (s *Session) ReadOutput() (bool, error) {
	if s.stdoutFd < 0 {
		return false, errSessionClosed
	}
	buf := make([]byte, readChunk)
	n, err := unix.Read(s.stdoutFd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	if int64(len(s.rawOut)+n) > s.outCap {
		return false, response.NewStatusError(413)
	}
	s.rawOut = append(s.rawOut, buf[:n]...)
	return false, nil
}

// CloseStdout closes the read pipe.
func (s *Session) CloseStdout() {
	if s.stdoutFd >= 0 {
		_ = unix.Close(s.stdoutFd)
		s.stdoutFd = -1
	}
}

// Finalize parses the accumulated CGI output and builds the client-facing
// response. The output must contain a header terminator and a Content-Type
// header; otherwise the gateway answers 502.
func (s *Session) Finalize(keepAlive bool) ([]byte, error) {
	if len(s.rawOut) == 0 {
		return nil, response.NewStatusError(502)
	}
	boundary := bytes.Index(s.rawOut, []byte("\r\n\r\n"))
	if boundary < 0 {
		return nil, response.NewStatusError(502)
	}
	headerBlock := s.rawOut[:boundary]
	body := s.rawOut[boundary+4:]

	code := 200
	hasContentType := false
	var headers []response.Header
	for _, line := range strings.Split(string(headerBlock), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := line[:colon]
		value := strings.TrimLeft(line[colon+1:], " \t")
		switch strings.ToLower(name) {
		case "status":
			// Take the numeric prefix of e.g. "404 Not Found".
			numeric := value
			if sp := strings.IndexByte(value, ' '); sp >= 0 {
				numeric = value[:sp]
			}
			if n, err := strconv.Atoi(numeric); err == nil {
				code = n
			}
		case "content-length":
			// Dropped; the server recomputes it from the actual body.
		default:
			if strings.EqualFold(name, "content-type") {
				hasContentType = true
			}
			headers = append(headers, response.Header{Name: name, Value: value})
		}
	}
	if !hasContentType {
		return nil, response.NewStatusError(502)
	}
	return response.Gateway(code, headers, body, keepAlive), nil
}

// Reap collects the child's exit status without blocking. It reports
// whether the child is gone.
func (s *Session) Reap() bool {
	if s.reaped || s.pid <= 0 {
		return true
	}
	var status unix.WaitStatus
	pid, err := unix.Wait4(s.pid, &status, unix.WNOHANG, nil)
	if err != nil || pid == s.pid {
		s.reaped = true
		if pid == s.pid && status.Exited() && status.ExitStatus() != 0 {
			s.log.Debugf("cgi child %d exited with status %d", s.pid, status.ExitStatus())
		}
		return true
	}
	return false
}

// Close tears the session down: both pipes are closed and, if the child has
// not been reaped, it is sent SIGTERM and then SIGKILL if it refuses to
// die. A child that still lingers is left to the reactor's global reap
// sweep.
func (s *Session) Close() {
	s.CloseStdin()
	s.CloseStdout()
	if s.reaped || s.pid <= 0 {
		return
	}
	if err := unix.Kill(s.pid, unix.SIGTERM); err != nil {
		if err != unix.ESRCH {
			s.log.Debugf("kill SIGTERM %d: %v", s.pid, err)
		}
		s.reaped = true
		return
	}
	for i := 0; i < 3; i++ {
		if s.Reap() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = unix.Kill(s.pid, unix.SIGKILL)
	s.Reap()
}
