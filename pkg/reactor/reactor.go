// Package reactor drives the event loop: one epoll instance multiplexing
// listening sockets, client connections, and CGI pipe pairs, all on a
// single thread. The reactor's maps are indexes, not owners; sockets belong
// to their Connection and pipes to their CGI session.
package reactor

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Talkashi1111/Webserver/pkg/config"
	"github.com/Talkashi1111/Webserver/pkg/conn"
	"github.com/Talkashi1111/Webserver/pkg/logging"
	"github.com/Talkashi1111/Webserver/pkg/request"
)

const (
	// maxEvents bounds one epoll_wait batch.
	maxEvents = 64
	// readBufSize is the per-read scratch buffer for client sockets.
	readBufSize = 64 * 1024
	// pollInterval bounds one epoll_wait so the loop can observe the run
	// flag and sweep idle connections even when no fd fires.
	pollInterval = time.Second
	// shutdownGrace is how long terminating children get between SIGTERM
	// and SIGKILL.
	shutdownGrace = 500 * time.Millisecond
)

type endpoint struct {
	host string
	port string
}

// Reactor owns the epoll instance and the fd and child-PID indexes.
type Reactor struct {
	log logging.Logger
	cfg *config.Global

	epfd      int
	listeners map[int]endpoint
	conns     map[int]*conn.Connection
	pipes     map[int]*conn.Connection
	cgiPids   map[int]struct{}

	running atomic.Bool
	events  []unix.EpollEvent
	buf     []byte
}

// New returns a reactor for the given configuration. Call Setup before Run.
func New(cfg *config.Global, log logging.Logger) *Reactor {
	r := &Reactor{
		log:       log,
		cfg:       cfg,
		epfd:      -1,
		listeners: make(map[int]endpoint),
		conns:     make(map[int]*conn.Connection),
		pipes:     make(map[int]*conn.Connection),
		cgiPids:   make(map[int]struct{}),
		events:    make([]unix.EpollEvent, maxEvents),
		buf:       make([]byte, readBufSize),
	}
	r.running.Store(true)
	return r
}

// Setup binds the listening sockets and creates the epoll instance.
func (r *Reactor) Setup() error {
	if err := r.setupListeners(); err != nil {
		return err
	}
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		r.closeListeners()
		return err
	}
	r.epfd = epfd
	for fd := range r.listeners {
		if err := r.add(fd, unix.EPOLLIN); err != nil {
			r.Close()
			return err
		}
	}
	return nil
}

// Stop asks the loop to exit after its current iteration. Safe to call from
// the signal watcher.
func (r *Reactor) Stop() {
	r.running.Store(false)
}

// Run executes the event loop until Stop is called. Each iteration waits
// for readiness, sweeps idle connections, dispatches events by fd role, and
// reaps finished children.
func (r *Reactor) Run() error {
	for r.running.Load() {
		n, err := unix.EpollWait(r.epfd, r.events, int(pollInterval.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		r.closeExpired()
		for i := 0; i < n; i++ {
			r.dispatch(r.events[i].Fd, r.events[i].Events)
		}
		r.reapChildren()
	}
	return nil
}

// dispatch routes one event by the fd's role. The priority order mirrors
// the readiness semantics: readable input first, then writability, then
// hangups and errors.
func (r *Reactor) dispatch(fd32 int32, events uint32) {
	fd := int(fd32)
	switch {
	case events&unix.EPOLLIN != 0:
		if _, ok := r.listeners[fd]; ok {
			r.acceptClient(fd)
		} else if _, ok := r.conns[fd]; ok {
			r.clientReadable(fd)
		} else if _, ok := r.pipes[fd]; ok {
			r.cgiReadable(fd)
		} else {
			r.log.Warnf("epoll: readable event for unknown fd %d", fd)
		}
	case events&unix.EPOLLOUT != 0:
		if _, ok := r.conns[fd]; ok {
			r.clientWritable(fd)
		} else if _, ok := r.pipes[fd]; ok {
			r.cgiWritable(fd)
		} else {
			r.log.Warnf("epoll: writable event for unknown fd %d", fd)
		}
	case events&unix.EPOLLHUP != 0:
		if _, ok := r.conns[fd]; ok {
			r.log.Debugf("epoll: hangup on client fd %d", fd)
			r.closeConnection(fd)
		} else if cn, ok := r.pipes[fd]; ok {
			r.cgiHangup(fd, cn)
		} else if _, ok := r.listeners[fd]; !ok {
			r.log.Warnf("epoll: hangup for unknown fd %d", fd)
		}
	case events&unix.EPOLLERR != 0:
		r.log.Warnf("epoll: error event on fd %d", fd)
		if cn, ok := r.pipes[fd]; ok {
			r.cgiHangup(fd, cn)
		} else if _, ok := r.conns[fd]; ok {
			r.closeConnection(fd)
		}
	}
}

// acceptClient takes one pending connection off a listener.
func (r *Reactor) acceptClient(listener int) {
	nfd, sa, err := unix.Accept(listener)
	if err != nil {
		if err != unix.EAGAIN {
			r.log.Warnf("accept: %v", err)
		}
		return
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return
	}
	if err := r.add(nfd, unix.EPOLLIN); err != nil {
		_ = unix.Close(nfd)
		return
	}
	ep := r.listeners[listener]
	remoteHost, remotePort := sockaddrHostPort(sa)
	r.conns[nfd] = conn.New(nfd, ep.host, ep.port, remoteHost, remotePort, r.cfg, r.log)
	r.log.Debugf("new connection %s:%s -> %s:%s socket %d", remoteHost, remotePort, ep.host, ep.port, nfd)
}

// clientReadable pulls bytes off a client socket and advances its request.
func (r *Reactor) clientReadable(fd int) {
	n, err := unix.Read(fd, r.buf)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		r.log.Debugf("recv on fd %d: %v", fd, err)
		r.closeConnection(fd)
		return
	}
	if n == 0 {
		r.log.Debugf("socket %d hung up", fd)
		r.closeConnection(fd)
		return
	}

	cn := r.conns[fd]
	switch cn.HandleRecv(r.buf[:n]) {
	case request.StatusDone, request.StatusError:
		// Response staged; switch interest to writability.
		if err := r.mod(fd, unix.EPOLLOUT); err != nil {
			r.closeConnection(fd)
		}
	case request.StatusCgiProcessing:
		r.armCgi(fd, cn)
	}
}

// armCgi moves a connection into CGI mode: the client socket leaves the
// epoll set and the session's two pipes join it.
func (r *Reactor) armCgi(fd int, cn *conn.Connection) {
	sess := cn.Cgi()
	r.cgiPids[sess.Pid()] = struct{}{}
	if err := r.del(fd); err != nil {
		r.closeConnection(fd)
		return
	}
	if err := r.add(sess.StdinFd(), unix.EPOLLOUT); err != nil {
		r.closeConnection(fd)
		return
	}
	r.pipes[sess.StdinFd()] = cn
	if err := r.add(sess.StdoutFd(), unix.EPOLLIN); err != nil {
		r.closeConnection(fd)
		return
	}
	r.pipes[sess.StdoutFd()] = cn
}

// clientWritable drains the staged response into the socket.
func (r *Reactor) clientWritable(fd int) {
	cn := r.conns[fd]
	out := cn.Response()
	n, err := unix.Write(fd, out)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		r.log.Debugf("send on fd %d: %v", fd, err)
		r.closeConnection(fd)
		return
	}
	cn.Touch()
	cn.Consume(n)
	if len(cn.Response()) != 0 {
		return
	}
	if cn.KeepAlive() {
		if err := r.mod(fd, unix.EPOLLIN); err != nil {
			r.closeConnection(fd)
			return
		}
		cn.Reset()
	} else {
		r.closeConnection(fd)
	}
}

// cgiWritable feeds request-body bytes into the child's stdin pipe.
func (r *Reactor) cgiWritable(fd int) {
	cn := r.pipes[fd]
	switch cn.WriteCgiBody() {
	case request.StatusDone:
		// The session closed the pipe after the final write, which also
		// removed it from the epoll set.
		delete(r.pipes, fd)
	case request.StatusError:
		r.finishCgi(fd, cn)
	}
}

// cgiReadable accumulates child output; EOF finalises the exchange.
func (r *Reactor) cgiReadable(fd int) {
	cn := r.pipes[fd]
	switch cn.ReadCgiOutput() {
	case request.StatusDone, request.StatusError:
		r.finishCgi(fd, cn)
	}
}

// cgiHangup handles EPOLLHUP on a pipe: on the stdout end the child is done
// and the output finalises; on the stdin end the child died before taking
// the body, which surfaces as a gateway error.
func (r *Reactor) cgiHangup(fd int, cn *conn.Connection) {
	sess := cn.Cgi()
	if sess != nil && fd == sess.StdoutFd() {
		cn.FinalizeCgi()
		r.finishCgi(fd, cn)
		return
	}
	// Hangup on the stdin end: the child went away before taking the body.
	cn.AbortCgi()
	r.finishCgi(fd, cn)
}

// finishCgi retires both pipes and re-arms the client socket for the
// response write. Called with the response (success or error) staged.
func (r *Reactor) finishCgi(fd int, cn *conn.Connection) {
	delete(r.pipes, fd)
	sess := cn.Cgi()
	if sess != nil {
		if inFd := sess.StdinFd(); inFd >= 0 {
			delete(r.pipes, inFd)
			_ = r.del(inFd)
			sess.CloseStdin()
		}
		if outFd := sess.StdoutFd(); outFd >= 0 {
			delete(r.pipes, outFd)
			_ = r.del(outFd)
			sess.CloseStdout()
		}
	}
	if sess != nil && sess.Reap() {
		delete(r.cgiPids, sess.Pid())
	}
	if err := r.add(cn.Fd(), unix.EPOLLOUT); err != nil {
		r.closeConnection(cn.Fd())
	}
}

// closeConnection tears down a client connection and everything it owns.
func (r *Reactor) closeConnection(fd int) {
	cn, ok := r.conns[fd]
	if !ok {
		return
	}
	_ = r.del(fd)
	sess := cn.Cgi()
	if sess != nil {
		if inFd := sess.StdinFd(); inFd >= 0 {
			delete(r.pipes, inFd)
			_ = r.del(inFd)
		}
		if outFd := sess.StdoutFd(); outFd >= 0 {
			delete(r.pipes, outFd)
			_ = r.del(outFd)
		}
	}
	cn.Close()
	if sess != nil && sess.Reap() {
		delete(r.cgiPids, sess.Pid())
	}
	delete(r.conns, fd)
}

// closeExpired sweeps connections idle past the configured client timeout.
// Responses in flight are discarded; the close is silent.
func (r *Reactor) closeExpired() {
	now := time.Now()
	var expired []int
	for fd, cn := range r.conns {
		if now.Sub(cn.LastActivity()) > r.cfg.ClientTimeout {
			expired = append(expired, fd)
		}
	}
	for _, fd := range expired {
		r.log.Infof("connection timeout on fd %d", fd)
		r.closeConnection(fd)
	}
}

// reapChildren collects every dead child without blocking and drops it from
// the PID index.
func (r *Reactor) reapChildren() {
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		delete(r.cgiPids, pid)
	}
}

// Close tears the reactor down: every connection, every listener, the epoll
// fd, and finally the remaining children with a SIGTERM, a bounded grace
// period, and a SIGKILL for survivors.
func (r *Reactor) Close() {
	for fd := range r.conns {
		r.closeConnection(fd)
	}
	r.closeListeners()
	if r.epfd >= 0 {
		_ = unix.Close(r.epfd)
		r.epfd = -1
	}
	r.terminateChildren()
}

func (r *Reactor) closeListeners() {
	for fd := range r.listeners {
		_ = unix.Close(fd)
		delete(r.listeners, fd)
	}
}

// terminateChildren sends SIGTERM to every live child, waits up to
// shutdownGrace for them to exit, SIGKILLs the rest, and runs a final reap
// sweep.
func (r *Reactor) terminateChildren() {
	if len(r.cgiPids) == 0 {
		return
	}
	for pid := range r.cgiPids {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			r.log.Debugf("kill SIGTERM %d: %v", pid, err)
		}
	}
	deadline := time.Now().Add(shutdownGrace)
	for len(r.cgiPids) > 0 && time.Now().Before(deadline) {
		r.reapChildren()
		if len(r.cgiPids) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	for pid := range r.cgiPids {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
			r.log.Debugf("kill SIGKILL %d: %v", pid, err)
		}
	}
	r.reapChildren()
}

func (r *Reactor) add(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (r *Reactor) mod(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

func (r *Reactor) del(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}
