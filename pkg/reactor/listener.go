package reactor

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// setupListeners binds one non-blocking listening socket per unique
// configured endpoint. A wildcard bind on a port covers every specific
// address on that port, so those are skipped.
func (r *Reactor) setupListeners() error {
	wildcardPorts := make(map[string]bool)
	for key := range r.cfg.Servers {
		if key.Host == "0.0.0.0" || key.Host == "::" {
			wildcardPorts[key.Port] = true
		}
	}

	bound := make(map[endpoint]bool)
	for key := range r.cfg.Servers {
		ep := endpoint{host: key.Host, port: key.Port}
		if bound[ep] {
			continue
		}
		if wildcardPorts[ep.port] && ep.host != "0.0.0.0" && ep.host != "::" {
			continue
		}
		fd, err := listenTCP(ep.host, ep.port)
		if err != nil {
			r.closeListeners()
			return err
		}
		r.listeners[fd] = ep
		bound[ep] = true
		r.log.Infof("listening on %s:%s", ep.host, ep.port)
	}
	if len(r.listeners) == 0 {
		return fmt.Errorf("no listening endpoints configured")
	}
	return nil
}

// listenTCP opens a non-blocking listening socket on host:port.
func listenTCP(host, port string) (int, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return -1, fmt.Errorf("listen %s:%s: invalid address", host, port)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return -1, fmt.Errorf("listen %s:%s: invalid port", host, port)
	}

	family := unix.AF_INET
	if ip.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket(%s:%s): %w", host, port, err)
	}
	// Best effort; a failed SO_REUSEADDR only hurts quick restarts.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: portNum}
		copy(sa4.Addr[:], ip.To4())
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: portNum}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind(%s:%s): %w", host, port, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking %s:%s: %w", host, port, err)
	}
	if err := unix.Listen(fd, 10); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen(%s:%s): %w", host, port, err)
	}
	return fd, nil
}

// sockaddrHostPort renders a peer address for logging and CGI metadata.
func sockaddrHostPort(sa unix.Sockaddr) (string, string) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port)
	}
	return "", ""
}
