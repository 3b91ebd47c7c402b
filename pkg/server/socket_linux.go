//go:build linux

package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// listenTCP opens a non-blocking listening socket on every interface.
// A dual-stack IPv6 socket is preferred; plain IPv4 is the fallback.
func listenTCP(port string, backlog int) (int, *net.TCPAddr, error) {
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return -1, nil, fmt.Errorf("%w %q: %v", ErrInvalidPort, port, err)
	}

	candidates := []struct {
		family int
		sa     unix.Sockaddr
	}{
		{unix.AF_INET6, &unix.SockaddrInet6{Port: p}},
		{unix.AF_INET, &unix.SockaddrInet4{Port: p}},
	}

	var errs []error
	for _, c := range candidates {
		fd, err := bindCandidate(c.family, c.sa, backlog)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addr, err := localAddr(fd)
		if err != nil {
			unix.Close(fd)
			errs = append(errs, err)
			continue
		}
		return fd, addr, nil
	}
	return -1, nil, fmt.Errorf("%w on port %s: %w", ErrBind, port, errors.Join(errs...))
}

func bindCandidate(family int, sa unix.Sockaddr, backlog int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt", err)
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

func localAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}, nil
	}
	return nil, fmt.Errorf("server: unexpected socket address %T", sa)
}

// peerIP renders the peer address without port, unmapping IPv4-in-IPv6.
func peerIP(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(a.Addr).String()
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(a.Addr).Unmap().String()
	}
	return ""
}

func setSendTimeout(fd int, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return os.NewSyscallError("setsockopt", unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv))
}

// sendmsg performs one send without raising SIGPIPE. EINTR is retried and a
// send timeout is reported as ErrWriteTimeout.
func sendmsg(fd int, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWriteTimeout
		default:
			return 0, os.NewSyscallError("sendmsg", err)
		}
	}
}

// rawSocket sends on a descriptor the caller still owns outright. It is only
// used before a client is handed to the registry.
type rawSocket int

func (s rawSocket) Send(p []byte) (int, error) {
	return sendmsg(int(s), p)
}

// clientSocket is a registered client. The descriptor is held by an
// *os.File so that a close racing with a broadcast send waits for the send
// to finish and the number cannot be reused underneath it.
type clientSocket struct {
	fd   int
	file *os.File
	raw  syscall.RawConn
}

func newClientSocket(fd int) (*clientSocket, error) {
	f := os.NewFile(uintptr(fd), "tcp-client")
	if f == nil {
		return nil, fmt.Errorf("server: invalid descriptor %d", fd)
	}
	raw, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &clientSocket{fd: fd, file: f, raw: raw}, nil
}

// Send implements Sender.
func (s *clientSocket) Send(p []byte) (int, error) {
	var (
		n    int
		serr error
	)
	err := s.raw.Write(func(fd uintptr) bool {
		n, serr = sendmsg(int(fd), p)
		return true
	})
	if err != nil {
		return 0, err
	}
	return n, serr
}

// Close releases the descriptor once no send is in flight.
func (s *clientSocket) Close() error {
	return s.file.Close()
}
