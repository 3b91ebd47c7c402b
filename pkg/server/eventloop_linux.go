//go:build linux

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"
)

// Poll slots 0 and 1 are always the listener and the wake pipe.
const (
	slotListener = 0
	slotWake     = 1
	slotClients  = 2
)

const hangupEvents = unix.POLLRDHUP | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL

// Accept retry delays after a failed accept, as net/http.Server does.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// pollLoop multiplexes the listener and every client socket on one
// goroutine. Clients are tracked by descriptor; poll results are matched
// back to clients through the descriptor they carry, never by position.
type pollLoop struct {
	listenFD int
	addr     *net.TCPAddr
	wake     [2]int

	registry *Registry
	resolver LocationResolver
	config   *ServerConfig
	metrics  *Metrics
	clock    clockwork.Clock
	logger   *slog.Logger

	// watched is owned by the loop goroutine until Run returns.
	watched map[int]*clientSocket
	pollfds []unix.PollFd

	// The listener is left out of the poll set until acceptResume after an
	// accept failure. Poll timeouts are real time, so these are too.
	acceptDelay  time.Duration
	acceptResume time.Time

	mu      sync.Mutex
	stopped bool
	closed  bool
}

func newPollLoop(s *Server) (*pollLoop, error) {
	lfd, addr, err := listenTCP(s.config.Port, s.config.Backlog)
	if err != nil {
		return nil, err
	}

	l := &pollLoop{
		listenFD: lfd,
		addr:     addr,
		registry: s.registry,
		resolver: s.resolver,
		config:   s.config,
		metrics:  s.metrics,
		clock:    s.clock,
		logger:   s.baseLogger.With("component", "event_loop"),
		watched:  make(map[int]*clientSocket),
	}
	if err := unix.Pipe2(l.wake[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(lfd)
		return nil, os.NewSyscallError("pipe2", err)
	}
	return l, nil
}

func (l *pollLoop) Addr() net.Addr {
	return l.addr
}

// Stop wakes Run and makes it return. Safe to call from any goroutine, any
// number of times.
func (l *pollLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.closed {
		return
	}
	l.stopped = true
	unix.Write(l.wake[1], []byte{1})
}

// Run serves until ctx is done or Stop is called. It returns nil on a
// requested stop and an error only if polling itself fails.
func (l *pollLoop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Stop)
	defer stop()

	for {
		fds, timeout := l.pollSet()
		if _, err := unix.Poll(fds, timeout); err != nil {
			if err == unix.EINTR {
				continue
			}
			return os.NewSyscallError("poll", err)
		}

		if fds[slotWake].Revents != 0 {
			return nil
		}

		for _, pfd := range fds[slotClients:] {
			if pfd.Revents&hangupEvents != 0 {
				l.closeClient(int(pfd.Fd), hangupReason(pfd.Revents))
			}
		}

		lev := fds[slotListener].Revents
		if lev&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("server: listener failed (revents %#x)", lev)
		}
		if lev&unix.POLLIN != 0 {
			l.acceptPending(ctx)
		}
	}
}

// pollSet rebuilds the descriptors to wait on and the poll timeout in
// milliseconds. A paused listener keeps its slot with a negative descriptor,
// which poll ignores.
func (l *pollLoop) pollSet() ([]unix.PollFd, int) {
	listenFD, timeout := int32(l.listenFD), -1
	if wait := time.Until(l.acceptResume); wait > 0 {
		listenFD = -1
		timeout = int((wait + time.Millisecond - 1) / time.Millisecond)
	}

	l.pollfds = l.pollfds[:0]
	l.pollfds = append(l.pollfds,
		unix.PollFd{Fd: listenFD, Events: unix.POLLIN},
		unix.PollFd{Fd: int32(l.wake[0]), Events: unix.POLLIN})
	for fd := range l.watched {
		l.pollfds = append(l.pollfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLRDHUP})
	}
	return l.pollfds, timeout
}

func hangupReason(revents int16) string {
	switch {
	case revents&unix.POLLNVAL != 0:
		return "invalid"
	case revents&unix.POLLERR != 0:
		return "error"
	default:
		return "hangup"
	}
}

// acceptPending drains the listener's queue.
func (l *pollLoop) acceptPending(ctx context.Context) {
	for {
		nfd, sa, err := unix.Accept4(l.listenFD, unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			}
			l.metrics.acceptError()
			l.pauseAccept(os.NewSyscallError("accept4", err))
			return
		}
		l.acceptDelay = 0
		l.admit(ctx, nfd, peerIP(sa))
		if ctx.Err() != nil {
			return
		}
	}
}

// pauseAccept backs off after a failed accept. Errors such as EMFILE leave
// the connection queued and the listener readable, so retrying at once
// would spin.
func (l *pollLoop) pauseAccept(err error) {
	if l.acceptDelay == 0 {
		l.acceptDelay = minAcceptDelay
	} else {
		l.acceptDelay = min(2*l.acceptDelay, maxAcceptDelay)
	}
	l.acceptResume = time.Now().Add(l.acceptDelay)
	l.logger.Error("accept failed", "error", err, "retry_in", l.acceptDelay)
}

// admit resolves and registers a freshly accepted client, or tells it why
// not and closes it.
func (l *pollLoop) admit(ctx context.Context, fd int, remote string) {
	logger := l.logger.With("handle", fd, "remote_addr", remote)

	if err := setSendTimeout(fd, l.config.SendTimeout); err != nil {
		logger.Warn("cannot set send timeout", "error", err)
	}

	if limit := l.config.MaxConnections; limit > 0 && l.registry.Len() >= limit {
		logger.Warn("connection rejected", "reason", RejectCapacity, "max_connections", limit)
		l.reject(fd, CapacityNotice, RejectCapacity)
		return
	}

	start := l.clock.Now()
	rctx, cancel := context.WithTimeout(ctx, l.config.ResolveTimeout)
	loc, err := l.resolver.Resolve(rctx, remote)
	cancel()
	l.metrics.observeResolve(l.clock.Since(start), err)
	if err != nil {
		logger.Warn("geolocation failed", "error", err)
		l.reject(fd, ResolveFailureNotice, RejectResolveFailed)
		return
	}

	sock, err := newClientSocket(fd)
	if err != nil {
		logger.Error("cannot wrap client socket", "error", err)
		unix.Close(fd)
		return
	}

	conn := Connection{
		Handle:      fd,
		ID:          uuid.NewString(),
		RemoteAddr:  remote,
		Location:    loc,
		ConnectedAt: l.clock.Now(),
		Socket:      sock,
	}
	if err := l.registry.Add(conn); err != nil {
		logger.Error("cannot register connection", "error", err)
		l.metrics.connectionRejected(RejectDuplicate)
		sock.Close()
		return
	}
	l.watched[fd] = sock
	l.metrics.connectionAccepted()

	logger.Info("connection started",
		"conn_id", conn.ID,
		"location", loc.String(),
		"active", l.registry.Len())
}

// reject makes a best-effort attempt to deliver notice, then closes fd.
func (l *pollLoop) reject(fd int, notice, reason string) {
	if _, err := sendAll(rawSocket(fd), []byte(notice)); err != nil {
		l.logger.Debug("notice not delivered", "handle", fd, "error", err)
	}
	unix.Close(fd)
	l.metrics.connectionRejected(reason)
}

// closeClient unregisters and closes a watched client. Unknown handles are
// ignored.
func (l *pollLoop) closeClient(fd int, reason string) {
	sock, ok := l.watched[fd]
	if !ok {
		return
	}
	delete(l.watched, fd)
	conn, _ := l.registry.Remove(fd)
	if err := sock.Close(); err != nil {
		l.logger.Debug("close failed", "handle", fd, "error", err)
	}
	l.metrics.connectionClosed()

	l.logger.Info("connection closed",
		"handle", fd,
		"conn_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
		"reason", reason,
		"duration", l.clock.Since(conn.ConnectedAt),
		"active", l.registry.Len())
}

// Close releases every client, the listener and the wake pipe. It must only
// be called after Run has returned.
func (l *pollLoop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	var errs []error
	for fd, sock := range l.watched {
		if err := sock.Close(); err != nil {
			errs = append(errs, NewConnError(fd, "close", err))
		}
		delete(l.watched, fd)
	}
	closed := l.registry.Clear()
	l.metrics.resetActive()

	if err := unix.Close(l.listenFD); err != nil {
		errs = append(errs, os.NewSyscallError("close", err))
	}
	unix.Close(l.wake[0])
	unix.Close(l.wake[1])

	l.logger.Info("event loop closed", "closed_connections", len(closed))
	return errors.Join(errs...)
}
