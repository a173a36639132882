//go:build linux
// +build linux

package node

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-reactor-httpd/config"
	"github.com/fzft/go-reactor-httpd/pool"
	"github.com/fzft/go-reactor-httpd/store"
	"github.com/fzft/go-reactor-httpd/timer"
)

const (
	listenBacklog = 128
	maxEvents     = 1024
	busyMessage   = "Server busy!"
)

type pipeSignal uint64

const (
	SignalStop pipeSignal = 1
)

// Server is the reactor: one goroutine waits on epoll, accepts clients and
// hands readable or writable connections to the worker pool. Workers re-arm
// the one-shot fd when they are done, or close the connection.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	users  store.UserStore

	listenFd    int
	efd         int
	addr        *net.TCPAddr
	listenEvent uint32
	connEvent   uint32

	poll   *Poll
	timers *timer.Heap
	pool   *pool.Pool

	mu    sync.Mutex
	conns map[int]*Conn

	userCount atomic.Int64
	nextID    atomic.Uint64
	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewServer binds the listening socket and prepares epoll, the wake-up
// eventfd, the timer heap and the worker pool. Nothing is served until Run.
func NewServer(cfg *config.Config, logger *zap.Logger, users store.UserStore) (s *Server, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		users = store.NewMemoryStore()
	}

	s = &Server{
		cfg:      cfg,
		logger:   logger,
		users:    users,
		listenFd: -1,
		efd:      -1,
		timers:   timer.New(),
		conns:    make(map[int]*Conn),
	}
	s.initEventMode()

	// release whatever was created if a later step fails
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.closeResources())
			s = nil
		}
	}()

	if s.poll, err = NewPoll(maxEvents); err != nil {
		return s, err
	}
	if err = s.listen(); err != nil {
		return s, err
	}
	if s.efd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		return s, os.NewSyscallError("eventfd", err)
	}
	if err = s.poll.Add(s.efd, readEvents); err != nil {
		return s, err
	}
	if err = s.poll.Add(s.listenFd, s.listenEvent); err != nil {
		return s, err
	}
	if s.pool, err = pool.New(cfg.Workers, cfg.QueueSize, logger.Named("pool")); err != nil {
		return s, err
	}
	return s, nil
}

func (s *Server) initEventMode() {
	s.listenEvent = readEvents | unix.EPOLLRDHUP
	s.connEvent = connEvents
	if s.cfg.ListenET() {
		s.listenEvent |= unix.EPOLLET
	}
	if s.cfg.ConnET() {
		s.connEvent |= unix.EPOLLET
	}
}

func (s *Server) listen() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return os.NewSyscallError("socket", err)
	}
	s.listenFd = fd

	linger := &unix.Linger{}
	if s.cfg.Linger {
		// flush pending data for up to a second on close
		linger.Onoff, linger.Linger = 1, 1
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); err != nil {
		return os.NewSyscallError("setsockopt SO_LINGER", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.cfg.Port}); err != nil {
		return os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return os.NewSyscallError("listen", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return os.NewSyscallError("getsockname", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		s.addr = &net.TCPAddr{IP: net.IPv4(in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3]), Port: in4.Port}
	}
	return nil
}

// Addr is the bound listening address.
func (s *Server) Addr() *net.TCPAddr {
	return s.addr
}

// Conns is the number of live connections.
func (s *Server) Conns() int {
	return int(s.userCount.Load())
}

// Run serves until ctx is done or Stop is called, then drains the worker
// pool and releases every descriptor. It can only be called once.
func (s *Server) Run(ctx context.Context) error {
	if s.closed.Load() || !s.running.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.Stop()
	})
	defer stop()

	s.logger.Info("server start",
		zap.Stringer("addr", s.addr),
		zap.Bool("listen_et", s.cfg.ListenET()),
		zap.Bool("conn_et", s.cfg.ConnET()),
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout),
		zap.String("resources", s.cfg.ResourceDir),
	)

	err := s.loop()
	if errors.Is(err, ErrSignalStopped) {
		err = nil
	}
	s.logger.Info("server stop")
	return multierr.Append(err, s.Close())
}

func (s *Server) loop() error {
	for {
		timeout := -1
		if s.cfg.IdleTimeout > 0 {
			timeout = s.timers.NextTick()
		}

		events, err := s.poll.Wait(timeout)
		if err != nil {
			s.logger.Error("epoll wait error", zap.Error(err))
			return err
		}

		for _, ev := range events {
			if err := s.processEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (s *Server) processEvent(ev PollEvent) error {
	switch ev.Fd {
	case s.efd:
		return s.handleSignal()
	case s.listenFd:
		s.acceptAll()
		return nil
	}

	c := s.lookup(ev.Fd)
	if c == nil {
		s.logger.Warn("event for unknown fd", zap.Int("fd", ev.Fd))
		_ = s.poll.Remove(ev.Fd)
		return nil
	}

	switch {
	case ev.Closed():
		s.closeConn(c)
	case ev.Readable():
		s.extendTime(c)
		s.dispatch(c, s.onRead)
	case ev.Writable():
		s.extendTime(c)
		s.dispatch(c, s.onWrite)
	default:
		s.logger.Error("unexpected event", zap.Int("fd", ev.Fd), zap.Uint32("events", ev.Events))
	}
	return nil
}

// Stop wakes the event loop and makes Run return.
func (s *Server) Stop() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	return s.sendSignal(SignalStop)
}

func (s *Server) handleSignal() error {
	var buf uint64
	if _, err := unix.Read(s.efd, (*(*[8]byte)(unsafe.Pointer(&buf)))[:]); err != nil {
		if IsTemporaryError(err) {
			return nil
		}
		s.logger.Error("failed to read from event fd", zap.Error(err))
		return nil
	}
	// eventfd sums concurrent writes
	if pipeSignal(buf) >= SignalStop {
		return ErrSignalStopped
	}
	return nil
}

func (s *Server) sendSignal(sig pipeSignal) error {
	_, err := unix.Write(s.efd, (*(*[8]byte)(unsafe.Pointer(&sig)))[:])
	if err != nil {
		s.logger.Error("failed to write to event fd", zap.Error(err))
	}
	return err
}

func (s *Server) acceptAll() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !IsTemporaryError(err) {
				s.logger.Error("accept error", zap.Error(err))
			}
			return
		}
		if s.userCount.Load() >= int64(s.cfg.MaxConns) {
			s.sendBusy(fd)
		} else {
			s.addConn(fd, sockaddrString(sa))
		}
		// edge-triggered listener: drain the whole backlog, busy or not
		if !s.cfg.ListenET() {
			return
		}
	}
}

func (s *Server) sendBusy(fd int) {
	if _, err := unix.Write(fd, []byte(busyMessage)); err != nil {
		s.logger.Debug("busy reply failed", zap.Int("fd", fd), zap.Error(err))
	}
	_ = unix.Close(fd)
	s.logger.Warn("clients is full", zap.Int("max_conns", s.cfg.MaxConns))
}

func (s *Server) addConn(fd int, addr string) {
	c := newConn(s.nextID.Add(1), fd, addr, s.cfg.ConnET(), s.cfg.ResourceDir, s.users)

	s.mu.Lock()
	_, stale := s.conns[fd]
	s.conns[fd] = c
	s.mu.Unlock()
	invariant(s.logger, !stale, "stale connection for reused fd", zap.Int("fd", fd))
	s.userCount.Add(1)

	if s.cfg.IdleTimeout > 0 {
		id := c.id
		err := s.timers.Add(id, s.cfg.IdleTimeout, func() { s.expire(fd, id) })
		invariant(s.logger, err == nil, "duplicate connection timer", zap.Uint64("id", c.id), zap.Error(err))
	}
	if err := s.poll.Add(fd, readEvents|s.connEvent); err != nil {
		s.logger.Error("register connection failed", zap.Int("fd", fd), zap.Error(err))
		s.closeConn(c)
		return
	}
	s.logger.Debug("client in", zap.Int("fd", fd), zap.String("addr", addr), zap.Int64("users", s.userCount.Load()))
}

func (s *Server) lookup(fd int) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[fd]
}

func (s *Server) extendTime(c *Conn) {
	if s.cfg.IdleTimeout > 0 {
		_ = s.timers.Update(c.id, s.cfg.IdleTimeout)
	}
}

// dispatch hands c to a worker. The fd stays disarmed until the task re-arms
// it, so no other event for c arrives meanwhile.
func (s *Server) dispatch(c *Conn, task func(*Conn)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.inflight = true
	c.mu.Unlock()

	err := s.pool.Submit(func() { task(c) }, s.cfg.SubmitTimeout)
	if err != nil {
		s.logger.Warn("submit task failed", zap.Int("fd", c.fd), zap.Error(err))
		c.mu.Lock()
		c.inflight = false
		c.mu.Unlock()
		s.closeConn(c)
	}
}

func (s *Server) onRead(c *Conn) {
	_, err := c.Read()
	if err != nil && !IsTemporaryError(err) {
		s.logger.Debug("read end", zap.Int("fd", c.fd), zap.Error(err))
		s.finish(c)
		return
	}
	s.onProcess(c)
}

func (s *Server) onProcess(c *Conn) {
	if c.Process() == ProcessReady {
		s.rearm(c, writeEvents)
		return
	}
	s.rearm(c, readEvents)
}

func (s *Server) onWrite(c *Conn) {
	_, err := c.Write()
	switch {
	case c.ToWriteBytes() == 0:
		if c.IsKeepAlive() {
			s.onProcess(c)
			return
		}
	case err == nil || IsTemporaryError(err):
		// socket buffer full: wait for the next writable event
		s.rearm(c, writeEvents)
		return
	default:
		s.logger.Debug("write error", zap.Int("fd", c.fd), zap.Error(err))
	}
	s.finish(c)
}

// rearm ends a worker's turn by waiting for the next event on c. A timer that
// fired during the turn wins and the connection is closed instead.
func (s *Server) rearm(c *Conn, events uint32) {
	c.mu.Lock()
	c.inflight = false
	if c.closed || c.expired {
		c.mu.Unlock()
		s.closeConn(c)
		return
	}
	err := s.poll.Modify(c.fd, events|s.connEvent)
	c.mu.Unlock()

	if err != nil {
		s.logger.Error("rearm failed", zap.Int("fd", c.fd), zap.Error(err))
		s.closeConn(c)
	}
}

// finish ends a worker's turn by closing c.
func (s *Server) finish(c *Conn) {
	c.mu.Lock()
	c.inflight = false
	c.mu.Unlock()
	s.closeConn(c)
}

// expire runs on the loop when the idle timer of connection id fires. The
// entry is looked up again so a timer never outlives its connection.
func (s *Server) expire(fd int, id uint64) {
	c := s.lookup(fd)
	if c == nil || c.id != id {
		return
	}
	c.mu.Lock()
	if c.inflight {
		c.expired = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	s.logger.Debug("client idle timeout", zap.Int("fd", c.fd))
	s.closeConn(c)
}

// closeConn tears c down: the table entry, epoll registration and timer go
// first and the fd is closed last, so a reused descriptor number never meets
// a stale entry.
func (s *Server) closeConn(c *Conn) {
	if !c.markClosed() {
		return
	}

	s.mu.Lock()
	cur, ok := s.conns[c.fd]
	if ok && cur == c {
		delete(s.conns, c.fd)
	}
	s.mu.Unlock()
	invariant(s.logger, ok && cur == c, "closing unknown connection", zap.Int("fd", c.fd), zap.Uint64("id", c.id))

	if err := s.poll.Remove(c.fd); err != nil {
		s.logger.Debug("failed to delete connection from epoll", zap.Int("fd", c.fd), zap.Error(err))
	}
	s.timers.Remove(c.id)
	if err := c.release(); err != nil {
		s.logger.Debug("failed to close connection", zap.Int("fd", c.fd), zap.Error(err))
	}
	s.userCount.Add(-1)
	s.logger.Debug("client quit", zap.Int("fd", c.fd), zap.String("addr", c.addr), zap.Int64("users", s.userCount.Load()))
}

// Close releases the server without running it, or after Run has returned.
// Order: worker pool (drained), connections, listener, eventfd, epoll.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.pool != nil {
			s.pool.Close()
			st := s.pool.Stats()
			s.logger.Info("worker pool drained",
				zap.Uint64("submitted", st.Submitted),
				zap.Uint64("completed", st.Completed),
				zap.Uint64("rejected", st.Rejected),
				zap.Uint64("panicked", st.Panicked),
			)
		}

		s.mu.Lock()
		conns := make([]*Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			s.closeConn(c)
		}
		s.timers.Clear()

		s.closeErr = s.closeResources()
	})
	return s.closeErr
}

func (s *Server) closeResources() error {
	var err error
	if s.poll != nil {
		if s.efd >= 0 {
			err = multierr.Append(err, s.poll.Remove(s.efd))
		}
		if s.listenFd >= 0 {
			err = multierr.Append(err, s.poll.Remove(s.listenFd))
		}
	}
	if s.efd >= 0 {
		err = multierr.Append(err, os.NewSyscallError("close eventfd", CloseFd(s.efd)))
	}
	if s.listenFd >= 0 {
		err = multierr.Append(err, os.NewSyscallError("close listener", CloseFd(s.listenFd)))
	}
	if s.poll != nil {
		err = multierr.Append(err, s.poll.Close())
	}
	return err
}
