//go:build linux
// +build linux

package node

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents  = unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
	closeEvents = unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	// connection fds are armed for exactly one event at a time
	connEvents = unix.EPOLLONESHOT | unix.EPOLLRDHUP
)

// PollEvent is one readiness notification returned by Wait.
type PollEvent struct {
	Fd     int
	Events uint32
}

func (e PollEvent) Readable() bool { return e.Events&readEvents != 0 }
func (e PollEvent) Writable() bool { return e.Events&writeEvents != 0 }

// Closed reports a peer hangup or socket error.
func (e PollEvent) Closed() bool { return e.Events&closeEvents != 0 }

// Poll is a wrapper around epoll. It keeps track of the fds registered to it.
// Add, Modify and Remove may be called from any goroutine; Wait must only be
// called from the event loop.
type Poll struct {
	epollFd int

	mu         sync.Mutex
	registered map[int]uint32

	events []unix.EpollEvent
	ready  []PollEvent
}

// NewPoll creates an epoll instance that reports at most maxEvents per Wait.
func NewPoll(maxEvents int) (*Poll, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poll{
		epollFd:    epfd,
		registered: make(map[int]uint32),
		events:     make([]unix.EpollEvent, maxEvents),
		ready:      make([]PollEvent, 0, maxEvents),
	}, nil
}

// Add registers fd for events. An fd that is already registered is modified
// instead.
func (p *Poll) Add(fd int, events uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.registered[fd]; ok {
		return p.modify(fd, events)
	}
	err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	p.registered[fd] = events
	return nil
}

// Modify replaces the interest set of a registered fd. It also re-arms a
// one-shot fd.
func (p *Poll) Modify(fd int, events uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modify(fd, events)
}

func (p *Poll) modify(fd int, events uint32) error {
	if _, ok := p.registered[fd]; !ok {
		return fmt.Errorf("modify fd %d: %w", fd, ErrNotRegistered)
	}
	err := unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	p.registered[fd] = events
	return nil
}

// Remove unregisters fd. Removing an unknown fd is a no-op.
func (p *Poll) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.registered[fd]; !ok {
		return nil
	}
	delete(p.registered, fd)
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

// Registered reports whether fd is currently in the interest set.
func (p *Poll) Registered(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.registered[fd]
	return ok
}

// Wait blocks for up to msec milliseconds (-1 forever, 0 not at all) and
// returns the ready fds. The slice is reused by the next call. An interrupted
// wait returns no events and no error.
func (p *Poll) Wait(msec int) ([]PollEvent, error) {
	n, err := unix.EpollWait(p.epollFd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, PollEvent{Fd: int(p.events[i].Fd), Events: p.events[i].Events})
	}
	return p.ready, nil
}

// Close releases the epoll instance. Registered fds are not closed.
func (p *Poll) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered = make(map[int]uint32)
	return os.NewSyscallError("close epoll", CloseFd(p.epollFd))
}
