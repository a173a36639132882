//go:build linux
// +build linux

package node

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fzft/go-reactor-httpd/buffer"
	"github.com/fzft/go-reactor-httpd/http1"
	"github.com/fzft/go-reactor-httpd/store"
)

// ConnState is where a connection is in its request/response cycle.
type ConnState int

const (
	StateAccepted ConnState = iota
	StateReading
	StateProcessing
	StateWriting
	StateKeepAlive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "ACCEPTED"
	case StateReading:
		return "READING"
	case StateProcessing:
		return "PROCESSING"
	case StateWriting:
		return "WRITING"
	case StateKeepAlive:
		return "KEEP_ALIVE"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// ProcessResult tells the caller which readiness to wait for next.
type ProcessResult int

const (
	ProcessIncomplete ProcessResult = iota // need more bytes
	ProcessReady                           // response staged
)

// writeSpinLimit keeps a level-triggered connection writing in place while
// more than this many bytes remain.
const writeSpinLimit = 10240

// Conn is one accepted client. Only the goroutine currently handling its
// event touches the buffers and parse state; the lifecycle fields are
// guarded by mu because the loop and a worker can race on them.
type Conn struct {
	id     uint64
	fd     int
	addr   string
	et     bool
	srcDir string

	readBuf   *buffer.Buffer
	writeBuf  *buffer.Buffer
	req       *http1.Request
	resp      *http1.Response
	fileOff   int
	keepAlive bool
	state     ConnState

	mu       sync.Mutex
	inflight bool // a worker owns the connection
	expired  bool // idle timer fired while inflight
	closed   bool

	closeFd func(int) error
}

func newConn(id uint64, fd int, addr string, et bool, srcDir string, users store.UserStore) *Conn {
	return &Conn{
		id:       id,
		fd:       fd,
		addr:     addr,
		et:       et,
		srcDir:   srcDir,
		readBuf:  buffer.New(buffer.DefaultSize),
		writeBuf: buffer.New(buffer.DefaultSize),
		req:      http1.NewRequest(users),
		resp:     http1.NewResponse(),
		state:    StateAccepted,
		closeFd:  unix.Close,
	}
}

func (c *Conn) ID() uint64   { return c.id }
func (c *Conn) Fd() int      { return c.fd }
func (c *Conn) Addr() string { return c.addr }

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) IsKeepAlive() bool { return c.keepAlive }

// Read pulls bytes from the socket into the read buffer: until EAGAIN when
// edge-triggered, a single read otherwise. It returns the bytes read and the
// error that ended the read, io.EOF when the peer closed its side.
func (c *Conn) Read() (int, error) {
	c.setState(StateReading)
	total := 0
	for {
		n, err := c.readBuf.ReadFd(c.fd)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
		if !c.et {
			return total, nil
		}
	}
}

// Process parses one request from the read buffer and stages its response.
// An incomplete request is left in the buffer untouched. A malformed one is
// dropped and answered with 400 and Connection: close.
func (c *Conn) Process() ProcessResult {
	c.setState(StateProcessing)
	if c.readBuf.ReadableLen() == 0 {
		c.setState(StateReading)
		return ProcessIncomplete
	}

	status, err := c.req.Parse(c.readBuf)
	switch {
	case err != nil:
		c.readBuf.RetrieveAll()
		c.keepAlive = false
		c.resp.Init(c.srcDir, c.req.Path, false, 400)
	case status == http1.ParseIncomplete:
		c.setState(StateReading)
		return ProcessIncomplete
	default:
		c.keepAlive = c.req.IsKeepAlive()
		c.resp.Init(c.srcDir, c.req.Path, c.keepAlive, -1)
	}

	c.writeBuf.Reset()
	c.resp.Generate(c.writeBuf)
	c.fileOff = 0
	c.setState(StateWriting)
	return ProcessReady
}

// ToWriteBytes is what remains of the staged response.
func (c *Conn) ToWriteBytes() int {
	return c.writeBuf.ReadableLen() + c.resp.FileLen() - c.fileOff
}

// Write sends the response head and the mapped body with writev. It keeps
// going while edge-triggered or while a large tail remains, and stops at the
// first error, typically EAGAIN.
func (c *Conn) Write() (int, error) {
	c.setState(StateWriting)
	total := 0
	for c.ToWriteBytes() > 0 {
		n, err := unix.Writev(c.fd, c.iovecs())
		if err != nil {
			return total, err
		}
		total += n
		c.advance(n)
		if !c.et && c.ToWriteBytes() <= writeSpinLimit {
			break
		}
	}
	if c.ToWriteBytes() == 0 {
		c.resp.Unmap()
		c.fileOff = 0
		if c.keepAlive {
			c.setState(StateKeepAlive)
		}
	}
	return total, nil
}

func (c *Conn) iovecs() [][]byte {
	iov := make([][]byte, 0, 2)
	if head := c.writeBuf.Peek(); len(head) > 0 {
		iov = append(iov, head)
	}
	if file := c.resp.File(); c.fileOff < len(file) {
		iov = append(iov, file[c.fileOff:])
	}
	return iov
}

func (c *Conn) advance(n int) {
	head := c.writeBuf.ReadableLen()
	if n <= head {
		c.writeBuf.Retrieve(n)
		return
	}
	c.writeBuf.RetrieveAll()
	c.fileOff += n - head
}

// closeOnce releases the descriptor and the mapped body. Only the first call
// does anything; it reports whether this call closed the connection.
// It leaves the table entry, epoll registration and timer alone, so a
// connection owned by a Server must go through Server.closeConn.
func (c *Conn) closeOnce() bool {
	if !c.markClosed() {
		return false
	}
	c.release()
	return true
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.state = StateClosed
	return true
}

func (c *Conn) release() error {
	c.resp.Unmap()
	c.readBuf.Reset()
	c.writeBuf.Reset()
	c.fileOff = 0
	return c.closeFd(c.fd)
}
