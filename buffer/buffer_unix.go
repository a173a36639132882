//go:build linux
// +build linux

package buffer

import (
	"sync"

	"golang.org/x/sys/unix"
)

// spillSize is the extra region handed to readv alongside the writable tail,
// so one system call can take more than the buffer currently holds.
const spillSize = 65536

// spillPool shares spill regions between buffers; a region is only held for
// the duration of one readv.
var spillPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, spillSize)
		return &buf
	},
}

// ReadFd reads from fd into the buffer with a single readv. Bytes that do not
// fit in the writable tail land in a spill region and are appended.
// On failure it returns the raw unix.Errno so callers can tell EAGAIN apart.
func (b *Buffer) ReadFd(fd int) (int, error) {
	sp := spillPool.Get().(*[]byte)
	defer spillPool.Put(sp)
	spill := *sp
	writable := b.WritableLen()

	iov := [][]byte{b.buf[b.writePos:], spill}
	n, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, err
	}

	if n <= writable {
		b.hasWritten(n)
	} else {
		b.writePos = len(b.buf)
		b.Append(spill[:n-writable])
	}
	return n, nil
}

// WriteFd writes the unread bytes to fd and advances the read cursor by the
// number of bytes accepted. A partial write leaves the rest for the next call.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, err
	}
	b.Retrieve(n)
	return n, nil
}
