package buffer

import "fmt"

// DefaultSize is the initial capacity of a connection buffer.
const DefaultSize = 1024

// Buffer is a growable byte container with separate read and write cursors.
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0       <=      readPos     <=     writePos     <=     len(buf)
//
// A Buffer is not safe for concurrent use. Each connection buffer is only
// touched by the goroutine currently handling that connection.
type Buffer struct {
	buf      []byte
	readPos  int
	writePos int
}

// New returns a buffer with the given initial capacity.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{buf: make([]byte, size)}
}

// WritableLen returns the free space after the write cursor.
func (b *Buffer) WritableLen() int {
	return len(b.buf) - b.writePos
}

// ReadableLen returns the number of unread bytes.
func (b *Buffer) ReadableLen() int {
	return b.writePos - b.readPos
}

// PrependableLen returns the already consumed prefix that can be reclaimed.
func (b *Buffer) PrependableLen() int {
	return b.readPos
}

// Cap returns the size of the backing array.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Peek returns the unread bytes without consuming them. The slice is only
// valid until the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readPos:b.writePos]
}

// Retrieve consumes n unread bytes.
func (b *Buffer) Retrieve(n int) {
	if n > b.ReadableLen() {
		panic(fmt.Sprintf("buffer: retrieve %d bytes, only %d readable", n, b.ReadableLen()))
	}
	if n == b.ReadableLen() {
		b.RetrieveAll()
		return
	}
	b.readPos += n
}

// RetrieveAll consumes every unread byte and rewinds both cursors.
func (b *Buffer) RetrieveAll() {
	b.readPos = 0
	b.writePos = 0
}

// Reset rewinds both cursors, keeping the backing array for reuse.
func (b *Buffer) Reset() {
	b.RetrieveAll()
}

// ReadAllAsString consumes and returns every unread byte.
func (b *Buffer) ReadAllAsString() string {
	s := string(b.Peek())
	b.RetrieveAll()
	return s
}

// Append copies p after the write cursor, growing the buffer if needed.
func (b *Buffer) Append(p []byte) {
	b.EnsureWritable(len(p))
	n := copy(b.buf[b.writePos:], p)
	b.writePos += n
}

// AppendString is Append for strings.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	n := copy(b.buf[b.writePos:], s)
	b.writePos += n
}

// EnsureWritable makes room for at least n bytes after the write cursor.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableLen() < n {
		b.makeSpace(n)
	}
}

// makeSpace reallocates when the reclaimable prefix plus the tail cannot hold
// n bytes, and compacts unread bytes to offset 0 otherwise.
func (b *Buffer) makeSpace(n int) {
	if b.WritableLen()+b.PrependableLen() < n {
		grown := make([]byte, b.writePos+n+1)
		copy(grown, b.buf[:b.writePos])
		b.buf = grown
		return
	}
	readable := b.ReadableLen()
	copy(b.buf, b.buf[b.readPos:b.writePos])
	b.readPos = 0
	b.writePos = readable
}

// hasWritten advances the write cursor after bytes were placed directly into
// the writable tail.
func (b *Buffer) hasWritten(n int) {
	if n > b.WritableLen() {
		panic(fmt.Sprintf("buffer: advance %d bytes, only %d writable", n, b.WritableLen()))
	}
	b.writePos += n
}
