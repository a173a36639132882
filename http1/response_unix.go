//go:build linux
// +build linux

package http1

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps the target read-only. An empty file maps nothing and reports
// size 0.
func (r *Response) mapFile() (int64, error) {
	f, err := os.Open(r.fullPath())
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, unix.EISDIR
	}
	if info.Size() == 0 {
		return 0, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return 0, err
	}
	r.file = data
	return info.Size(), nil
}

// Unmap releases the mapped body, if any.
func (r *Response) Unmap() {
	if r.file != nil {
		_ = unix.Munmap(r.file)
		r.file = nil
	}
}
