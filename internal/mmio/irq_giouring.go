//go:build giouring
// +build giouring

package mmio

import (
	"fmt"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// ringSource waits for UIO interrupt counts through io_uring, so the
// drain worker parks in the kernel instead of a blocking read on a
// dedicated thread.
type ringSource struct {
	ring *giouring.Ring
	fd   int
	buf  [4]byte
}

// OpenRingSource opens a UIO interrupt node and an io_uring to wait on it.
func OpenRingSource(path string) (InterruptSource, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	ring, err := giouring.CreateRing(4)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create ring: %w", err)
	}
	s := &ringSource{ring: ring, fd: fd}
	one := []byte{1, 0, 0, 0}
	if _, err := unix.Write(fd, one); err != nil {
		s.Close()
		return nil, fmt.Errorf("unmask irq on %s: %w", path, err)
	}
	return s, nil
}

func (s *ringSource) Wait() (uint32, error) {
	sqe := s.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("submission queue full")
	}
	sqe.PrepareRead(s.fd, uintptr(unsafe.Pointer(&s.buf[0])), 4, 0)
	if _, err := s.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("submit irq read: %w", err)
	}
	cqe, err := s.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("wait irq cqe: %w", err)
	}
	res := cqe.Res
	s.ring.CQESeen(cqe)
	if res < 0 {
		return 0, unix.Errno(-res)
	}
	if res != 4 {
		return 0, fmt.Errorf("short irq read: %d bytes", res)
	}
	count := uint32(s.buf[0]) | uint32(s.buf[1])<<8 | uint32(s.buf[2])<<16 | uint32(s.buf[3])<<24
	one := []byte{1, 0, 0, 0}
	if _, err := unix.Write(s.fd, one); err != nil {
		return count, err
	}
	return count, nil
}

func (s *ringSource) Close() error {
	s.ring.QueueExit()
	return unix.Close(s.fd)
}
