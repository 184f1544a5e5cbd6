package mmio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// InterruptSource delivers hardware interrupt events to the drain
// worker's event-driven waiter. The polling waiter does not need one.
type InterruptSource interface {
	// Wait blocks until at least one interrupt has fired since the last
	// call, returning the accumulated count.
	Wait() (uint32, error)

	// Close releases the source; a blocked Wait returns an error.
	Close() error
}

// uioSource reads interrupt counts from a UIO device node. Each read
// of the node blocks until an interrupt fires and returns the total
// interrupt count as a native-endian uint32.
type uioSource struct {
	fd int
}

// OpenUIO opens a UIO interrupt node, e.g. /dev/uio0.
func OpenUIO(path string) (InterruptSource, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Unmask the interrupt before the first wait.
	one := []byte{1, 0, 0, 0}
	if _, err := unix.Write(fd, one); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("unmask irq on %s: %w", path, err)
	}
	return &uioSource{fd: fd}, nil
}

func (s *uioSource) Wait() (uint32, error) {
	var buf [4]byte
	n, err := unix.Read(s.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 4 {
		return 0, fmt.Errorf("short irq read: %d bytes", n)
	}
	count := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	// Re-arm for the next event.
	one := []byte{1, 0, 0, 0}
	if _, err := unix.Write(s.fd, one); err != nil {
		return count, err
	}
	return count, nil
}

func (s *uioSource) Close() error {
	return unix.Close(s.fd)
}
