package mmio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/caimito-aosp/go-eh/internal/logging"
)

// AllocPages returns n pages of page-aligned memory suitable for
// sharing with the engine, locked resident when the environment
// permits. mmap guarantees alignment, which a plain make() does not.
func AllocPages(n int) ([]byte, error) {
	size := n * unix.Getpagesize()
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d pages: %w", n, err)
	}
	// RLIMIT_MEMLOCK can forbid locking in constrained environments;
	// the mapping still works, so degraded beats fatal here.
	if err := unix.Mlock(buf); err != nil {
		logging.Default().Warn("mlock failed, pages may not stay resident",
			"pages", n, "error", err.Error())
	}
	return buf, nil
}

// FreePages releases a buffer from AllocPages. Nil is a no-op.
func FreePages(buf []byte) error {
	if buf == nil {
		return nil
	}
	unix.Munlock(buf)
	return unix.Munmap(buf)
}

// BufferAddr returns the address of a buffer's first byte, in the form
// programmed into hardware registers and descriptors.
func BufferAddr(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}
