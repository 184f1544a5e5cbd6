package mmio

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/caimito-aosp/go-eh/internal/logging"
)

// mappedBlock is a Block over a live register window mapped from a
// memory device node. Register accesses are volatile: each one is a
// single aligned 64-bit atomic so the compiler cannot merge or elide
// them.
type mappedBlock struct {
	mem  []byte
	base uintptr
}

// Map opens the configured device node and maps the register window.
func Map(cfg Config) (*mappedBlock, func() error, error) {
	log := logging.Default()

	fd, err := unix.Open(cfg.Path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}

	mem, err := unix.Mmap(fd, cfg.PhysAddr, cfg.Size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("mmap %s+%#x: %w", cfg.Path, cfg.PhysAddr, err)
	}

	log.Debug("mapped register block", "path", cfg.Path, "size", cfg.Size)

	b := &mappedBlock{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
	}
	closer := func() error {
		err := unix.Munmap(mem)
		unix.Close(fd)
		return err
	}
	return b, closer, nil
}

func (b *mappedBlock) Read64(offset uint32) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(b.base + uintptr(offset))))
}

func (b *mappedBlock) Write64(offset uint32, val uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(b.base+uintptr(offset))), val)
}

var _ Block = (*mappedBlock)(nil)
