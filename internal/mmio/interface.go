// Package mmio provides access to the engine's memory-mapped register
// block plus the pinned, page-aligned buffers shared with hardware.
package mmio

// Block is the read/write primitive over a mapped register block. It
// carries no state of its own; register side effects belong to the
// device behind it.
type Block interface {
	// Read64 returns the value of the register at the given byte offset.
	Read64(offset uint32) uint64

	// Write64 stores a value to the register at the given byte offset.
	Write64(offset uint32, val uint64)
}

// Config describes a physical register block to map.
type Config struct {
	// Path of the device exposing the block, e.g. /dev/mem or a UIO
	// map node.
	Path string

	// PhysAddr is the physical base of the register block. Ignored for
	// UIO nodes, which map from offset zero.
	PhysAddr int64

	// Size of the mapping in bytes.
	Size int
}
