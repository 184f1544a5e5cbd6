package regs

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// CompressDescriptor is one 64-byte hardware compression descriptor.
// Layout (little-endian 64-bit words):
//
//	word0: status [2:0], hash-enable [3], max-buffer-count [5:4],
//	       source page-frame address [63:12]
//	word1: compressed length [15:0], buffer select [19:16]
//	word2..word7: up to six encoded destination buffers
//	       (size class log2(size)-6 in [5:0], address in [63:6])
//
// A descriptor is owned by hardware from the moment its status goes
// PENDING until the status leaves PENDING; software must not touch any
// field in between. Word0 is therefore accessed with atomic loads and
// stores so the status handoff is ordered against the payload words.
type CompressDescriptor struct {
	Ctl uint64
	Len uint64
	Dst [NumDestBuffers]uint64
}

// NumDestBuffers is the number of destination buffer words per descriptor.
const NumDestBuffers = 6

// Size of one descriptor; must match the hardware stride exactly.
const CompressDescSize = 64

var _ [CompressDescSize]byte = [unsafe.Sizeof(CompressDescriptor{})]byte{}

const (
	ctlStatusMask   uint64 = 0x7
	ctlHashEnable   uint64 = 1 << 3
	ctlMaxBufShift         = 4
	ctlMaxBufMask   uint64 = 0x3 << ctlMaxBufShift
	ctlSrcAddrMask  uint64 = ^uint64(0xFFF)
	lenLengthMask   uint64 = 0xFFFF
	lenBufSelShift         = 16
	lenBufSelMask   uint64 = 0xF << lenBufSelShift
	dstSizeMask     uint64 = 0x3F
	dstAddrMask     uint64 = ^dstSizeMask
	dstSizeClassOff        = 6
)

// DescriptorAt returns the descriptor at index idx in a FIFO memory
// block. The block must be 64-byte aligned.
func DescriptorAt(fifo []byte, idx int) *CompressDescriptor {
	return (*CompressDescriptor)(unsafe.Pointer(&fifo[idx*CompressDescSize]))
}

// Status reads the descriptor status with acquire semantics, so the
// payload words written by hardware before the status transition are
// visible afterwards.
func (d *CompressDescriptor) Status() CompressStatus {
	return CompressStatus(atomic.LoadUint64(&d.Ctl) & ctlStatusMask)
}

// SetStatus stores a new status, preserving the rest of word0. Release
// semantics publish all prior descriptor writes to the other side of
// the ownership handoff.
func (d *CompressDescriptor) SetStatus(s CompressStatus) {
	v := atomic.LoadUint64(&d.Ctl)
	atomic.StoreUint64(&d.Ctl, (v&^ctlStatusMask)|uint64(s))
}

// SetSource installs the source page address, preserving the control
// bits in the low word0 bits. The address must be page aligned.
func (d *CompressDescriptor) SetSource(addr uint64) {
	v := atomic.LoadUint64(&d.Ctl)
	atomic.StoreUint64(&d.Ctl, (v&^ctlSrcAddrMask)|(addr&ctlSrcAddrMask))
}

// Source returns the source page address.
func (d *CompressDescriptor) Source() uint64 {
	return atomic.LoadUint64(&d.Ctl) & ctlSrcAddrMask
}

// SetMaxBuffers sets the number of destination buffers hardware may use.
func (d *CompressDescriptor) SetMaxBuffers(n int) {
	v := atomic.LoadUint64(&d.Ctl)
	atomic.StoreUint64(&d.Ctl, (v&^ctlMaxBufMask)|uint64(n)<<ctlMaxBufShift)
}

// MaxBuffers returns the destination buffer limit.
func (d *CompressDescriptor) MaxBuffers() int {
	return int((atomic.LoadUint64(&d.Ctl) & ctlMaxBufMask) >> ctlMaxBufShift)
}

// CompressedLength returns the output byte count reported by hardware.
func (d *CompressDescriptor) CompressedLength() int {
	return int(d.Len & lenLengthMask)
}

// SetCompressedLength records the output byte count (hardware side).
func (d *CompressDescriptor) SetCompressedLength(n int) {
	d.Len = (d.Len &^ lenLengthMask) | uint64(n)&lenLengthMask
}

// BufferSelect returns which destination buffer holds the output.
func (d *CompressDescriptor) BufferSelect() int {
	return int((d.Len & lenBufSelMask) >> lenBufSelShift)
}

// SetBufferSelect records the destination buffer choice (hardware side).
func (d *CompressDescriptor) SetBufferSelect(n int) {
	d.Len = (d.Len &^ lenBufSelMask) | uint64(n)<<lenBufSelShift
}

// SetDestination programs destination buffer n with an address and a
// power-of-two size. Addresses must be at least 64-byte aligned.
func (d *CompressDescriptor) SetDestination(n int, addr uint64, size int) {
	class := uint64(bits.TrailingZeros(uint(size)) - dstSizeClassOff)
	d.Dst[n] = (addr & dstAddrMask) | class
}

// ClearDestination marks destination buffer n unused.
func (d *CompressDescriptor) ClearDestination(n int) {
	d.Dst[n] = 0
}

// DestinationAddr decodes the address of destination buffer n.
func (d *CompressDescriptor) DestinationAddr(n int) uint64 {
	return d.Dst[n] & dstAddrMask
}

// DestinationSize decodes the byte size of destination buffer n.
func (d *CompressDescriptor) DestinationSize(n int) int {
	return 1 << (d.Dst[n]&dstSizeMask + dstSizeClassOff)
}

// Words returns the raw descriptor words for diagnostic dumps.
func (d *CompressDescriptor) Words() [8]uint64 {
	return [8]uint64{
		atomic.LoadUint64(&d.Ctl), d.Len,
		d.Dst[0], d.Dst[1], d.Dst[2], d.Dst[3], d.Dst[4], d.Dst[5],
	}
}
