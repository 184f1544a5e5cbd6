// Package regs defines the Emerald Hill register map and descriptor
// layout. Offsets, bit widths and encodings are a hardware contract;
// nothing here may change without a matching hardware revision.
package regs

import "math/bits"

// All registers are 64 bits wide at 8-byte offsets.

// Global block
const (
	HWID         uint32 = 0x000
	HWFeatures   uint32 = 0x008
	HWFeatures2  uint32 = 0x010
	GCtrl        uint32 = 0x018
	IntrMaskErr  uint32 = 0x020
	IntrStatErr  uint32 = 0x028
	IntrMaskCmp  uint32 = 0x030
	IntrStatCmp  uint32 = 0x038
	IntrMaskDcmp uint32 = 0x040
	IntrStatDcmp uint32 = 0x048
	ErrCond      uint32 = 0x050
	ErrMask      uint32 = 0x058
)

// Compression block
const (
	CDescLoc        uint32 = 0x080
	CDescWriteIndex uint32 = 0x088
	CDescCtrl       uint32 = 0x090
	CInterpTimer    uint32 = 0x098
	CInterpCtrl     uint32 = 0x0A0
)

// Vendor block (diagnostics only)
const (
	BusCfg    uint32 = 0x300
	VendorEnd uint32 = 0x318
)

// CDescCtrl fields
const (
	// CtrlCompleteIndexMask covers the hardware complete index, carried
	// in the doubled color range of the ring.
	CtrlCompleteIndexMask uint64 = 0xFFFF

	CtrlCompressEnableShift = 16
	CtrlFIFOResetShift      = 17
)

// HWFeatures2 fields
const (
	features2DecompressSlotShift = 16
	features2MaxBufferShift      = 8
	features2FieldMask           = 0xFF
)

// Features2DecompressSlots extracts the decompression command-slot count.
func Features2DecompressSlots(v uint64) int {
	return int((v >> features2DecompressSlotShift) & features2FieldMask)
}

// Features2MaxBuffers extracts the per-descriptor destination buffer limit.
func Features2MaxBuffers(v uint64) int {
	return int((v >> features2MaxBufferShift) & features2FieldMask)
}

// Decompression command slots: one register set per slot.
const (
	dcmdBase   uint32 = 0x100
	dcmdStride uint32 = 0x40
)

// DcmdCSize returns the compressed-size register offset for a slot.
func DcmdCSize(slot int) uint32 { return dcmdBase + uint32(slot)*dcmdStride }

// DcmdDest returns the destination register offset for a slot. The
// destination register carries the output physical address in its low
// bits and the command status in its high bits; writing it with the
// PENDING status kicks off the command.
func DcmdDest(slot int) uint32 { return dcmdBase + uint32(slot)*dcmdStride + 0x08 }

// DcmdRes returns the result-redirect register offset for a slot. Bit
// 63 set redirects status reporting to the memory word whose address
// occupies the low bits.
func DcmdRes(slot int) uint32 { return dcmdBase + uint32(slot)*dcmdStride + 0x10 }

// DcmdBuf returns the offset of source-buffer register n (0..3) for a slot.
func DcmdBuf(slot, n int) uint32 {
	return dcmdBase + uint32(slot)*dcmdStride + 0x18 + uint32(n)*8
}

// Decompression register encodings
const (
	// DcmdCSizeShift positions the compressed byte count in the CSIZE register.
	DcmdCSizeShift = 4

	// DcmdStatusShift positions the command status in the DEST register
	// and in the redirected status word.
	DcmdStatusShift = 56

	// DcmdStatusMask extracts the status field after shifting.
	DcmdStatusMask uint64 = 0x7

	// DcmdBufSizeShift positions the source-buffer alignment class in a
	// BUFn register.
	DcmdBufSizeShift = 56

	// DcmdAddrMask covers the address bits of DEST and BUFn registers.
	DcmdAddrMask uint64 = (1 << 56) - 1

	// DcmdResRedirect enables memory-resident status reporting.
	DcmdResRedirect uint64 = 1 << 63
)

// DcmdStatus extracts the command status from a DEST register value or
// a redirected status word.
func DcmdStatus(v uint64) DecompressStatus {
	return DecompressStatus((v >> DcmdStatusShift) & DcmdStatusMask)
}

// EncodeDcmdBuffer packs a source buffer address and its alignment into
// a BUFn register value. The alignment class is log2(align)-5, so 64
// bytes encodes as 1 and a full page as 7.
func EncodeDcmdBuffer(addr uint64, align uint64) uint64 {
	class := uint64(bits.TrailingZeros64(align) - 5)
	return (addr & DcmdAddrMask) | class<<DcmdBufSizeShift
}

// EncodeCDescLoc packs the FIFO base address and its log2 capacity into
// the CDESC_LOC register. Descriptors are 64-byte aligned, leaving the
// low six bits free for the size field.
func EncodeCDescLoc(addr uint64, fifoSize int) uint64 {
	return addr | uint64(bits.TrailingZeros(uint(fifoSize)))
}

// CompressStatus is the software-visible state of a compression descriptor.
type CompressStatus uint8

const (
	CdescIdle          CompressStatus = 0
	CdescCompressed    CompressStatus = 1
	CdescCopied        CompressStatus = 2
	CdescAbort         CompressStatus = 3
	CdescZero          CompressStatus = 4
	CdescErrorContinue CompressStatus = 5
	CdescErrorHalted   CompressStatus = 6
	CdescPending       CompressStatus = 7
)

func (s CompressStatus) String() string {
	switch s {
	case CdescIdle:
		return "IDLE"
	case CdescCompressed:
		return "COMPRESSED"
	case CdescCopied:
		return "COPIED"
	case CdescAbort:
		return "ABORT"
	case CdescZero:
		return "ZERO"
	case CdescErrorContinue:
		return "ERROR_CONTINUE"
	case CdescErrorHalted:
		return "ERROR_HALTED"
	case CdescPending:
		return "PENDING"
	}
	return "UNKNOWN"
}

// DecompressStatus is the state of a decompression command slot.
type DecompressStatus uint8

const (
	DcmdIdle         DecompressStatus = 0
	DcmdDecompressed DecompressStatus = 1
	DcmdError        DecompressStatus = 2
	DcmdPending      DecompressStatus = 7
)

func (s DecompressStatus) String() string {
	switch s {
	case DcmdIdle:
		return "IDLE"
	case DcmdDecompressed:
		return "DECOMPRESSED"
	case DcmdError:
		return "ERROR"
	case DcmdPending:
		return "PENDING"
	}
	return "UNKNOWN"
}
