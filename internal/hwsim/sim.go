// Package hwsim is a software model of the Emerald Hill block. It
// implements the register contract behind mmio.Block so the driver,
// its tests and the demo binary run without hardware. Compression
// completions are driven explicitly by the test harness; decompression
// commands complete inline unless stalled or failed on purpose.
package hwsim

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/caimito-aosp/go-eh/internal/constants"
	"github.com/caimito-aosp/go-eh/internal/mmio"
	"github.com/caimito-aosp/go-eh/internal/regs"
)

// DecompressMode controls how the model services decompression commands.
type DecompressMode int

const (
	// DecompressAuto completes each command inline with DECOMPRESSED.
	DecompressAuto DecompressMode = iota
	// DecompressStall leaves commands PENDING forever (timeout testing).
	DecompressStall
	// DecompressFail completes with ERROR and writes no output.
	DecompressFail
)

// Config tunes the modelled hardware. The feature counts default when
// zero; a negative value makes the model report zero, for probing
// broken hardware.
type Config struct {
	// DecompressSlots reported via HWFEATURES2; default 4.
	DecompressSlots int
	// MaxBuffers reported via HWFEATURES2; default 6.
	MaxBuffers int
	// FailReset makes the global-reset handshake never acknowledge.
	FailReset bool
}

// Engine is one modelled device instance.
type Engine struct {
	mu sync.Mutex

	store map[uint32]uint64 // plain register backing

	gctrl     uint64
	enable    uint64 // CDESC_CTRL enable bit
	errCond   uint64
	features2 uint64
	failReset bool

	fifoAddr  uint64
	fifoSize  int
	indexMask uint32
	colorMask uint32

	writeIndex    uint32 // color range, producer-written
	completeIndex uint32 // color range, advanced by Complete

	dmode  DecompressMode
	notify chan struct{}
}

// New builds a modelled engine.
func New(cfg Config) *Engine {
	slots := cfg.DecompressSlots
	switch {
	case slots < 0:
		slots = 0
	case slots == 0:
		slots = 4
	}
	maxBuf := cfg.MaxBuffers
	switch {
	case maxBuf < 0:
		maxBuf = 0
	case maxBuf == 0:
		maxBuf = regs.NumDestBuffers
	}
	return &Engine{
		store:     make(map[uint32]uint64),
		features2: uint64(slots)<<16 | uint64(maxBuf)<<8,
		failReset: cfg.FailReset,
		notify:    make(chan struct{}, 1),
	}
}

var _ mmio.Block = (*Engine)(nil)

// Notify returns the completion-event channel, signalled once per
// compression completion; the event-driven drain waiter blocks on it.
func (e *Engine) Notify() <-chan struct{} { return e.notify }

// SetDecompressMode switches decompression servicing behavior.
func (e *Engine) SetDecompressMode(m DecompressMode) {
	e.mu.Lock()
	e.dmode = m
	e.mu.Unlock()
}

// RaiseError latches a value into the error-condition register.
func (e *Engine) RaiseError(cond uint64) {
	e.mu.Lock()
	e.errCond = cond
	e.mu.Unlock()
}

// Read64 implements mmio.Block.
func (e *Engine) Read64(offset uint32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch offset {
	case regs.GCtrl:
		return e.gctrl
	case regs.HWFeatures2:
		return e.features2
	case regs.CDescCtrl:
		return e.enable | uint64(e.completeIndex)
	case regs.CDescWriteIndex:
		return uint64(e.writeIndex)
	case regs.ErrCond:
		return e.errCond
	default:
		return e.store[offset]
	}
}

// Write64 implements mmio.Block.
func (e *Engine) Write64(offset uint32, val uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch offset {
	case regs.GCtrl:
		if e.failReset {
			e.gctrl = val
		} else {
			// reset acknowledged immediately
			e.gctrl = 0
		}

	case regs.CDescCtrl:
		if val&(1<<regs.CtrlFIFOResetShift) != 0 {
			e.writeIndex = 0
			e.completeIndex = 0
		}
		e.enable = val & (1 << regs.CtrlCompressEnableShift)

	case regs.CDescLoc:
		e.fifoAddr = val &^ 0x3F
		e.fifoSize = 1 << (val & 0x3F)
		e.indexMask = uint32(e.fifoSize) - 1
		e.colorMask = uint32(e.fifoSize)<<1 - 1

	case regs.CDescWriteIndex:
		e.writeIndex = uint32(val) & e.colorMask

	case regs.IntrStatErr, regs.IntrStatCmp, regs.IntrStatDcmp:
		// write one to clear
		e.store[offset] &^= val

	default:
		e.store[offset] = val
		if e.isDcmdDest(offset) && regs.DcmdStatus(val) == regs.DcmdPending {
			e.runDecompress(offset, val)
		}
	}
}

func (e *Engine) isDcmdDest(offset uint32) bool {
	slots := regs.Features2DecompressSlots(e.features2)
	for i := 0; i < slots; i++ {
		if offset == regs.DcmdDest(i) {
			return true
		}
	}
	return false
}

// runDecompress services one command slot inline. Caller holds e.mu.
func (e *Engine) runDecompress(destOff uint32, destVal uint64) {
	slot := int((destOff - regs.DcmdDest(0)) / 0x40)

	if e.dmode == DecompressStall {
		return
	}

	status := regs.DcmdDecompressed
	if e.dmode == DecompressFail {
		status = regs.DcmdError
	} else {
		size := int(e.store[regs.DcmdCSize(slot)] >> regs.DcmdCSizeShift)
		srcAddr := e.store[regs.DcmdBuf(slot, 0)] & regs.DcmdAddrMask
		dstAddr := destVal & regs.DcmdAddrMask
		if size > 0 {
			src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(srcAddr))), size)
			dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dstAddr))), constants.PageSize)
			// model decompression as cyclic expansion of the input
			for i := range dst {
				dst[i] = src[i%size]
			}
		}
	}

	res := e.store[regs.DcmdRes(slot)]
	if res&regs.DcmdResRedirect != 0 {
		word := (*uint64)(unsafe.Pointer(uintptr(res & regs.DcmdAddrMask)))
		atomic.StoreUint64(word, uint64(status)<<regs.DcmdStatusShift)
	} else {
		e.store[destOff] = destVal&regs.DcmdAddrMask |
			uint64(status)<<regs.DcmdStatusShift
	}
}

// ErrNoPending is returned by Complete when every published descriptor
// has already been completed.
var ErrNoPending = errors.New("no pending descriptor")

// Complete finishes the oldest pending descriptor with the given
// status. For COMPRESSED and COPIED, payload is written into the
// selected destination buffer and its length becomes the compressed
// size. The hardware complete index advances afterwards and a
// completion event is signalled.
func (e *Engine) Complete(status regs.CompressStatus, payload []byte, bufferSelect int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.completeIndex == e.writeIndex {
		return ErrNoPending
	}

	masked := int(e.completeIndex & e.indexMask)
	fifo := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(e.fifoAddr))),
		e.fifoSize*regs.CompressDescSize)
	desc := regs.DescriptorAt(fifo, masked)

	size := 0
	switch status {
	case regs.CdescCompressed, regs.CdescCopied:
		size = len(payload)
		offset := 0
		if bufferSelect == 2 {
			offset = constants.PageSize / 2
		}
		dstAddr := desc.DestinationAddr(0) + uint64(offset)
		dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(dstAddr))), size)
		copy(dst, payload)
	}

	desc.SetCompressedLength(size)
	desc.SetBufferSelect(bufferSelect)
	desc.SetStatus(status)

	e.completeIndex = (e.completeIndex + 1) & e.colorMask

	select {
	case e.notify <- struct{}{}:
	default:
	}
	return nil
}

// PendingCount returns how many published descriptors await completion.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int((e.writeIndex - e.completeIndex) & e.colorMask)
}
