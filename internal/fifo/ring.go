// Package fifo implements the compression descriptor ring shared with
// the engine: slot reservation and publication on the producer side,
// and completion reconciliation on the consumer side.
package fifo

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/caimito-aosp/go-eh/internal/constants"
	"github.com/caimito-aosp/go-eh/internal/logging"
	"github.com/caimito-aosp/go-eh/internal/mmio"
	"github.com/caimito-aosp/go-eh/internal/regs"
)

// ErrSuspended is returned when a page is submitted while the device
// is suspended. Lifecycle coordination is supposed to prevent this, so
// it is logged loudly as a programming error.
var ErrSuspended = errors.New("device suspended")

// Callback delivers one retired descriptor to the client. data points
// into the slot's output buffer and is only valid for the duration of
// the call; it is nil for ZERO, ABORT and error statuses.
type Callback func(status regs.CompressStatus, data []byte, size int, priv any)

// Observer receives per-descriptor accounting from the consumer side.
type Observer interface {
	ObserveCompress(status regs.CompressStatus, size int, latencyNs int64)
	ObserveCongestion()
}

type nopObserver struct{}

func (nopObserver) ObserveCompress(regs.CompressStatus, int, int64) {}
func (nopObserver) ObserveCongestion()                              {}

// completion is the software-side metadata for one ring slot: the
// caller context handed back at retire time plus the submission
// timestamp for latency accounting.
type completion struct {
	priv     any
	submitNs int64
}

// Config describes a ring to build.
type Config struct {
	Block mmio.Block

	// Size is the ring capacity; power of two, at most MaxFIFOSize.
	Size int

	// SplitDestination selects the 3KB two-buffer output layout (2KB +
	// 1KB per page) instead of one full-page buffer per slot.
	SplitDestination bool

	// Suspended is the device-wide suspend flag, checked under the
	// producer lock.
	Suspended *atomic.Bool

	Callback Callback
	Logger   *logging.Logger
	Observer Observer
}

// Ring is the compression FIFO. The producer lock covers the write
// index, the congestion check and the per-slot descriptor writes; it
// is never held across hardware polling. The drain worker is the only
// writer of the complete index.
type Ring struct {
	mu    sync.Mutex // producer lock
	block mmio.Block
	log   *logging.Logger
	obs   Observer

	size      uint32
	indexMask uint32
	colorMask uint32

	writeIndex    uint32        // producer, color range, under mu
	completeIndex atomic.Uint32 // consumer, color range, drain worker only

	fifoMem []byte // descriptor array, hardware-shared
	bufMem  []byte // output buffers, one page per slot

	completions []completion
	callback    Callback
	suspended   *atomic.Bool

	pending atomic.Int64
	kick    chan struct{}

	// congestion broadcast: waiters pick up the current channel under
	// waitMu and block on it; the consumer closes it to wake everyone.
	waitMu  sync.Mutex
	waitCh  chan struct{}
	waiters atomic.Int32
}

// NewRing allocates the descriptor array, the per-slot output buffers
// and the completion metadata, and pre-initializes every descriptor's
// constant fields. It does not touch hardware; call Init for that.
func NewRing(cfg Config) (*Ring, error) {
	if cfg.Size == 0 || bits.OnesCount(uint(cfg.Size)) != 1 || cfg.Size > constants.MaxFIFOSize {
		return nil, fmt.Errorf("invalid fifo size %d", cfg.Size)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	descBytes := cfg.Size * constants.CompressDescSize
	pageSize := constants.PageSize
	fifoMem, err := mmio.AllocPages((descBytes + pageSize - 1) / pageSize)
	if err != nil {
		return nil, fmt.Errorf("alloc fifo: %w", err)
	}
	bufMem, err := mmio.AllocPages(cfg.Size)
	if err != nil {
		mmio.FreePages(fifoMem)
		return nil, fmt.Errorf("alloc output buffers: %w", err)
	}

	r := &Ring{
		block:       cfg.Block,
		log:         log,
		obs:         obs,
		size:        uint32(cfg.Size),
		indexMask:   uint32(cfg.Size) - 1,
		colorMask:   uint32(cfg.Size)<<1 - 1,
		fifoMem:     fifoMem[:descBytes],
		bufMem:      bufMem,
		completions: make([]completion, cfg.Size),
		callback:    cfg.Callback,
		suspended:   cfg.Suspended,
		kick:        make(chan struct{}, 1),
		waitCh:      make(chan struct{}),
	}
	r.initDescriptors(cfg.SplitDestination)
	return r, nil
}

// initDescriptors writes the constant descriptor fields once. Only the
// source address and status toggle per submission afterwards, which
// keeps the submit fast path down to two word writes.
func (r *Ring) initDescriptors(split bool) {
	for i := 0; i < int(r.size); i++ {
		desc := r.descriptor(uint32(i))
		dst := mmio.BufferAddr(r.outBuf(uint32(i)))
		if split {
			// buffer 0: top 2KB of the output page, buffer 1: next 1KB.
			// Pages that don't compress below 3KB are aborted by hardware.
			desc.SetMaxBuffers(2)
			desc.SetDestination(0, dst, constants.PageSize/2)
			desc.SetDestination(1, dst+constants.PageSize/2, constants.PageSize/4)
		} else {
			desc.SetMaxBuffers(1)
			desc.SetDestination(0, dst, constants.PageSize)
			desc.ClearDestination(1)
		}
		for j := 2; j < regs.NumDestBuffers; j++ {
			desc.ClearDestination(j)
		}
	}
}

func (r *Ring) descriptor(masked uint32) *regs.CompressDescriptor {
	return regs.DescriptorAt(r.fifoMem, int(masked))
}

func (r *Ring) outBuf(masked uint32) []byte {
	off := int(masked) * constants.PageSize
	return r.bufMem[off : off+constants.PageSize]
}

// Init performs the hardware FIFO handshake: request a FIFO reset,
// spin until hardware acknowledges, zero the software indices, program
// the FIFO location and size, and enable compression.
func (r *Ring) Init() {
	r.block.Write64(regs.CDescCtrl, 1<<regs.CtrlFIFOResetShift)
	for {
		time.Sleep(constants.FIFOResetPollInterval)
		if r.block.Read64(regs.CDescCtrl)&(1<<regs.CtrlFIFOResetShift) == 0 {
			break
		}
	}

	r.writeIndex = 0
	r.completeIndex.Store(0)

	loc := regs.EncodeCDescLoc(mmio.BufferAddr(r.fifoMem), int(r.size))
	r.block.Write64(regs.CDescLoc, loc)

	r.block.Write64(regs.CDescCtrl, 1<<regs.CtrlCompressEnableShift)
}

// Size returns the ring capacity.
func (r *Ring) Size() int { return int(r.size) }

// Pending returns the number of submitted pages not yet retired.
func (r *Ring) Pending() int64 { return r.pending.Load() }

// Kick returns the channel signalled when new work is submitted.
func (r *Ring) Kick() <-chan struct{} { return r.kick }

// Lock acquires the producer lock; used by suspend to quiesce the ring.
func (r *Ring) Lock() { r.mu.Lock() }

// Unlock releases the producer lock.
func (r *Ring) Unlock() { r.mu.Unlock() }

// WriteIndex returns the producer index in the color range.
func (r *Ring) WriteIndex() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeIndex
}

// CompleteIndex returns software's complete index in the color range.
func (r *Ring) CompleteIndex() uint32 {
	return r.completeIndex.Load()
}

// Submit reserves a slot, programs the descriptor and publishes the
// new write index to hardware. When the ring is saturated the caller
// yields and sleeps until a completion wakes it, then retries; this is
// the only retry loop in the driver.
func (r *Ring) Submit(page []byte, priv any) error {
	srcAddr := mmio.BufferAddr(page)
	for {
		r.mu.Lock()

		if r.suspended.Load() {
			r.mu.Unlock()
			r.log.Error("compress request while suspended")
			return ErrSuspended
		}

		complete := r.completeIndex.Load()
		newWrite := (r.writeIndex + 1) & r.colorMask
		newPending := (newWrite - complete) & r.colorMask

		if newPending > r.size {
			r.mu.Unlock()
			r.obs.ObserveCongestion()
			runtime.Gosched()
			r.congestionWait(constants.CongestionWait)
			continue
		}

		masked := r.writeIndex & r.indexMask
		desc := r.descriptor(masked)
		desc.SetSource(srcAddr)
		desc.SetStatus(regs.CdescPending)

		cmpl := &r.completions[masked]
		cmpl.priv = priv
		cmpl.submitNs = time.Now().UnixNano()

		r.pending.Add(1)
		select {
		case r.kick <- struct{}{}:
		default:
		}

		// Descriptor contents must be globally visible before the write
		// index publishes the slot to hardware.
		mmio.Fence()
		r.writeIndex = newWrite
		r.block.Write64(regs.CDescWriteIndex, uint64(newWrite))
		r.mu.Unlock()
		return nil
	}
}

// congestionWait blocks until a completion retires a descriptor or the
// timeout elapses, whichever comes first. Spurious wakes are fine; the
// caller rechecks the pending count.
func (r *Ring) congestionWait(timeout time.Duration) {
	r.waitMu.Lock()
	ch := r.waitCh
	r.waitMu.Unlock()

	r.waiters.Add(1)
	defer r.waiters.Add(-1)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
}

// wakeCongested releases every congestion waiter.
func (r *Ring) wakeCongested() {
	if r.waiters.Load() == 0 {
		return
	}
	r.waitMu.Lock()
	close(r.waitCh)
	r.waitCh = make(chan struct{})
	r.waitMu.Unlock()
}

// UpdateCompleteIndex reads the hardware complete index and reconciles
// every descriptor retired since the last call. It returns true when a
// halted descriptor stopped reconciliation early.
func (r *Ring) UpdateCompleteIndex() bool {
	raw := r.block.Read64(regs.CDescCtrl)
	newComplete := uint32(raw&regs.CtrlCompleteIndexMask) & r.colorMask
	old := r.completeIndex.Load()
	if newComplete == old {
		return false
	}
	return r.Reconcile(old, newComplete)
}

// Reconcile walks the ring from start (inclusive) to end (exclusive)
// in color-range order, dispatching each completed descriptor. Calling
// it with start == end performs no work. On a halted descriptor it
// stops early with the ring in an indeterminate state beyond that
// point.
func (r *Ring) Reconcile(start, end uint32) bool {
	for i := start; i != end; i = (i + 1) & r.colorMask {
		masked := i & r.indexMask
		cmpl := &r.completions[masked]
		halt := r.retire(masked, cmpl)
		cmpl.priv = nil
		r.completeIndex.Store((r.completeIndex.Load() + 1) & r.colorMask)
		r.pending.Add(-1)
		r.wakeCongested()
		if halt {
			return true
		}
	}
	return false
}

// retire dispatches one completed descriptor to the callback and
// recycles it to IDLE. Returns true for a halted descriptor.
func (r *Ring) retire(masked uint32, cmpl *completion) bool {
	desc := r.descriptor(masked)
	status := desc.Status()
	size := desc.CompressedLength()
	bufSel := desc.BufferSelect()
	latency := time.Now().UnixNano() - cmpl.submitNs

	var data []byte
	halt := false

	switch status {
	case regs.CdescCopied, regs.CdescCompressed:
		offset := 0
		if bufSel == 2 {
			offset = constants.PageSize / 2
		}
		end := offset + size
		if end > constants.PageSize {
			end = constants.PageSize
		}
		data = r.outBuf(masked)[offset:end]

	case regs.CdescZero:
		// hardware detected a page of all zeros
		size = 0

	case regs.CdescAbort:
		// incompressible page, nothing copied
		size = 0

	case regs.CdescErrorContinue:
		r.log.Errorf("error on descriptor %#x, fifo continuing", masked)
		size = 0

	case regs.CdescErrorHalted:
		r.log.Errorf("fifo halted on descriptor %#x", masked)
		size = 0
		halt = true

	case regs.CdescIdle, regs.CdescPending:
		// hardware claimed completion but the descriptor never left
		// software ownership
		r.DumpState()
		r.log.Errorf("descriptor %#x completed in state %s: %x",
			masked, status, desc.Words())
		size = 0
	}

	r.obs.ObserveCompress(status, size, latency)

	if r.callback != nil {
		r.callback(status, data, size, cmpl.priv)
	}

	desc.SetStatus(regs.CdescIdle)
	return halt
}

// AbortIncomplete synthesizes a halted-error callback for every
// descriptor between hardware's reported complete index and the
// software write index, without touching hardware. Used when the
// engine reports a fatal error and the outstanding work will never
// complete.
func (r *Ring) AbortIncomplete() {
	maskedWrite := r.WriteIndex() & r.indexMask
	raw := r.block.Read64(regs.CDescCtrl)
	maskedComplete := uint32(raw&regs.CtrlCompleteIndexMask) & r.indexMask

	for i := maskedComplete; i != maskedWrite; i = (i + 1) & r.indexMask {
		cmpl := &r.completions[i]
		if r.callback != nil {
			r.callback(regs.CdescErrorHalted, nil, 0, cmpl.priv)
		}
		cmpl.priv = nil
	}
}

// DumpState logs a full snapshot of the register blocks and the
// software ring state for offline debugging.
func (r *Ring) DumpState() {
	r.log.Error("dump: global registers")
	for off := regs.HWID; off <= regs.ErrMask; off += 8 {
		r.log.Errorf("%#04x: %#016x", off, r.block.Read64(off))
	}
	r.log.Error("dump: compression registers")
	for off := regs.CDescLoc; off <= regs.CInterpCtrl; off += 8 {
		r.log.Errorf("%#04x: %#016x", off, r.block.Read64(off))
	}
	r.log.Error("dump: vendor registers")
	for off := regs.BusCfg; off <= regs.VendorEnd; off += 8 {
		r.log.Errorf("%#04x: %#016x", off, r.block.Read64(off))
	}
	r.log.Error("dump: decompression slots")
	slots := regs.Features2DecompressSlots(r.block.Read64(regs.HWFeatures2))
	if slots > constants.MaxDecompressSlots {
		slots = constants.MaxDecompressSlots
	}
	for i := 0; i < slots; i++ {
		r.log.Errorf("dcmd[%d]: csize %#016x dest %#016x res %#016x buf0 %#016x",
			i,
			r.block.Read64(regs.DcmdCSize(i)),
			r.block.Read64(regs.DcmdDest(i)),
			r.block.Read64(regs.DcmdRes(i)),
			r.block.Read64(regs.DcmdBuf(i, 0)))
	}
	r.log.Errorf("write_index %d complete_index %d pending %d",
		r.WriteIndex(), r.completeIndex.Load(), r.pending.Load())
}

// Close releases the hardware-shared memory. The ring must be idle.
func (r *Ring) Close() {
	if r.fifoMem != nil {
		full := unsafe.Slice(&r.fifoMem[0], cap(r.fifoMem))
		mmio.FreePages(full)
		r.fifoMem = nil
	}
	if r.bufMem != nil {
		mmio.FreePages(r.bufMem)
		r.bufMem = nil
	}
}
