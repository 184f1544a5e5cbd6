// Package dcmd implements the synchronous decompression command-slot
// protocol: one independently locked register set per slot, programmed
// directly and polled to completion. There is no ring; decompression
// is latency-sensitive and runs in fault-handling contexts, so it
// never waits on interrupts.
package dcmd

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

var (
	// ErrSuspended: command issued while the device is suspended.
	ErrSuspended = errors.New("device suspended")

	// ErrBusy: the selected slot was already executing a command. Not
	// expected under polling-only use; an assertion-level invariant.
	ErrBusy = errors.New("command slot busy")

	// ErrTimeout: hardware did not complete within the poll deadline.
	ErrTimeout = errors.New("decompression poll timeout")

	// ErrIO: hardware reported a status other than DECOMPRESSED.
	ErrIO = errors.New("decompression error")
)

// Observer receives per-command accounting.
type Observer interface {
	ObserveDecompress(latencyNs int64, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveDecompress(int64, error) {}

// Diagnoser dumps device state on timeouts and bad statuses; the ring
// owns the register dump so both paths share one format.
type Diagnoser interface {
	DumpState()
}

// slot is one decompression command context. The scratch buffer is
// page-aligned and used only when the caller's input fails the
// alignment rule.
type slot struct {
	mu      sync.Mutex
	busy    bool
	scratch []byte
}

// Config describes a command-slot pool.
type Config struct {
	Block mmio.Block

	// Slots is the command-slot count reported by the hardware
	// features register.
	Slots int

	// StatusInMemory selects hardware status reporting through a
	// software-visible memory word instead of the DEST register.
	StatusInMemory bool

	// PollTimeout overrides the default poll deadline when non-zero.
	PollTimeout time.Duration

	// Suspended is the device-wide suspend flag, checked under the
	// slot lock.
	Suspended *atomic.Bool

	Logger   *logging.Logger
	Observer Observer
	Diag     Diagnoser
}

// Pool is the set of decompression command slots.
type Pool struct {
	block mmio.Block
	log   *logging.Logger
	obs   Observer
	diag  Diagnoser

	slots     []slot
	suspended *atomic.Bool

	statusInMemory bool
	statusMem      []byte // one status word per slot, hardware-shared
	pollTimeout    time.Duration

	// next distributes callers across slots. Go exposes no stable CPU
	// identity, so a shard counter stands in for the static CPU-to-slot
	// mapping; selection is load distribution, not correctness.
	next atomic.Uint32
}

// NewPool allocates the slots and their scratch buffers.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Slots <= 0 || cfg.Slots > constants.MaxDecompressSlots {
		return nil, fmt.Errorf("invalid decompression slot count %d", cfg.Slots)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}

	p := &Pool{
		block:          cfg.Block,
		log:            log,
		obs:            obs,
		diag:           cfg.Diag,
		slots:          make([]slot, cfg.Slots),
		suspended:      cfg.Suspended,
		statusInMemory: cfg.StatusInMemory,
		pollTimeout:    cfg.PollTimeout,
	}
	if p.pollTimeout == 0 {
		p.pollTimeout = constants.DecompressPollTimeout
	}

	scratch, err := mmio.AllocPages(cfg.Slots)
	if err != nil {
		return nil, fmt.Errorf("alloc scratch buffers: %w", err)
	}
	for i := range p.slots {
		off := i * constants.PageSize
		p.slots[i].scratch = scratch[off : off+constants.PageSize]
	}

	if cfg.StatusInMemory {
		statusMem, err := mmio.AllocPages(1)
		if err != nil {
			mmio.FreePages(scratch)
			return nil, fmt.Errorf("alloc status words: %w", err)
		}
		p.statusMem = statusMem
	}

	return p, nil
}

// Slots returns the command-slot count.
func (p *Pool) Slots() int { return len(p.slots) }

// LockAll acquires every slot lock in index order; part of the
// suspend lock hierarchy (producer lock first, then slots 0..N-1).
func (p *Pool) LockAll() {
	for i := range p.slots {
		p.slots[i].mu.Lock()
	}
}

// UnlockAll releases every slot lock in reverse order.
func (p *Pool) UnlockAll() {
	for i := len(p.slots) - 1; i >= 0; i-- {
		p.slots[i].mu.Unlock()
	}
}

// AnyBusy reports whether any slot is executing. Callers must hold the
// slot locks (LockAll).
func (p *Pool) AnyBusy() bool {
	for i := range p.slots {
		if p.slots[i].busy {
			return true
		}
	}
	return false
}

func (p *Pool) statusWord(idx int) *uint64 {
	return (*uint64)(unsafe.Pointer(&p.statusMem[idx*8]))
}

func (p *Pool) readStatus(idx int) regs.DecompressStatus {
	if p.statusInMemory {
		return regs.DcmdStatus(atomic.LoadUint64(p.statusWord(idx)))
	}
	return regs.DcmdStatus(p.block.Read64(regs.DcmdDest(idx)))
}

// Decompress runs one synchronous decompression: program the slot,
// spin on the status until done or deadline, surface the outcome. The
// slot lock is held for the whole operation.
func (p *Pool) Decompress(data []byte, page []byte) error {
	idx := int(p.next.Add(1)-1) % len(p.slots)
	s := &p.slots[idx]

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.suspended.Load() {
		p.log.Error("decompress request while suspended", "slot", idx)
		return ErrSuspended
	}
	if s.busy {
		// should never happen in polling mode
		return ErrBusy
	}
	s.busy = true
	defer func() { s.busy = false }()

	start := time.Now()
	p.program(idx, s, data, page)

	deadline := start.Add(p.pollTimeout)
	var status regs.DecompressStatus
	for {
		runtime.Gosched()
		if time.Now().After(deadline) {
			p.log.Error("poll timeout on decompression", "slot", idx)
			p.dump()
			p.obs.ObserveDecompress(time.Since(start).Nanoseconds(), ErrTimeout)
			return ErrTimeout
		}
		status = p.readStatus(idx)
		if status != regs.DcmdPending {
			break
		}
	}

	latency := time.Since(start).Nanoseconds()

	if status != regs.DcmdDecompressed {
		p.log.Error("bad decompression status", "slot", idx, "status", status.String())
		p.dump()
		p.obs.ObserveDecompress(latency, ErrIO)
		return ErrIO
	}

	p.obs.ObserveDecompress(latency, nil)
	return nil
}

// program writes one command into the slot's register set. The
// pending-status bit rides in the destination register write, which is
// what starts the command.
func (p *Pool) program(idx int, s *slot, data []byte, page []byte) {
	srcAddr, align := p.sourceFor(idx, s, data)

	p.block.Write64(regs.DcmdCSize(idx), uint64(len(data))<<regs.DcmdCSizeShift)

	if p.statusInMemory {
		atomic.StoreUint64(p.statusWord(idx),
			uint64(regs.DcmdPending)<<regs.DcmdStatusShift)
		p.block.Write64(regs.DcmdRes(idx),
			regs.DcmdResRedirect|mmio.BufferAddr(p.statusMem[idx*8:]))
	}

	p.block.Write64(regs.DcmdBuf(idx, 0), regs.EncodeDcmdBuffer(srcAddr, align))
	p.block.Write64(regs.DcmdBuf(idx, 1), 0)
	p.block.Write64(regs.DcmdBuf(idx, 2), 0)
	p.block.Write64(regs.DcmdBuf(idx, 3), 0)

	dst := mmio.BufferAddr(page) |
		uint64(regs.DcmdPending)<<regs.DcmdStatusShift
	p.block.Write64(regs.DcmdDest(idx), dst)
}

// sourceFor applies the alignment rule. The compressed input must sit
// on a power-of-two boundary no smaller than 64 bytes and no smaller
// than its own size; anything else is copied into the slot's
// page-aligned scratch buffer first. This is a hardware correctness
// requirement, not an optimization.
func (p *Pool) sourceFor(idx int, s *slot, data []byte) (uint64, uint64) {
	addr := mmio.BufferAddr(data)
	align := uint64(1) << bits.TrailingZeros64(addr)

	if align < constants.MinDecompressAlign || uint64(len(data)) > align {
		p.log.Debug("copying into scratch", "slot", idx,
			"size", len(data), "align", align)
		copy(s.scratch, data)
		return mmio.BufferAddr(s.scratch), constants.PageSize
	}

	if align > constants.PageSize {
		align = constants.PageSize
	}
	return addr, align
}

// dump prefers the ring's full-device dump, which covers the slot
// registers too; without one it falls back to slot state only.
func (p *Pool) dump() {
	if p.diag != nil {
		p.diag.DumpState()
		return
	}
	for i := range p.slots {
		p.log.Errorf("dcmd[%d]: csize %#x dest %#x buf0 %#x", i,
			p.block.Read64(regs.DcmdCSize(i)),
			p.block.Read64(regs.DcmdDest(i)),
			p.block.Read64(regs.DcmdBuf(i, 0)))
	}
}

// Close releases the scratch and status memory. All slots must be idle.
func (p *Pool) Close() {
	if len(p.slots) > 0 && p.slots[0].scratch != nil {
		base := p.slots[0].scratch
		full := unsafe.Slice(&base[0], len(p.slots)*constants.PageSize)
		mmio.FreePages(full)
		for i := range p.slots {
			p.slots[i].scratch = nil
		}
	}
	if p.statusMem != nil {
		mmio.FreePages(p.statusMem)
		p.statusMem = nil
	}
}
