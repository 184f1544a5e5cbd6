package eh

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/caimito-aosp/go-eh/internal/constants"
	"github.com/caimito-aosp/go-eh/internal/dcmd"
	"github.com/caimito-aosp/go-eh/internal/fifo"
	"github.com/caimito-aosp/go-eh/internal/logging"
	"github.com/caimito-aosp/go-eh/internal/mmio"
	"github.com/caimito-aosp/go-eh/internal/regs"
)

// ClockHook gates the engine clock around suspend and resume. Called
// with false after the device quiesces and true before it reinitializes.
type ClockHook func(enabled bool)

// Params describes one hardware instance.
type Params struct {
	// FIFOSize is the descriptor ring capacity; power of two, at most
	// MaxFIFOSize. Zero selects DefaultFIFOSize.
	FIFOSize int

	// SplitDestination selects the 3KB two-buffer output layout instead
	// of one full page per ring slot. Pages that do not compress below
	// 3KB are aborted by hardware in this mode.
	SplitDestination bool

	// StatusInMemory makes decompression commands report status through
	// a memory word instead of the destination register.
	StatusInMemory bool

	// QuirkIgnoreGlobalReset tolerates hardware revisions whose global
	// reset never acknowledges; the timeout is logged and ignored.
	QuirkIgnoreGlobalReset bool

	// RegPath, RegPhysAddr and RegSize locate the register window for
	// NewDevice (e.g. /dev/mem plus the physical base, or a UIO map
	// at offset 0).
	RegPath     string
	RegPhysAddr uint64
	RegSize     int

	// UIOPath optionally names the UIO node carrying the error
	// interrupt; when set the device services error interrupts in the
	// background instead of relying on drain-time detection alone.
	UIOPath string

	// ClockGate, when non-nil, is invoked around suspend and resume.
	ClockGate ClockHook
}

// DefaultParams returns parameters for a standard engine instance.
func DefaultParams() Params {
	return Params{
		FIFOSize: DefaultFIFOSize,
		RegSize:  0x1000,
	}
}

// Options carries optional knobs orthogonal to the hardware instance.
type Options struct {
	// Observer receives per-operation accounting. Nil selects the
	// device's built-in Metrics.
	Observer Observer

	// LogLevel is one of "debug", "info", "warn", "error"; default "info".
	LogLevel string
	// LogJSON selects JSON log output over the console format.
	LogJSON bool
	// LogWriter overrides the log destination; default stderr.
	LogWriter io.Writer
	// SyncLog disables the asynchronous log writer; useful in tests.
	SyncLog bool

	// CompletionEvents switches the drain worker from polling to
	// blocking on this channel, with a timeout fallback. Typically fed
	// by the completion interrupt.
	CompletionEvents <-chan struct{}

	// DrainPollInterval overrides the drain poll pacing when non-zero.
	DrainPollInterval time.Duration

	// DecompressPollTimeout overrides the decompression poll deadline
	// when non-zero.
	DecompressPollTimeout time.Duration
}

var nextDeviceID atomic.Int32

// Device is one Emerald Hill engine instance.
type Device struct {
	id     int
	block  mmio.Block
	closer func() error
	log    *logging.Logger

	params  Params
	metrics *Metrics

	ring    *fifo.Ring
	drainer *fifo.Drainer
	pool    *dcmd.Pool

	callback       atomic.Pointer[CallbackFn]
	decompCallback atomic.Pointer[CallbackFn]
	suspended      atomic.Bool
	closed         atomic.Bool

	irq mmio.InterruptSource
}

// NewDevice maps the register window and brings the engine up: global
// reset, ring allocation and FIFO handshake, decompression slot
// discovery, interrupt unmasking and the drain worker.
func NewDevice(params Params, opts *Options) (*Device, error) {
	block, closer, err := mmio.Map(mmio.Config{
		Path:     params.RegPath,
		PhysAddr: int64(params.RegPhysAddr),
		Size:     params.RegSize,
	})
	if err != nil {
		return nil, WrapError("MAP", err)
	}
	dev, err := newDevice(block, closer, params, opts)
	if err != nil {
		closer()
		return nil, err
	}
	return dev, nil
}

func newDevice(block mmio.Block, closer func() error, params Params, opts *Options) (*Device, error) {
	if opts == nil {
		opts = &Options{}
	}
	if params.FIFOSize == 0 {
		params.FIFOSize = DefaultFIFOSize
	}

	d := &Device{
		id:      int(nextDeviceID.Add(1)) - 1,
		block:   block,
		closer:  closer,
		params:  params,
		metrics: NewMetrics(),
	}
	d.log = newLogger(opts).WithDevice(d.id)

	obs := opts.Observer
	if obs == nil {
		obs = NewMetricsObserver(d.metrics)
	}

	hwid := block.Read64(regs.HWID)
	features := block.Read64(regs.HWFeatures)
	features2 := block.Read64(regs.HWFeatures2)
	d.log.Info("device probed",
		"hwid", hwid, "features", features, "features2", features2)

	slots := regs.Features2DecompressSlots(features2)
	if slots == 0 {
		return nil, NewError("PROBE", ErrCodeInvalidParameters,
			"hardware reports no decompression command slots")
	}
	if slots > constants.MaxDecompressSlots {
		slots = constants.MaxDecompressSlots
	}
	if regs.Features2MaxBuffers(features2) == 0 {
		return nil, NewError("PROBE", ErrCodeInvalidParameters,
			"hardware reports no destination buffers per descriptor")
	}

	if err := d.reset(); err != nil {
		if !params.QuirkIgnoreGlobalReset {
			return nil, err
		}
		d.log.Warn("global reset did not acknowledge; quirk enabled, continuing")
	}

	ring, err := fifo.NewRing(fifo.Config{
		Block:            block,
		Size:             params.FIFOSize,
		SplitDestination: params.SplitDestination,
		Suspended:        &d.suspended,
		Callback:         d.dispatchCompress,
		Logger:           d.log,
		Observer:         obs,
	})
	if err != nil {
		return nil, WrapError("INIT", err)
	}
	d.ring = ring

	pool, err := dcmd.NewPool(dcmd.Config{
		Block:          block,
		Slots:          slots,
		StatusInMemory: params.StatusInMemory,
		PollTimeout:    opts.DecompressPollTimeout,
		Suspended:      &d.suspended,
		Logger:         d.log,
		Observer:       obs,
		Diag:           ring,
	})
	if err != nil {
		ring.Close()
		return nil, WrapError("INIT", err)
	}
	d.pool = pool

	ring.Init()
	d.unmaskInterrupts()

	var waiter fifo.Waiter
	if opts.CompletionEvents != nil {
		waiter = fifo.EventWaiter{C: opts.CompletionEvents}
	} else {
		waiter = fifo.PollWaiter{Interval: opts.DrainPollInterval}
	}
	d.drainer = fifo.NewDrainer(ring, block, waiter, d.log)
	d.drainer.Start()

	if params.UIOPath != "" {
		src, err := mmio.OpenUIO(params.UIOPath)
		if err != nil {
			d.log.WithError(err).Warn("error interrupt line unavailable")
		} else {
			d.irq = src
			go d.serviceErrorIRQ(src)
		}
	}

	d.log.Info("device up", "fifo_size", params.FIFOSize, "dcmd_slots", slots)
	return d, nil
}

func newLogger(opts *Options) *logging.Logger {
	cfg := logging.DefaultConfig()
	switch opts.LogLevel {
	case "debug":
		cfg.Level = logging.LevelDebug
	case "warn":
		cfg.Level = logging.LevelWarn
	case "error":
		cfg.Level = logging.LevelError
	}
	if opts.LogJSON {
		cfg.Format = "json"
	}
	if opts.LogWriter != nil {
		cfg.Output = opts.LogWriter
	} else {
		cfg.Output = os.Stderr
	}
	cfg.Sync = opts.SyncLog
	return logging.NewLogger(cfg)
}

// reset drives the global reset handshake: write all ones, poll until
// hardware clears the register.
func (d *Device) reset() error {
	d.block.Write64(regs.GCtrl, ^uint64(0))
	for i := 0; i < constants.MaxResetPolls; i++ {
		if d.block.Read64(regs.GCtrl) == 0 {
			return nil
		}
		time.Sleep(constants.ResetPollInterval)
	}
	return NewError("RESET", ErrCodeTimeout, "global reset did not acknowledge")
}

func (d *Device) unmaskInterrupts() {
	// completions are reaped by the drain worker, so only the error
	// line is unmasked
	d.block.Write64(regs.IntrMaskErr, 0)
	d.block.Write64(regs.IntrMaskCmp, ^uint64(0))
	d.block.Write64(regs.IntrMaskDcmp, ^uint64(0))
	d.block.Write64(regs.ErrMask, 0)
}

func (d *Device) maskInterrupts() {
	d.block.Write64(regs.IntrMaskErr, ^uint64(0))
	d.block.Write64(regs.IntrMaskCmp, ^uint64(0))
	d.block.Write64(regs.IntrMaskDcmp, ^uint64(0))
}

// dispatchCompress forwards ring completions to the client callback
// installed by the registry.
func (d *Device) dispatchCompress(status Status, data []byte, size int, priv any) {
	if cb := d.callback.Load(); cb != nil {
		(*cb)(status, data, size, priv)
	}
}

// SetCallback installs the compression completion callback. Pass nil
// to drop completions on the floor.
func (d *Device) SetCallback(cb CallbackFn) {
	if cb == nil {
		d.callback.Store(nil)
		return
	}
	d.callback.Store(&cb)
}

// SetDecompressCallback installs the decompression completion
// callback. DecompressPage completes synchronously today, so the
// callback is stored for the handle contract but never invoked; an
// interrupt-driven decompression path would deliver through it.
func (d *Device) SetDecompressCallback(cb CallbackFn) {
	if cb == nil {
		d.decompCallback.Store(nil)
		return
	}
	d.decompCallback.Store(&cb)
}

// CompressPage submits one page for asynchronous compression. priv is
// handed back unchanged in the completion callback. Blocks briefly
// under ring congestion; returns an error only for a suspended device
// or an invalid page.
func (d *Device) CompressPage(page []byte, priv any) error {
	if len(page) != PageSize {
		return NewError("COMPRESS", ErrCodeInvalidParameters,
			"page must be exactly one page")
	}
	if err := d.ring.Submit(page, priv); err != nil {
		return WrapError("COMPRESS", err)
	}
	return nil
}

// DecompressPage synchronously decompresses data into page. data must
// be a compressed blob of at most one page; page must be exactly one
// page.
func (d *Device) DecompressPage(data []byte, page []byte) error {
	if len(page) != PageSize {
		return NewError("DECOMPRESS", ErrCodeInvalidParameters,
			"output must be exactly one page")
	}
	if len(data) == 0 || len(data) > PageSize {
		return NewError("DECOMPRESS", ErrCodeInvalidParameters,
			"compressed input must be between 1 byte and one page")
	}
	if err := d.pool.Decompress(data, page); err != nil {
		return WrapError("DECOMPRESS", err)
	}
	return nil
}

// Suspend quiesces the device: refuses if any work is outstanding,
// otherwise masks interrupts, disables compression and gates the
// clock. The producer lock is taken before the slot locks; Resume and
// Suspend are the only paths that hold both.
func (d *Device) Suspend() error {
	d.ring.Lock()
	d.pool.LockAll()

	if d.ring.Pending() > 0 || d.pool.AnyBusy() {
		d.pool.UnlockAll()
		d.ring.Unlock()
		return NewError("SUSPEND", ErrCodeBusy, "requests in flight")
	}

	d.maskInterrupts()
	// clear only the enable bit; the control register carries other
	// live state
	ctrl := d.block.Read64(regs.CDescCtrl)
	d.block.Write64(regs.CDescCtrl, ctrl&^(1<<regs.CtrlCompressEnableShift))
	d.suspended.Store(true)

	d.pool.UnlockAll()
	d.ring.Unlock()

	if d.params.ClockGate != nil {
		d.params.ClockGate(false)
	}
	d.log.Info("device suspended")
	return nil
}

// Resume reverses Suspend: ungates the clock, replays the FIFO
// handshake and unmasks interrupts before accepting work again. A
// closed device cannot be resumed.
func (d *Device) Resume() error {
	if d.closed.Load() {
		return NewError("RESUME", ErrCodeDeviceNotFound, "device closed")
	}

	if d.params.ClockGate != nil {
		d.params.ClockGate(true)
	}

	d.ring.Lock()
	d.pool.LockAll()

	d.ring.Init()
	d.unmaskInterrupts()
	d.suspended.Store(false)

	d.pool.UnlockAll()
	d.ring.Unlock()
	d.log.Info("device resumed")
	return nil
}

// ServiceErrorInterrupts reads and clears the interrupt status
// registers, logging anything latched. Write one to clear.
func (d *Device) ServiceErrorInterrupts() {
	for _, off := range []uint32{regs.IntrStatErr, regs.IntrStatCmp, regs.IntrStatDcmp} {
		v := d.block.Read64(off)
		if v != 0 {
			d.log.Errorf("interrupt status %#04x reads %#x", off, v)
			d.block.Write64(off, v)
		}
	}
	if cond := d.block.Read64(regs.ErrCond); cond != 0 {
		d.log.Errorf("error condition register reads %#x", cond)
		d.ring.DumpState()
	}
}

func (d *Device) serviceErrorIRQ(src mmio.InterruptSource) {
	for {
		if _, err := src.Wait(); err != nil {
			return
		}
		d.ServiceErrorInterrupts()
	}
}

// Metrics returns the device's built-in metrics. Counters only
// accumulate when no custom Observer was installed.
func (d *Device) Metrics() *Metrics { return d.metrics }

// FIFOSize returns the descriptor ring capacity.
func (d *Device) FIFOSize() int { return d.ring.Size() }

// Slots returns the decompression command-slot count.
func (d *Device) Slots() int { return d.pool.Slots() }

// Pending returns the number of compression requests in flight.
func (d *Device) Pending() int64 { return d.ring.Pending() }

// DrainState reports the drain worker's state, one of "idle",
// "draining", "aborting", "stopped".
func (d *Device) DrainState() string { return d.drainer.State().String() }

// Close tears the device down: stops the drain worker, disables the
// engine, releases shared memory and unmaps the registers. Idempotent.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.drainer.Stop()
	if d.irq != nil {
		d.irq.Close()
	}
	d.block.Write64(regs.CDescCtrl, 0)
	d.maskInterrupts()
	d.pool.Close()
	d.ring.Close()
	d.metrics.Stop()
	if d.closer != nil {
		d.closer()
	}
	d.log.Info("device closed")
	return nil
}
