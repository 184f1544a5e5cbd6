package fifo

import (
	"sync/atomic"
	"time"

	"github.com/caimito-aosp/go-eh/internal/constants"
	"github.com/caimito-aosp/go-eh/internal/logging"
	"github.com/caimito-aosp/go-eh/internal/mmio"
	"github.com/caimito-aosp/go-eh/internal/regs"
)

// DrainState is the drain worker's lifecycle state.
type DrainState int32

const (
	// DrainIdle: no outstanding requests; waiting for a submission.
	DrainIdle DrainState = iota
	// DrainDraining: polling the hardware complete index and reconciling.
	DrainDraining
	// DrainAborting: a halted descriptor was seen; failing outstanding work.
	DrainAborting
	// DrainStopped: terminal. The device needs teardown and reinit.
	DrainStopped
)

func (s DrainState) String() string {
	switch s {
	case DrainIdle:
		return "idle"
	case DrainDraining:
		return "draining"
	case DrainAborting:
		return "aborting"
	case DrainStopped:
		return "stopped"
	}
	return "unknown"
}

// Waiter is the drain worker's strategy for pacing hardware progress
// checks while requests are outstanding. The drain algorithm is the
// same for both implementations.
type Waiter interface {
	// WaitProgress blocks until hardware may have made progress.
	WaitProgress()
}

// PollWaiter paces the drain loop with a fixed sleep.
type PollWaiter struct {
	Interval time.Duration
}

func (w PollWaiter) WaitProgress() {
	d := w.Interval
	if d == 0 {
		d = constants.DrainPollInterval
	}
	time.Sleep(d)
}

// EventWaiter blocks on a completion-interrupt notification channel,
// with a timeout fallback so a coalesced or lost event cannot stall
// the drain.
type EventWaiter struct {
	C       <-chan struct{}
	Timeout time.Duration
}

func (w EventWaiter) WaitProgress() {
	d := w.Timeout
	if d == 0 {
		d = constants.CongestionWait
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.C:
	case <-timer.C:
	}
}

// IRQWaiter adapts an mmio.InterruptSource to the Waiter interface.
type IRQWaiter struct {
	Source mmio.InterruptSource
}

func (w IRQWaiter) WaitProgress() {
	w.Source.Wait()
}

// Drainer owns the dedicated worker that reconciles hardware
// completions into callbacks. It is the sole writer of the ring's
// complete index.
type Drainer struct {
	ring   *Ring
	block  mmio.Block
	waiter Waiter
	log    *logging.Logger

	state atomic.Int32
	stop  chan struct{}
	done  chan struct{}
}

// NewDrainer builds a drainer; Start launches the worker.
func NewDrainer(ring *Ring, block mmio.Block, waiter Waiter, log *logging.Logger) *Drainer {
	if log == nil {
		log = logging.Default()
	}
	if waiter == nil {
		waiter = PollWaiter{}
	}
	return &Drainer{
		ring:   ring,
		block:  block,
		waiter: waiter,
		log:    log,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// State returns the worker's current state.
func (d *Drainer) State() DrainState {
	return DrainState(d.state.Load())
}

// Start launches the drain worker.
func (d *Drainer) Start() {
	go d.run()
}

// Stop terminates the worker and waits for it to exit. Safe to call
// after a fatal abort already stopped it.
func (d *Drainer) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	<-d.done
}

func (d *Drainer) run() {
	defer close(d.done)

	for {
		d.state.Store(int32(DrainIdle))
		if !d.waitForWork() {
			d.state.Store(int32(DrainStopped))
			return
		}

		d.state.Store(int32(DrainDraining))
		for d.ring.Pending() > 0 {
			select {
			case <-d.stop:
				d.state.Store(int32(DrainStopped))
				return
			default:
			}

			if d.ring.UpdateCompleteIndex() {
				d.abort()
				d.state.Store(int32(DrainStopped))
				return
			}

			if d.ring.Pending() > 0 {
				d.waiter.WaitProgress()
			}
		}
	}
}

// waitForWork blocks in Idle until a submission arrives. Returns false
// on stop.
func (d *Drainer) waitForWork() bool {
	for d.ring.Pending() == 0 {
		select {
		case <-d.stop:
			return false
		case <-d.ring.Kick():
		}
	}
	return true
}

// abort handles a halted FIFO: if the error-condition register
// confirms the fault, every outstanding descriptor gets a synthesized
// halted-error callback and the worker stops for good. A clear error
// register alongside a halted descriptor contradicts the documented
// hardware contract; that case is logged and left stuck rather than
// resumed on guesswork.
func (d *Drainer) abort() {
	d.state.Store(int32(DrainAborting))

	errCond := d.block.Read64(regs.ErrCond)
	if errCond != 0 {
		d.log.Errorf("error condition register non-zero %#x", errCond)
		d.ring.DumpState()
		d.ring.AbortIncomplete()
		return
	}

	d.log.Warn("fifo halted but error condition register reads zero; drain stuck")
}
