package eh

import (
	"github.com/caimito-aosp/go-eh/internal/hwsim"
)

// SimConfig tunes the software hardware model behind NewSimDevice.
// The feature counts default when zero; a negative value makes the
// model report zero, for probing broken hardware.
type SimConfig struct {
	// DecompressSlots reported by the model; default 4.
	DecompressSlots int
	// MaxBuffers reported by the model; default 6.
	MaxBuffers int
	// FailReset makes the global reset handshake never acknowledge.
	FailReset bool
}

// SimControl drives the software model from tests and tools:
// completing descriptors, raising error conditions and switching
// decompression servicing modes.
type SimControl struct {
	eng *hwsim.Engine
}

// Complete finishes the oldest pending compression with the given
// status. payload becomes the compressed output for COMPRESSED and
// COPIED; bufferSelect 2 places it in the second output buffer.
func (c *SimControl) Complete(status Status, payload []byte, bufferSelect int) error {
	return c.eng.Complete(status, payload, bufferSelect)
}

// RaiseError latches a value into the model's error-condition register.
func (c *SimControl) RaiseError(cond uint64) { c.eng.RaiseError(cond) }

// StallDecompression leaves decompression commands pending forever.
func (c *SimControl) StallDecompression() {
	c.eng.SetDecompressMode(hwsim.DecompressStall)
}

// FailDecompression completes decompression commands with an error.
func (c *SimControl) FailDecompression() {
	c.eng.SetDecompressMode(hwsim.DecompressFail)
}

// AutoDecompression restores inline successful decompression.
func (c *SimControl) AutoDecompression() {
	c.eng.SetDecompressMode(hwsim.DecompressAuto)
}

// PendingCount returns the model's view of outstanding descriptors.
func (c *SimControl) PendingCount() int { return c.eng.PendingCount() }

// NewSimDevice builds a device backed by the software model instead of
// mapped registers. Unless the caller supplies its own completion-event
// channel the drain worker blocks on the model's, keeping tests fast.
func NewSimDevice(params Params, opts *Options, sim SimConfig) (*Device, *SimControl, error) {
	eng := hwsim.New(hwsim.Config{
		DecompressSlots: sim.DecompressSlots,
		MaxBuffers:      sim.MaxBuffers,
		FailReset:       sim.FailReset,
	})

	if opts == nil {
		opts = &Options{}
	}
	if opts.CompletionEvents == nil {
		o := *opts
		o.CompletionEvents = eng.Notify()
		opts = &o
	}

	dev, err := newDevice(eng, nil, params, opts)
	if err != nil {
		return nil, nil, err
	}
	return dev, &SimControl{eng: eng}, nil
}
