package constants

import "time"

// FIFO sizing limits
const (
	// DefaultFIFOSize is the default compression descriptor ring capacity
	DefaultFIFOSize = 256

	// MaxFIFOSize is the hardware limit on ring capacity. Must stay a
	// power of two; indices are carried in 16-bit register fields over
	// a doubled color range.
	MaxFIFOSize = 32768

	// CompressDescSize is the size of one hardware compression
	// descriptor in bytes
	CompressDescSize = 64

	// MaxDecompressSlots is the hardware limit on independent
	// decompression command slots
	MaxDecompressSlots = 8
)

// Page and buffer geometry
const (
	// PageSize is the fixed I/O unit of the engine
	PageSize = 4096

	// MinDecompressAlign is the smallest source-buffer alignment the
	// decompressor accepts
	MinDecompressAlign = 64
)

// Timing constants for hardware handshakes
const (
	// ResetPollInterval is the delay between global-reset register polls
	ResetPollInterval = 10 * time.Microsecond

	// MaxResetPolls bounds the global-reset handshake
	MaxResetPolls = 100

	// FIFOResetPollInterval is the delay between FIFO-reset acknowledgement polls
	FIFOResetPollInterval = 1 * time.Microsecond

	// CongestionWait is how long a submitter sleeps when the ring is
	// saturated before rechecking
	CongestionWait = 100 * time.Millisecond

	// DecompressPollTimeout bounds the synchronous decompression status poll
	DecompressPollTimeout = 50 * time.Millisecond

	// DrainPollInterval is the polling-waiter delay between hardware
	// complete-index reads while requests are outstanding
	DrainPollInterval = 50 * time.Microsecond
)
