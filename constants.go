// Package eh is a userspace driver for the Emerald Hill compression
// engine: an asynchronous page-compression descriptor ring drained by a
// dedicated worker, and synchronous polled decompression command slots.
package eh

import (
	"github.com/caimito-aosp/go-eh/internal/constants"
	"github.com/caimito-aosp/go-eh/internal/regs"
)

// Page and ring geometry.
const (
	// PageSize is the only unit the engine compresses.
	PageSize = constants.PageSize

	// DefaultFIFOSize is the descriptor ring capacity when Params leaves
	// it zero.
	DefaultFIFOSize = constants.DefaultFIFOSize

	// MaxFIFOSize caps the descriptor ring capacity.
	MaxFIFOSize = constants.MaxFIFOSize
)

// Status is the completion state of a compression request.
type Status = regs.CompressStatus

// Compression completion statuses delivered to the client callback.
const (
	StatusIdle          = regs.CdescIdle
	StatusCompressed    = regs.CdescCompressed
	StatusCopied        = regs.CdescCopied
	StatusAbort         = regs.CdescAbort
	StatusZero          = regs.CdescZero
	StatusErrorContinue = regs.CdescErrorContinue
	StatusErrorHalted   = regs.CdescErrorHalted
	StatusPending       = regs.CdescPending
)

// CallbackFn delivers one finished compression to the client. data
// points into the driver's output buffer and is only valid for the
// duration of the call; it is nil unless status is COMPRESSED or
// COPIED. priv is the value passed to CompressPage.
type CallbackFn func(status Status, data []byte, size int, priv any)
