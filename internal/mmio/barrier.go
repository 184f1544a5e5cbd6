package mmio

import "sync/atomic"

// fenceDummy exists only to give the atomic RMW below a target.
var fenceDummy int64

// Fence issues a full memory fence. atomic.AddInt64 with 0 compiles to
// LOCK XADD on x86-64 and a full barrier sequence on arm64, which is
// enough to order descriptor writes ahead of the write-index register
// store that publishes them.
func Fence() {
	atomic.AddInt64(&fenceDummy, 0)
}
