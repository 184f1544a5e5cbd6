package dcmd

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caimito-aosp/go-eh/internal/constants"
	"github.com/caimito-aosp/go-eh/internal/hwsim"
	"github.com/caimito-aosp/go-eh/internal/logging"
	"github.com/caimito-aosp/go-eh/internal/mmio"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: io.Discard,
		Sync:   true,
	})
}

func newTestPool(t *testing.T, statusInMemory bool) (*Pool, *hwsim.Engine, *atomic.Bool) {
	t.Helper()
	eng := hwsim.New(hwsim.Config{})
	suspended := &atomic.Bool{}
	pool, err := NewPool(Config{
		Block:          eng,
		Slots:          4,
		StatusInMemory: statusInMemory,
		PollTimeout:    100 * time.Millisecond,
		Suspended:      suspended,
		Logger:         testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool, eng, suspended
}

// alignedInput carves a compressed blob out of pinned page-aligned
// memory at the given offset; the model reads it through its address.
func alignedInput(t *testing.T, offset, size int) []byte {
	t.Helper()
	buf, err := mmio.AllocPages(1)
	require.NoError(t, err)
	t.Cleanup(func() { mmio.FreePages(buf) })

	data := buf[offset : offset+size]
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func outputPage(t *testing.T) []byte {
	t.Helper()
	buf, err := mmio.AllocPages(1)
	require.NoError(t, err)
	t.Cleanup(func() { mmio.FreePages(buf) })
	return buf
}

// the model expands input cyclically into the full output page
func checkExpansion(t *testing.T, data, page []byte) {
	t.Helper()
	for i := range page {
		if page[i] != data[i%len(data)] {
			t.Fatalf("output byte %d: got %#x, want %#x", i, page[i], data[i%len(data)])
		}
	}
}

func TestPoolValidation(t *testing.T) {
	for _, slots := range []int{0, -1, constants.MaxDecompressSlots + 1} {
		_, err := NewPool(Config{Slots: slots, Logger: testLogger()})
		assert.Error(t, err, "slot count %d", slots)
	}
}

func TestDecompressRoundTrip(t *testing.T) {
	pool, _, _ := newTestPool(t, false)

	data := alignedInput(t, 0, 512)
	page := outputPage(t)
	require.NoError(t, pool.Decompress(data, page))
	checkExpansion(t, data, page)
}

func TestDecompressStatusInMemory(t *testing.T) {
	pool, _, _ := newTestPool(t, true)

	data := alignedInput(t, 0, 512)
	page := outputPage(t)
	require.NoError(t, pool.Decompress(data, page))
	checkExpansion(t, data, page)
}

func TestDecompressUnalignedInputStillWorks(t *testing.T) {
	pool, _, _ := newTestPool(t, false)

	// 32-byte alignment is below the hardware minimum; the input must
	// be staged through the scratch buffer
	data := alignedInput(t, 32, 100)
	page := outputPage(t)
	require.NoError(t, pool.Decompress(data, page))
	checkExpansion(t, data, page)
}

func TestDecompressSizeExceedingAlignmentStillWorks(t *testing.T) {
	pool, _, _ := newTestPool(t, false)

	// aligned to 64 but longer than 64 bytes, which the engine rejects
	// without a scratch copy
	data := alignedInput(t, 64, 128)
	page := outputPage(t)
	require.NoError(t, pool.Decompress(data, page))
	checkExpansion(t, data, page)
}

func TestSourceForAlignmentRule(t *testing.T) {
	pool, _, _ := newTestPool(t, false)
	s := &pool.slots[0]

	buf, err := mmio.AllocPages(1)
	require.NoError(t, err)
	t.Cleanup(func() { mmio.FreePages(buf) })
	base := mmio.BufferAddr(buf)

	// page aligned, page sized: used in place, page alignment class
	addr, align := pool.sourceFor(0, s, buf)
	assert.Equal(t, base, addr)
	assert.Equal(t, uint64(constants.PageSize), align)

	// 128-byte aligned, 64 bytes long: used in place
	addr, align = pool.sourceFor(0, s, buf[128:192])
	assert.Equal(t, base+128, addr)
	assert.Equal(t, uint64(128), align)

	// 32-byte aligned: below the minimum, staged through scratch
	addr, align = pool.sourceFor(0, s, buf[32:96])
	assert.Equal(t, mmio.BufferAddr(s.scratch), addr)
	assert.Equal(t, uint64(constants.PageSize), align)

	// 64-byte aligned but longer than 64 bytes: staged through scratch
	addr, align = pool.sourceFor(0, s, buf[64:256])
	assert.Equal(t, mmio.BufferAddr(s.scratch), addr)
	assert.Equal(t, uint64(constants.PageSize), align)
}

func TestDecompressTimeout(t *testing.T) {
	eng := hwsim.New(hwsim.Config{})
	suspended := &atomic.Bool{}
	pool, err := NewPool(Config{
		Block:       eng,
		Slots:       1,
		PollTimeout: 5 * time.Millisecond,
		Suspended:   suspended,
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	eng.SetDecompressMode(hwsim.DecompressStall)
	err = pool.Decompress(alignedInput(t, 0, 64), outputPage(t))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDecompressHardwareError(t *testing.T) {
	pool, eng, _ := newTestPool(t, false)

	eng.SetDecompressMode(hwsim.DecompressFail)
	err := pool.Decompress(alignedInput(t, 0, 64), outputPage(t))
	assert.ErrorIs(t, err, ErrIO)
}

func TestDecompressWhileSuspended(t *testing.T) {
	pool, _, suspended := newTestPool(t, false)

	suspended.Store(true)
	err := pool.Decompress(alignedInput(t, 0, 64), outputPage(t))
	assert.ErrorIs(t, err, ErrSuspended)
}

func TestLockAllAnyBusy(t *testing.T) {
	pool, _, _ := newTestPool(t, false)

	pool.LockAll()
	assert.False(t, pool.AnyBusy())
	pool.UnlockAll()
}

func TestSlotDistribution(t *testing.T) {
	pool, _, _ := newTestPool(t, false)

	data := alignedInput(t, 0, 64)
	page := outputPage(t)
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Decompress(data, page))
	}
}
