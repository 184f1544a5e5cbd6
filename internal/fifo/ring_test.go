package fifo

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caimito-aosp/go-eh/internal/hwsim"
	"github.com/caimito-aosp/go-eh/internal/logging"
	"github.com/caimito-aosp/go-eh/internal/regs"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: io.Discard,
		Sync:   true,
	})
}

// recorder collects callbacks from the consumer goroutine.
type recorder struct {
	mu      sync.Mutex
	entries []recorded
}

type recorded struct {
	status regs.CompressStatus
	data   []byte
	size   int
	priv   any
}

func (r *recorder) callback(status regs.CompressStatus, data []byte, size int, priv any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var copied []byte
	if data != nil {
		copied = append([]byte(nil), data...)
	}
	r.entries = append(r.entries, recorded{status, copied, size, priv})
}

func (r *recorder) snapshot() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.entries...)
}

func newTestRing(t *testing.T, size int, split bool, rec *recorder) (*Ring, *hwsim.Engine, *atomic.Bool) {
	t.Helper()
	eng := hwsim.New(hwsim.Config{})
	suspended := &atomic.Bool{}
	ring, err := NewRing(Config{
		Block:            eng,
		Size:             size,
		SplitDestination: split,
		Suspended:        suspended,
		Callback:         rec.callback,
		Logger:           testLogger(),
	})
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	t.Cleanup(ring.Close)
	ring.Init()
	return ring, eng, suspended
}

func page(fill byte) []byte {
	p := make([]byte, 4096)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestRingSizeValidation(t *testing.T) {
	for _, size := range []int{0, 3, 100, 65536} {
		_, err := NewRing(Config{Size: size, Logger: testLogger()})
		if err == nil {
			t.Errorf("size %d accepted", size)
		}
	}
}

func TestSubmitReconcileOrder(t *testing.T) {
	rec := &recorder{}
	ring, eng, _ := newTestRing(t, 8, false, rec)

	payloads := [][]byte{
		bytes.Repeat([]byte{0x11}, 100),
		bytes.Repeat([]byte{0x22}, 200),
		bytes.Repeat([]byte{0x33}, 300),
	}
	for i := range payloads {
		if err := ring.Submit(page(byte(i)), i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if ring.Pending() != 3 {
		t.Fatalf("pending %d after 3 submits", ring.Pending())
	}

	for _, p := range payloads {
		if err := eng.Complete(regs.CdescCompressed, p, 0); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	if halt := ring.UpdateCompleteIndex(); halt {
		t.Fatal("unexpected halt")
	}

	entries := rec.snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 callbacks, got %d", len(entries))
	}
	for i, e := range entries {
		if e.priv != i {
			t.Errorf("callback %d carries priv %v, submission order broken", i, e.priv)
		}
		if e.status != regs.CdescCompressed {
			t.Errorf("callback %d status %s", i, e.status)
		}
		if e.size != len(payloads[i]) {
			t.Errorf("callback %d size %d, expected %d", i, e.size, len(payloads[i]))
		}
		if !bytes.Equal(e.data, payloads[i]) {
			t.Errorf("callback %d payload mismatch", i)
		}
	}

	if ring.Pending() != 0 {
		t.Errorf("pending %d after full reconcile", ring.Pending())
	}
	if ring.CompleteIndex() != 3 {
		t.Errorf("complete index %d", ring.CompleteIndex())
	}
}

func TestReconcileNoProgressIsIdempotent(t *testing.T) {
	rec := &recorder{}
	ring, eng, _ := newTestRing(t, 8, false, rec)

	if err := ring.Submit(page(1), "a"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := eng.Complete(regs.CdescCompressed, []byte{1, 2, 3}, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ring.UpdateCompleteIndex()
	ring.UpdateCompleteIndex()
	ring.UpdateCompleteIndex()

	if got := len(rec.snapshot()); got != 1 {
		t.Errorf("repeated reconcile delivered %d callbacks", got)
	}
	if ring.Pending() != 0 {
		t.Errorf("pending %d", ring.Pending())
	}
}

func TestZeroAndAbortStatuses(t *testing.T) {
	rec := &recorder{}
	ring, eng, _ := newTestRing(t, 8, false, rec)

	ring.Submit(page(0), "zero")
	ring.Submit(page(1), "abort")
	eng.Complete(regs.CdescZero, nil, 0)
	eng.Complete(regs.CdescAbort, nil, 0)
	ring.UpdateCompleteIndex()

	entries := rec.snapshot()
	if len(entries) != 2 {
		t.Fatalf("expected 2 callbacks, got %d", len(entries))
	}
	if entries[0].status != regs.CdescZero || entries[0].data != nil || entries[0].size != 0 {
		t.Errorf("zero callback: %+v", entries[0])
	}
	if entries[1].status != regs.CdescAbort || entries[1].data != nil || entries[1].size != 0 {
		t.Errorf("abort callback: %+v", entries[1])
	}
}

func TestBufferSelectTwoUsesSecondHalf(t *testing.T) {
	rec := &recorder{}
	ring, eng, _ := newTestRing(t, 8, true, rec)

	ring.Submit(page(7), nil)
	payload := bytes.Repeat([]byte{0x5A}, 700)
	if err := eng.Complete(regs.CdescCompressed, payload, 2); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ring.UpdateCompleteIndex()

	entries := rec.snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected 1 callback, got %d", len(entries))
	}
	if !bytes.Equal(entries[0].data, payload) {
		t.Errorf("payload in second buffer not returned intact")
	}
}

func TestSubmitWhileSuspended(t *testing.T) {
	rec := &recorder{}
	ring, _, suspended := newTestRing(t, 8, false, rec)

	suspended.Store(true)
	if err := ring.Submit(page(0), nil); err != ErrSuspended {
		t.Errorf("expected ErrSuspended, got %v", err)
	}
	if ring.Pending() != 0 {
		t.Errorf("suspended submit changed pending count")
	}
}

func TestCongestionBlocksUntilRetire(t *testing.T) {
	rec := &recorder{}
	ring, eng, _ := newTestRing(t, 4, false, rec)

	for i := 0; i < 4; i++ {
		if err := ring.Submit(page(byte(i)), i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- ring.Submit(page(9), 4) }()

	select {
	case err := <-done:
		t.Fatalf("submit into full ring returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := eng.Complete(regs.CdescCompressed, []byte{1}, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ring.UpdateCompleteIndex()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unblocked submit failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("submit still blocked after a slot was retired")
	}
	if ring.Pending() != 4 {
		t.Errorf("pending %d", ring.Pending())
	}
}

func TestHaltStopsReconcileEarly(t *testing.T) {
	rec := &recorder{}
	ring, eng, _ := newTestRing(t, 8, false, rec)

	for i := 0; i < 3; i++ {
		ring.Submit(page(byte(i)), i)
	}
	if err := eng.Complete(regs.CdescErrorHalted, nil, 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if halt := ring.UpdateCompleteIndex(); !halt {
		t.Fatal("halted descriptor did not stop reconciliation")
	}
	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("expected 1 callback before halt, got %d", got)
	}

	ring.AbortIncomplete()
	entries := rec.snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 callbacks after abort, got %d", len(entries))
	}
	for i, e := range entries {
		if e.status != regs.CdescErrorHalted {
			t.Errorf("callback %d status %s", i, e.status)
		}
		if e.priv != i {
			t.Errorf("callback %d priv %v", i, e.priv)
		}
	}
}

func TestRingWrapAround(t *testing.T) {
	rec := &recorder{}
	ring, eng, _ := newTestRing(t, 4, false, rec)

	// three laps around a 4-slot ring exercises the doubled index range
	for i := 0; i < 12; i++ {
		if err := ring.Submit(page(byte(i)), i); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if err := eng.Complete(regs.CdescCompressed, []byte{byte(i)}, 0); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		ring.UpdateCompleteIndex()
	}

	entries := rec.snapshot()
	if len(entries) != 12 {
		t.Fatalf("expected 12 callbacks, got %d", len(entries))
	}
	for i, e := range entries {
		if e.priv != i {
			t.Errorf("callback %d carries priv %v", i, e.priv)
		}
	}
}

func TestDumpStateIncludesDecompressionSlots(t *testing.T) {
	eng := hwsim.New(hwsim.Config{DecompressSlots: 2})
	var buf bytes.Buffer
	log := logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: &buf,
		Sync:   true,
	})
	rec := &recorder{}
	ring, err := NewRing(Config{
		Block:     eng,
		Size:      16,
		Suspended: &atomic.Bool{},
		Callback:  rec.callback,
		Logger:    log,
	})
	if err != nil {
		t.Fatalf("NewRing: %v", err)
	}
	t.Cleanup(ring.Close)
	ring.Init()

	ring.DumpState()

	out := buf.String()
	for _, want := range []string{"dcmd[0]", "dcmd[1]", "write_index"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q", want)
		}
	}
	if strings.Contains(out, "dcmd[2]") {
		t.Error("dump covers more slots than the hardware reports")
	}
}
