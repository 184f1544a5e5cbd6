package hwsim

import (
	"testing"

	"github.com/caimito-aosp/go-eh/internal/regs"
)

func TestGlobalResetAcknowledges(t *testing.T) {
	eng := New(Config{})
	eng.Write64(regs.GCtrl, ^uint64(0))
	if got := eng.Read64(regs.GCtrl); got != 0 {
		t.Errorf("reset not acknowledged, GCTRL reads %#x", got)
	}
}

func TestGlobalResetFailureMode(t *testing.T) {
	eng := New(Config{FailReset: true})
	eng.Write64(regs.GCtrl, ^uint64(0))
	if got := eng.Read64(regs.GCtrl); got == 0 {
		t.Error("FailReset engine acknowledged the reset")
	}
}

func TestFIFOResetClearsIndices(t *testing.T) {
	eng := New(Config{})
	eng.Write64(regs.CDescLoc, regs.EncodeCDescLoc(0, 8))
	eng.Write64(regs.CDescWriteIndex, 5)

	eng.Write64(regs.CDescCtrl, 1<<regs.CtrlFIFOResetShift)
	if got := eng.Read64(regs.CDescCtrl); got&(1<<regs.CtrlFIFOResetShift) != 0 {
		t.Error("fifo reset bit still latched")
	}
	if got := eng.Read64(regs.CDescWriteIndex); got != 0 {
		t.Errorf("write index %d after fifo reset", got)
	}
	if got := eng.Read64(regs.CDescCtrl) & regs.CtrlCompleteIndexMask; got != 0 {
		t.Errorf("complete index %d after fifo reset", got)
	}
}

func TestEnableBitLatches(t *testing.T) {
	eng := New(Config{})
	eng.Write64(regs.CDescCtrl, 1<<regs.CtrlCompressEnableShift)
	if got := eng.Read64(regs.CDescCtrl); got&(1<<regs.CtrlCompressEnableShift) == 0 {
		t.Error("enable bit not latched")
	}
	eng.Write64(regs.CDescCtrl, 0)
	if got := eng.Read64(regs.CDescCtrl); got&(1<<regs.CtrlCompressEnableShift) != 0 {
		t.Error("enable bit not cleared")
	}
}

func TestFeaturesReporting(t *testing.T) {
	eng := New(Config{DecompressSlots: 2, MaxBuffers: 3})
	f2 := eng.Read64(regs.HWFeatures2)
	if got := regs.Features2DecompressSlots(f2); got != 2 {
		t.Errorf("slots %d", got)
	}
	if got := regs.Features2MaxBuffers(f2); got != 3 {
		t.Errorf("max buffers %d", got)
	}
}

func TestInterruptStatusWriteOneToClear(t *testing.T) {
	eng := New(Config{})
	eng.Write64(regs.IntrMaskErr, 0) // plain store path
	eng.store[regs.IntrStatErr] = 0b1010

	eng.Write64(regs.IntrStatErr, 0b0010)
	if got := eng.Read64(regs.IntrStatErr); got != 0b1000 {
		t.Errorf("status after partial clear: %#b", got)
	}
}

func TestCompleteWithoutPending(t *testing.T) {
	eng := New(Config{})
	eng.Write64(regs.CDescLoc, regs.EncodeCDescLoc(0, 8))
	if err := eng.Complete(regs.CdescCompressed, nil, 0); err != ErrNoPending {
		t.Errorf("expected ErrNoPending, got %v", err)
	}
}

func TestErrorConditionLatch(t *testing.T) {
	eng := New(Config{})
	eng.RaiseError(0xBEEF)
	if got := eng.Read64(regs.ErrCond); got != 0xBEEF {
		t.Errorf("error condition %#x", got)
	}
}
