package regs

import "testing"

func TestEncodeDcmdBuffer(t *testing.T) {
	cases := []struct {
		addr  uint64
		align uint64
		class uint64
	}{
		{0x1000, 64, 1},
		{0x2000, 128, 2},
		{0x4000, 4096, 7},
	}
	for _, c := range cases {
		v := EncodeDcmdBuffer(c.addr, c.align)
		if v&DcmdAddrMask != c.addr {
			t.Errorf("align %d: address %#x mangled to %#x", c.align, c.addr, v&DcmdAddrMask)
		}
		if got := v >> DcmdBufSizeShift; got != c.class {
			t.Errorf("align %d: expected class %d, got %d", c.align, c.class, got)
		}
	}
}

func TestEncodeCDescLoc(t *testing.T) {
	v := EncodeCDescLoc(0x10000, 256)
	if v&^0x3F != 0x10000 {
		t.Errorf("address bits mangled: %#x", v)
	}
	if v&0x3F != 8 {
		t.Errorf("expected log2(256)=8 in low bits, got %d", v&0x3F)
	}
}

func TestDcmdStatusExtract(t *testing.T) {
	v := uint64(0x1234) | uint64(DcmdDecompressed)<<DcmdStatusShift
	if got := DcmdStatus(v); got != DcmdDecompressed {
		t.Errorf("expected DECOMPRESSED, got %s", got)
	}
	if got := DcmdStatus(0x1234); got != DcmdIdle {
		t.Errorf("expected IDLE for clear status bits, got %s", got)
	}
}

func TestDcmdRegisterLayout(t *testing.T) {
	if DcmdCSize(0) != 0x100 {
		t.Errorf("slot 0 CSIZE at %#x", DcmdCSize(0))
	}
	if DcmdCSize(1)-DcmdCSize(0) != 0x40 {
		t.Errorf("slot stride %#x", DcmdCSize(1)-DcmdCSize(0))
	}
	if DcmdDest(0) != DcmdCSize(0)+8 {
		t.Errorf("DEST offset %#x", DcmdDest(0))
	}
	if DcmdBuf(0, 3)-DcmdBuf(0, 0) != 24 {
		t.Errorf("BUF registers not contiguous")
	}
}

func TestFeatures2Fields(t *testing.T) {
	v := uint64(4)<<16 | uint64(6)<<8
	if got := Features2DecompressSlots(v); got != 4 {
		t.Errorf("expected 4 slots, got %d", got)
	}
	if got := Features2MaxBuffers(v); got != 6 {
		t.Errorf("expected 6 buffers, got %d", got)
	}
}

func TestDescriptorSourcePreservesControlBits(t *testing.T) {
	var d CompressDescriptor
	d.SetMaxBuffers(2)
	d.SetStatus(CdescIdle)
	d.SetSource(0xABCDE000)

	if d.Source() != 0xABCDE000 {
		t.Errorf("source %#x", d.Source())
	}
	if d.MaxBuffers() != 2 {
		t.Errorf("max buffers clobbered: %d", d.MaxBuffers())
	}

	d.SetStatus(CdescPending)
	if d.Source() != 0xABCDE000 {
		t.Errorf("status write clobbered source: %#x", d.Source())
	}
	if d.Status() != CdescPending {
		t.Errorf("status %s", d.Status())
	}
}

func TestDescriptorLengthAndBufferSelect(t *testing.T) {
	var d CompressDescriptor
	d.SetCompressedLength(1234)
	d.SetBufferSelect(2)

	if d.CompressedLength() != 1234 {
		t.Errorf("length %d", d.CompressedLength())
	}
	if d.BufferSelect() != 2 {
		t.Errorf("buffer select %d", d.BufferSelect())
	}

	// the fields share a word and must not clobber each other
	d.SetCompressedLength(77)
	if d.BufferSelect() != 2 {
		t.Errorf("length write clobbered buffer select")
	}
}

func TestDescriptorDestinationEncoding(t *testing.T) {
	var d CompressDescriptor
	d.SetDestination(0, 0x40000, 4096)
	d.SetDestination(1, 0x41000, 1024)

	if d.DestinationAddr(0) != 0x40000 {
		t.Errorf("addr 0 %#x", d.DestinationAddr(0))
	}
	if d.DestinationSize(0) != 4096 {
		t.Errorf("size 0 %d", d.DestinationSize(0))
	}
	if d.DestinationSize(1) != 1024 {
		t.Errorf("size 1 %d", d.DestinationSize(1))
	}

	d.ClearDestination(1)
	if d.Dst[1] != 0 {
		t.Errorf("clear left %#x", d.Dst[1])
	}
}

func TestDescriptorAtStride(t *testing.T) {
	fifo := make([]byte, 4*CompressDescSize)
	d0 := DescriptorAt(fifo, 0)
	d1 := DescriptorAt(fifo, 1)
	d0.SetSource(0x1000)
	d1.SetSource(0x2000)
	if d0.Source() != 0x1000 || d1.Source() != 0x2000 {
		t.Errorf("descriptors overlap: %#x %#x", d0.Source(), d1.Source())
	}
}

func TestStatusStrings(t *testing.T) {
	if CdescErrorHalted.String() != "ERROR_HALTED" {
		t.Errorf("got %s", CdescErrorHalted.String())
	}
	if CompressStatus(99).String() != "UNKNOWN" {
		t.Errorf("got %s", CompressStatus(99).String())
	}
	if DcmdPending.String() != "PENDING" {
		t.Errorf("got %s", DcmdPending.String())
	}
}
