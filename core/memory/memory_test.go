package memory

import (
	"bytes"
	"testing"
)

func TestPageTableMapReadWrite(t *testing.T) {
	pt := NewPageTable()
	backing := make([]byte, 2*PageSize)
	pt.MapPages(0x10000000, uint32(len(backing)), backing)

	if !pt.IsValidVirtualAddress(0x10000000) || !pt.IsValidVirtualAddress(0x10001FFF) {
		t.Fatal("mapped range not valid")
	}
	if pt.IsValidVirtualAddress(0x10002000) {
		t.Fatal("address past the mapping is valid")
	}

	pt.Write32(0x10000010, 0xCAFEBABE)
	if got := pt.Read32(0x10000010); got != 0xCAFEBABE {
		t.Fatalf("read back %08X", got)
	}
	// The write landed in the host backing.
	if backing[0x10] != 0xBE || backing[0x13] != 0xCA {
		t.Fatal("little-endian layout mismatch in backing")
	}
}

func TestBlockOpsSpanPages(t *testing.T) {
	pt := NewPageTable()
	backing := make([]byte, 2*PageSize)
	pt.MapPages(0x10000000, uint32(len(backing)), backing)

	payload := bytes.Repeat([]byte{0x5A}, 0x200)
	pt.WriteBlock(0x10000F80, payload) // straddles the page boundary
	got := make([]byte, len(payload))
	pt.ReadBlock(0x10000F80, got)
	if !bytes.Equal(got, payload) {
		t.Fatal("cross-page block round trip failed")
	}
}

func TestUnmappedReadsZero(t *testing.T) {
	pt := NewPageTable()
	if pt.Read32(0x10000000) != 0 {
		t.Fatal("unmapped read not zero")
	}
	buf := []byte{1, 2, 3, 4}
	pt.ReadBlock(0x10000000, buf)
	for _, b := range buf {
		if b != 0 {
			t.Fatal("unmapped block read not zeroed")
		}
	}
}

func TestZeroBlock(t *testing.T) {
	pt := NewPageTable()
	backing := bytes.Repeat([]byte{0xFF}, int(PageSize))
	pt.MapPages(0x10000000, PageSize, backing)
	pt.ZeroBlock(0x10000100, 0x80)
	for i := 0x100; i < 0x180; i++ {
		if backing[i] != 0 {
			t.Fatal("zero block missed a byte")
		}
	}
	if backing[0xFF] != 0xFF || backing[0x180] != 0xFF {
		t.Fatal("zero block touched neighbours")
	}
}

func TestReadCString(t *testing.T) {
	pt := NewPageTable()
	backing := make([]byte, PageSize)
	pt.MapPages(0x10000000, PageSize, backing)
	copy(backing, append([]byte("srv:apt"), 0))

	if got := pt.ReadCString(0x10000000, 12); got != "srv:apt" {
		t.Fatalf("read %q", got)
	}
	// Truncated reads stop at maxLen.
	if got := pt.ReadCString(0x10000000, 3); got != "srv" {
		t.Fatalf("read %q, want truncation at 3", got)
	}
}
