package patchbay

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderMarshalRoundTrip(t *testing.T) {
	h := &Header{
		Magic: Magic, Version: Version, Flags: 3,
		TotalSize: 4096, HeaderSize: HeaderSize, PayloadSize: 4096 - HeaderSize,
		DynsymOff: 152, DynsymCap: 480,
		DynstrOff: 632, DynstrCap: 256,
		GnuHashOff: 888, GnuHashCap: 128,
		SysvHashOff: 1016, SysvHashCap: 96,
		VersymOff: 1112, VersymCap: 64,
		TakeoverSlotTotal: 16, TakeoverSlotUsed: 3,
		OrigDtSymtab: 0x3a0, OrigDtStrtab: 0x520, OrigDtGnuHash: 0x5e0,
		OrigDtHash: 0x610, OrigDtVersym: 0x640,
		UsedDynsym: 120, UsedDynstr: 33, UsedGnuhash: 44,
		UsedSysvhash: 0, UsedVersym: 10,
		TakeoverSlotBitmapLo: 0x7, TakeoverSlotBitmapHi: 0,
		CRC32: 0xdeadbeef,
	}
	raw := h.Marshal()
	if len(raw) != HeaderSize {
		t.Fatalf("marshaled size %d, want %d", len(raw), HeaderSize)
	}
	got, err := UnmarshalHeader(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header (-want +got):\n%s", diff)
	}
}

func TestUnmarshalHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := UnmarshalHeader(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestBitmaskForCount(t *testing.T) {
	cases := map[uint32]uint64{
		0:  0,
		1:  1,
		3:  0x7,
		63: 0x7fffffffffffffff,
		64: ^uint64(0),
		90: ^uint64(0),
	}
	for count, want := range cases {
		if got := bitmaskForCount(count); got != want {
			t.Errorf("bitmaskForCount(%d) = %#x, want %#x", count, got, want)
		}
	}
}

func TestBuildReservedLayout(t *testing.T) {
	raw := BuildReserved(480, 256, 128, 0, 64, 16)
	h, err := UnmarshalHeader(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.Magic != Magic || h.Version != Version {
		t.Errorf("magic/version = %#x/%d", h.Magic, h.Version)
	}
	if h.DynsymOff < HeaderSize {
		t.Errorf("dynsym region overlaps header at %d", h.DynsymOff)
	}
	if h.SysvHashCap != 0 || h.SysvHashOff != 0 {
		t.Errorf("zero-capacity region still placed: off=%d cap=%d", h.SysvHashOff, h.SysvHashCap)
	}
	if uint32(len(raw)) != h.TotalSize {
		t.Errorf("payload length %d != TotalSize %d", len(raw), h.TotalSize)
	}
	for _, r := range h.regions() {
		if err := checkRegionLayout(h, r, uint64(len(raw))); err != nil {
			t.Errorf("region %s: %v", r.name, err)
		}
	}
	// Regions must not overlap each other.
	prevEnd := uint32(HeaderSize)
	for _, r := range h.regions() {
		if r.cap == 0 {
			continue
		}
		if r.off < prevEnd {
			t.Errorf("region %s at %d overlaps previous ending at %d", r.name, r.off, prevEnd)
		}
		prevEnd = r.off + r.cap
	}
}
