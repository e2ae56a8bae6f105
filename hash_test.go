package vmpelf

import (
	"encoding/binary"
	"testing"
)

func TestGnuHashKnownValues(t *testing.T) {
	// Reference values from the published DJB-33 examples for .gnu.hash.
	cases := map[string]uint32{
		"":       5381,
		"printf": 0x156b2bb8,
	}
	for name, want := range cases {
		if got := GnuHash(name); got != want {
			t.Errorf("GnuHash(%q) = %#x, want %#x", name, got, want)
		}
	}
}

func TestElfHashKnownValues(t *testing.T) {
	cases := map[string]uint32{
		"":       0,
		"printf": 0x077905a6,
	}
	for name, want := range cases {
		if got := ElfHash(name); got != want {
			t.Errorf("ElfHash(%q) = %#x, want %#x", name, got, want)
		}
	}
}

func TestBuildGnuHashSingleBucket(t *testing.T) {
	names := []string{"", "alpha", "beta", "gamma"}
	buf := BuildGnuHash(names, 1)

	le := binary.LittleEndian
	if got := le.Uint32(buf[0:]); got != 1 {
		t.Errorf("nbuckets = %d, want 1", got)
	}
	if got := le.Uint32(buf[4:]); got != 1 {
		t.Errorf("symoffset = %d, want 1", got)
	}
	if got := le.Uint32(buf[8:]); got != 1 {
		t.Errorf("bloom_size = %d, want 1", got)
	}
	if got := le.Uint32(buf[12:]); got != 6 {
		t.Errorf("bloom_shift = %d, want 6", got)
	}
	if got := le.Uint32(buf[24:]); got != 1 {
		t.Errorf("bucket[0] = %d, want symoffset", got)
	}

	// Chain entries carry the hash with bit 0 as the stop marker; only the
	// last may have it set.
	chain := buf[28:]
	n := len(chain) / 4
	if n != 3 {
		t.Fatalf("chain length = %d, want 3", n)
	}
	for i := 0; i < n; i++ {
		v := le.Uint32(chain[i*4:])
		stop := v&1 != 0
		if (i == n-1) != stop {
			t.Errorf("chain[%d] stop bit = %v", i, stop)
		}
		if v&^1 != GnuHash(names[i+1])&^1 {
			t.Errorf("chain[%d] hash mismatch", i)
		}
	}
}

func TestBuildSysvHashShape(t *testing.T) {
	names := []string{"", "a", "b"}
	buf := BuildSysvHash(names)
	le := binary.LittleEndian
	if got := le.Uint32(buf[0:]); got != 1 {
		t.Errorf("nbucket = %d, want 1", got)
	}
	if got := le.Uint32(buf[4:]); got != 3 {
		t.Errorf("nchain = %d, want 3", got)
	}
	// The single bucket heads at the last symbol and chains down to
	// STN_UNDEF so every defined symbol stays reachable.
	if got := le.Uint32(buf[8:]); got != 2 {
		t.Errorf("bucket[0] = %d, want 2", got)
	}
	if got := le.Uint32(buf[12:]); got != 0 {
		t.Errorf("chain[0] = %d, want STN_UNDEF terminator", got)
	}
	if got := le.Uint32(buf[16:]); got != 0 {
		t.Errorf("chain[1] = %d, want 0", got)
	}
	if got := le.Uint32(buf[20:]); got != 1 {
		t.Errorf("chain[2] = %d, want 1", got)
	}
}
