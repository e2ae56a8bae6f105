package vmtranslate

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func translated(t *testing.T) *FunctionIR {
	t.Helper()
	fn, err := Translate(0x1000, asm(instMOVZ5, instADD, instBPlus8, instBL4, instSTR, instRET))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	return fn
}

func sameIR(t *testing.T, want, got *FunctionIR) {
	t.Helper()
	if got.Addr != want.Addr {
		t.Errorf("addr %#x != %#x", got.Addr, want.Addr)
	}
	if diff := cmp.Diff(want.RegIDs, got.RegIDs); diff != "" {
		t.Errorf("reg ids (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.TypeTags, got.TypeTags); diff != "" {
		t.Errorf("type tags (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.BranchTargets, got.BranchTargets); diff != "" {
		t.Errorf("branch targets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.CallTargets, got.CallTargets); diff != "" {
		t.Errorf("call targets (-want +got):\n%s", diff)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	fn := translated(t)
	var buf bytes.Buffer
	if err := WriteBinary(&buf, fn); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadBinary(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	sameIR(t, fn, got)
	if diff := cmp.Diff(fn.Records, got.Records); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
}

// A function whose branch-target and call-target counts differ catches any
// table-order mixup between WriteBinary and ReadBinary: with asymmetric
// lengths a swapped read order cannot cancel out to the same byte count.
func TestBinaryRoundTripAsymmetricTables(t *testing.T) {
	fn, err := Translate(0x1000, asm(
		0x14000002, // b #+8    -> 0x1008
		0x54000040, // b.eq #+8 -> 0x100c
		instBL4,    // bl #+4   -> 0x100c
		instRET,
	))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	wantBranches := []uint64{0x1008, 0x100c}
	wantCalls := []uint64{0x100c}
	if diff := cmp.Diff(wantBranches, fn.BranchTargets); diff != "" {
		t.Fatalf("fixture branch targets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantCalls, fn.CallTargets); diff != "" {
		t.Fatalf("fixture call targets (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if err := WriteBinary(&buf, fn); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadBinary(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(wantBranches, got.BranchTargets); diff != "" {
		t.Errorf("decoded branch targets (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantCalls, got.CallTargets); diff != "" {
		t.Errorf("decoded call targets (-want +got):\n%s", diff)
	}
}

func TestBinaryRejectsTrailingBytes(t *testing.T) {
	fn := translated(t)
	var buf bytes.Buffer
	if err := WriteBinary(&buf, fn); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf.WriteByte(0)
	if _, err := ReadBinary(bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestBinaryRejectsBadMagic(t *testing.T) {
	fn := translated(t)
	var buf bytes.Buffer
	if err := WriteBinary(&buf, fn); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.Bytes()
	raw[0] ^= 0xff
	if _, err := ReadBinary(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected magic error")
	}
}

// decode(encode(f)) == f at the field level for the bundle
// form, modulo the record boundaries it deliberately drops.
func TestBundleEncodingRoundTrip(t *testing.T) {
	fn := translated(t)
	enc := EncodeBundle(fn)
	dec, err := DecodeBundle(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	sameIR(t, fn, dec)

	var wantWords []uint32
	for _, rec := range fn.Records {
		wantWords = append(wantWords, rec.Words...)
	}
	if diff := cmp.Diff(wantWords, dec.Records[0].Words); diff != "" {
		t.Errorf("flattened words (-want +got):\n%s", diff)
	}

	if !bytes.Equal(EncodeBundle(dec), enc) {
		t.Error("re-encode differs from first encode")
	}
}

func TestDecodeBundleRejectsTrailingBytes(t *testing.T) {
	fn := translated(t)
	enc := append(EncodeBundle(fn), 0xaa)
	if _, err := DecodeBundle(enc); err == nil {
		t.Fatal("expected trailing-bytes error")
	}
}
