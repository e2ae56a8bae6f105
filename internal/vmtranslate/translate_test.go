package vmtranslate

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/aarch64vmp/vmptool/internal/vmerr"
	"github.com/google/go-cmp/cmp"
)

func asm(words ...uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

const (
	instADD    = 0x8b010000 // add x0, x0, x1
	instRET    = 0xd65f03c0 // ret
	instMOVZ5  = 0xd28000a0 // mov x0, #5
	instLDR    = 0xf9400401 // ldr x1, [x0, #8]
	instSTR    = 0xf9000401 // str x1, [x0, #8]
	instFMOV   = 0x9e670000 // fmov d0, x0 (unsupported)
	instBPlus8 = 0x14000002 // b #+8
	instBL4    = 0x94000001 // bl #+4
)

func TestTranslatePrologueAndCounts(t *testing.T) {
	fn, err := Translate(0x1000, asm(instADD, instRET))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}

	if len(fn.Records) != 4 { // 2 prologue + 2 instructions
		t.Fatalf("records = %d, want 4", len(fn.Records))
	}
	if fn.Records[0].Addr != 0 || Op(fn.Records[0].Words[0]) != OP_ALLOC_RETURN {
		t.Errorf("record 0 is not the OP_ALLOC_RETURN prologue")
	}
	if fn.Records[1].Addr != 1 || Op(fn.Records[1].Words[0]) != OP_ALLOC_VSP {
		t.Errorf("record 1 is not the OP_ALLOC_VSP prologue")
	}

	if len(fn.RegIDs) < 4 {
		t.Errorf("reg table has %d entries, data model requires at least 4", len(fn.RegIDs))
	}
	for i := uint32(0); i <= 30; i++ {
		if fn.RegIDs[i] != i {
			t.Fatalf("reg_ids not positional at %d: %d", i, fn.RegIDs[i])
		}
	}

	// The recorded words must sum to the stream's word count: 5+6 words of
	// prologue, 6 for the add and 3 for the ret.
	total := 0
	for _, rec := range fn.Records {
		total += len(rec.Words)
	}
	if total != 20 {
		t.Fatalf("instruction stream has %d words, want 20", total)
	}
}

func TestTranslateAddEmitsBinary(t *testing.T) {
	fn, err := Translate(0x1000, asm(instADD))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	rec := fn.Records[2]
	want := []uint32{uint32(OP_BINARY), uint32(BinAdd), uint32(TypeTagInt64Signed), 0, 1, 0}
	if diff := cmp.Diff(want, rec.Words); diff != "" {
		t.Errorf("add words (-want +got):\n%s", diff)
	}
}

func TestTranslateLoadStore(t *testing.T) {
	fn, err := Translate(0x1000, asm(instSTR, instLDR))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	st := fn.Records[2].Words
	if Op(st[0]) != OP_SET_FIELD || st[1] != uint32(TypeTagInt64Signed) || st[2] != 0 || st[3] != 8 || st[4] != 1 {
		t.Errorf("str words = %v", st)
	}
	ld := fn.Records[3].Words
	if Op(ld[0]) != OP_GET_FIELD || ld[3] != 8 {
		t.Errorf("ldr words = %v", ld)
	}
}

func TestTranslateBranchTables(t *testing.T) {
	// b #+8 at 0x1000 branches to 0x1008; bl #+4 at 0x1004 calls 0x1008.
	fn, err := Translate(0x1000, asm(instBPlus8, instBL4, instRET))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if len(fn.BranchTargets) != 1 || fn.BranchTargets[0] != 0x1008 {
		t.Errorf("branch targets = %#x, want [0x1008]", fn.BranchTargets)
	}
	if len(fn.CallTargets) != 1 || fn.CallTargets[0] != 0x1008 {
		t.Errorf("call targets = %#x, want [0x1008]", fn.CallTargets)
	}
	if Op(fn.Records[2].Words[0]) != OP_BRANCH {
		t.Errorf("b word = %v", fn.Records[2].Words)
	}
	if Op(fn.Records[3].Words[0]) != OP_BL {
		t.Errorf("bl word = %v", fn.Records[3].Words)
	}
}

func TestTranslateUnsupportedNamesThePC(t *testing.T) {
	_, err := Translate(0x2000, asm(instMOVZ5, instFMOV))
	if err == nil {
		t.Fatal("expected translation failure")
	}
	var terr *vmerr.TranslationError
	if !errors.As(err, &terr) {
		t.Fatalf("error type %T, want *vmerr.TranslationError", err)
	}
	if terr.PC != 0x2004 {
		t.Errorf("failing pc = %#x, want 0x2004", terr.PC)
	}
	if terr.Mnemonic == "" {
		t.Error("error carries no mnemonic")
	}
}

func TestRemapBLToShared(t *testing.T) {
	fn, err := Translate(0x1000, asm(instBL4, instRET))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	shared := []uint64{0xdead, 0x1004, 0xbeef}
	if err := fn.RemapBLToShared(shared); err != nil {
		t.Fatalf("remap: %v", err)
	}
	blWords := fn.Records[2].Words
	if Op(blWords[0]) != OP_BL || blWords[1] != 1 {
		t.Errorf("bl remapped to %v, want shared index 1", blWords)
	}
}

func TestRemapBLToSharedMissingTarget(t *testing.T) {
	fn, err := Translate(0x1000, asm(instBL4, instRET))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if err := fn.RemapBLToShared([]uint64{0xdead}); err == nil {
		t.Fatal("expected missing-target error")
	}
}

func TestRemapBLEmptySharedNoBL(t *testing.T) {
	fn, err := Translate(0x1000, asm(instADD, instRET))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if err := fn.RemapBLToShared(nil); err != nil {
		t.Errorf("function without BL must accept an empty shared table: %v", err)
	}
}

func TestTranslateCselExpansion(t *testing.T) {
	// csel x0, x1, x2, eq = 0x9a820020
	fn, err := Translate(0x1000, asm(0x9a820020, instRET))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	rec := fn.Records[2]
	ops := opSequence(rec.Words)
	want := []Op{OP_MOV, OP_BRANCH_IF_CC, OP_MOV}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Errorf("csel expansion (-want +got):\n%s", diff)
	}
	if len(fn.BranchTargets) != 1 || fn.BranchTargets[0] != 0x1004 {
		t.Errorf("csel branch target = %#x, want next instruction 0x1004", fn.BranchTargets)
	}
}

func TestTranslateTbzExpansion(t *testing.T) {
	// tbz w0, #3, #+8: op=0 b40=3 imm14=2 rt=0.
	tbz := uint32(0x1b<<25 | 3<<19 | 2<<5)
	fn, err := Translate(0x1000, asm(tbz, instRET))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	ops := opSequence(fn.Records[2].Words)
	want := []Op{OP_BINARY_IMM, OP_BINARY_IMM, OP_BRANCH_IF_CC}
	if diff := cmp.Diff(want, ops); diff != "" {
		t.Errorf("tbz expansion (-want +got):\n%s", diff)
	}
}

func TestTranslateMrsDegradesToZero(t *testing.T) {
	// mrs x0, tpidr_el0
	fn, err := Translate(0x1000, asm(0xd53bd040, instRET))
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	rec := fn.Records[2].Words
	if Op(rec[0]) != OP_LOAD_IMM || rec[1] != 0 || rec[2] != 0 {
		t.Errorf("mrs words = %v, want OP_LOAD_IMM x0, 0", rec)
	}
}

func TestProbeWord(t *testing.T) {
	if !ProbeWord(0x1000, instADD) {
		t.Error("add should probe as supported")
	}
	if ProbeWord(0x1000, instFMOV) {
		t.Error("fmov should probe as unsupported")
	}
}

func opSequence(words []uint32) []Op {
	var ops []Op
	w := 0
	for w < len(words) {
		op := Op(words[w])
		ops = append(ops, op)
		w += 1 + instWords[op]
	}
	return ops
}
