package arm64patch

import (
	"encoding/binary"
	"testing"
)

func words(code []byte) []uint32 {
	out := make([]uint32, len(code)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return out
}

func encode(ws ...uint32) []byte {
	out := make([]byte, len(ws)*4)
	for i, w := range ws {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// decodeMovSeq reads the value materialized by a MOVZ + 3x MOVK run.
func decodeMovSeq(t *testing.T, ws []uint32) (rd uint32, value uint64) {
	t.Helper()
	if len(ws) < 4 {
		t.Fatalf("mov sequence too short: %d words", len(ws))
	}
	rd = ws[0] & 0x1f
	for i := 0; i < 4; i++ {
		w := ws[i]
		if w&0x1f != rd {
			t.Fatalf("mov sequence switches register at word %d", i)
		}
		hw := (w >> 21) & 3
		imm := uint64((w >> 5) & 0xffff)
		value |= imm << (16 * hw)
	}
	return rd, value
}

func shiftBy(delta uint64) Relocate {
	return func(old uint64) uint64 { return old + delta }
}

func TestPatchAdrpExpandsToAbsoluteMov(t *testing.T) {
	// adrp x3, #0x1000 at pc 0x400: old page 0x0, target page 0x1000.
	adrp := uint32(0xb0000000 | 3)
	out, stats := Patch(encode(adrp), 0x400, shiftBy(0x10000))
	if stats.Adrp != 1 {
		t.Fatalf("adrp count = %d", stats.Adrp)
	}
	ws := words(out)
	if len(ws) != 4 {
		t.Fatalf("expected 4-instruction expansion, got %d", len(ws))
	}
	rd, v := decodeMovSeq(t, ws)
	if rd != 3 {
		t.Errorf("destination register = %d, want 3", rd)
	}
	if v != (0x1000+0x10000)&^uint64(0xfff) {
		t.Errorf("materialized value = %#x, want %#x", v, 0x11000)
	}
}

func TestPatchBranchBecomesMovBr(t *testing.T) {
	// b #+8 at pc 0x1000 -> target 0x1008.
	b := uint32(0x14000002)
	out, stats := Patch(encode(b), 0x1000, shiftBy(0x2000))
	if stats.Br != 1 || stats.Expanded != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	ws := words(out)
	if len(ws) != 5 {
		t.Fatalf("expected movz/movk+br, got %d words", len(ws))
	}
	rd, v := decodeMovSeq(t, ws[:4])
	if rd != 16 {
		t.Errorf("scratch register = x%d, want x16", rd)
	}
	if v != 0x3008 {
		t.Errorf("branch target = %#x, want 0x3008", v)
	}
	if ws[4] != 0xd61f0000|16<<5 {
		t.Errorf("last word %#x is not BR X16", ws[4])
	}
}

func TestPatchBlBecomesMovBlr(t *testing.T) {
	bl := uint32(0x94000001) // bl #+4
	out, stats := Patch(encode(bl), 0x1000, shiftBy(0))
	if stats.Bl != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	ws := words(out)
	if ws[len(ws)-1] != 0xd63f0000|16<<5 {
		t.Errorf("last word %#x is not BLR X16", ws[len(ws)-1])
	}
	_, v := decodeMovSeq(t, ws[:4])
	if v != 0x1004 {
		t.Errorf("call target = %#x, want 0x1004", v)
	}
}

func TestPatchBcondInvertsAndSkips(t *testing.T) {
	// b.eq #+8 at 0x100 (cond=0, imm19=2).
	bcond := uint32(0x54000000 | 2<<5 | 0)
	out, stats := Patch(encode(bcond), 0x100, shiftBy(0x1000))
	if stats.CondBr != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	ws := words(out)
	if len(ws) != 6 {
		t.Fatalf("expected inverted-cond + 5-word sequence, got %d words", len(ws))
	}
	// First word: b.ne (cond inverted) skipping 5 instructions.
	if ws[0]&0xf != 1 {
		t.Errorf("condition not inverted: %#x", ws[0])
	}
	if (ws[0]>>5)&0x7ffff != 5 {
		t.Errorf("skip distance = %d instructions, want 5", (ws[0]>>5)&0x7ffff)
	}
	_, v := decodeMovSeq(t, ws[1:5])
	if v != 0x1108 {
		t.Errorf("target = %#x, want 0x1108", v)
	}
}

func TestPatchCbzFlipsConditionBit(t *testing.T) {
	// cbz x2, #+16 at 0: sf=1 op=0 imm19=4 rt=2.
	cbz := uint32(1<<31 | 0x1a<<25 | 0<<24 | 4<<5 | 2)
	out, _ := Patch(encode(cbz), 0, shiftBy(0))
	ws := words(out)
	if (ws[0]>>24)&1 != 1 {
		t.Errorf("condition bit not flipped: %#x", ws[0])
	}
	if (ws[0]>>5)&0x7ffff != 5 {
		t.Errorf("imm19 = %d, want 5", (ws[0]>>5)&0x7ffff)
	}
	if ws[0]&0x1f != 2 {
		t.Errorf("rt changed: %#x", ws[0])
	}
}

func TestPatchTbzFlipsConditionBit(t *testing.T) {
	// tbnz w1, #3, #+8: b5=0 op=1 b40=3 imm14=2 rt=1.
	tbnz := uint32(0x1b<<25 | 1<<24 | 3<<19 | 2<<5 | 1)
	out, _ := Patch(encode(tbnz), 0, shiftBy(0))
	ws := words(out)
	if (ws[0]>>24)&1 != 0 {
		t.Errorf("condition bit not flipped: %#x", ws[0])
	}
	if (ws[0]>>5)&0x3fff != 5 {
		t.Errorf("imm14 = %d, want 5", (ws[0]>>5)&0x3fff)
	}
	if (ws[0]>>19)&0x1f != 3 {
		t.Errorf("bit position changed: %#x", ws[0])
	}
}

func TestPatchPrfmLiteralBecomesNop(t *testing.T) {
	prfm := uint32(0xd8000000) // prfm pldl1keep, #0
	out, stats := Patch(encode(prfm), 0, shiftBy(0x1000))
	if stats.Prfm != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := words(out)[0]; got != nop {
		t.Errorf("prfm rewrote to %#x, want nop", got)
	}
}

func TestPatchLdrLiteralLoadsThroughX16(t *testing.T) {
	// ldr x5, #+16 at pc 0x200 (opc=1, v=0, imm19=4).
	ldr := uint32(0x58000000 | 4<<5 | 5)
	out, stats := Patch(encode(ldr), 0x200, shiftBy(0x1000))
	if stats.LdrLiteral != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	ws := words(out)
	if len(ws) != 5 {
		t.Fatalf("expected mov sequence + load, got %d words", len(ws))
	}
	rd, v := decodeMovSeq(t, ws[:4])
	if rd != 16 || v != 0x1210 {
		t.Errorf("address load x%d=%#x, want x16=0x1210", rd, v)
	}
	want := uint32(0xf9400000 | 16<<5 | 5) // ldr x5, [x16]
	if ws[4] != want {
		t.Errorf("load word = %#x, want %#x", ws[4], want)
	}
}

func TestPatchCopiesUnrelatedWordsVerbatim(t *testing.T) {
	in := encode(
		0xd503201f,          // nop
		0x8b010000,          // add x0, x0, x1
		0xffffffff,          // undecodable
		0xd65f03c0,          // ret
	)
	out, stats := Patch(in, 0x400, shiftBy(0x1000))
	if string(out) != string(in) {
		t.Error("non-PC-relative words were not copied verbatim")
	}
	if stats != (Stats{}) {
		t.Errorf("unexpected rewrites: %+v", stats)
	}
}
