package vmtranslate

import (
	"encoding/binary"
	"fmt"

	"github.com/aarch64vmp/vmptool/internal/arm64dis"
	"github.com/aarch64vmp/vmptool/internal/armreg"
	"github.com/aarch64vmp/vmptool/internal/vmerr"
)

// AddrRecord is one entry of a translated function's flat instruction
// stream, keyed by the AArch64 address it was generated from. A single
// original instruction can expand into several VM instructions (their
// opcode+operand words are concatenated in Words). Addresses 0 and 1 carry
// the fixed prologue rather than a decoded instruction.
type AddrRecord struct {
	Addr    uint64
	Words   []uint32
	AsmText string
}

// FunctionIR is the translated form of one AArch64 function: a flat
// instruction stream plus the side tables (registers touched, type tags
// used, and the local branch/call target tables) a function's encoded form
// needs to carry. Call targets are addresses local to this function only;
// RemapBLToShared rewrites each OP_BL's index into them as an index into a
// table shared across every translated function in the run.
type FunctionIR struct {
	Addr         uint64
	RegIDs       []uint32
	TypeTags     []TypeTag
	BranchTargets []uint64
	CallTargets  []uint64
	Records      []AddrRecord

	regSeen   map[uint32]bool
	typeSeen  map[TypeTag]bool
	branchIdx map[uint64]int
	callIdx   map[uint64]int
}

func newFunctionIR(addr uint64) *FunctionIR {
	return &FunctionIR{
		Addr:      addr,
		regSeen:   map[uint32]bool{},
		typeSeen:  map[TypeTag]bool{},
		branchIdx: map[uint64]int{},
		callIdx:   map[uint64]int{},
	}
}

// armX29, armSP are the raw 5-bit register field values for the frame
// pointer and stack pointer, used by the fixed prologue below. AArch64
// encodes SP as register 31; in a MOV or CSEL source position the same
// value means XZR instead (see assignRegOrZero).
const (
	armX29 = 29
	armSP  = 31
)

func (fn *FunctionIR) useReg(r uint32) uint32 {
	if !fn.regSeen[r] {
		fn.regSeen[r] = true
		fn.RegIDs = append(fn.RegIDs, r)
	}
	return r
}

func (fn *FunctionIR) useType(t TypeTag) TypeTag {
	if !fn.typeSeen[t] {
		fn.typeSeen[t] = true
		fn.TypeTags = append(fn.TypeTags, t)
	}
	return t
}

func (fn *FunctionIR) getOrAddBranch(target uint64) uint32 {
	if idx, ok := fn.branchIdx[target]; ok {
		return uint32(idx)
	}
	idx := len(fn.BranchTargets)
	fn.BranchTargets = append(fn.BranchTargets, target)
	fn.branchIdx[target] = idx
	return uint32(idx)
}

func (fn *FunctionIR) getOrAddCall(target uint64) uint32 {
	if idx, ok := fn.callIdx[target]; ok {
		return uint32(idx)
	}
	idx := len(fn.CallTargets)
	fn.CallTargets = append(fn.CallTargets, target)
	fn.callIdx[target] = idx
	return uint32(idx)
}

// RemapBLToShared rewrites every OP_BL's local call-table index into an
// index within shared, the run-wide call-target address table every
// bundled function resolves against. An empty shared table is only legal
// for a function with no BL at all.
func (fn *FunctionIR) RemapBLToShared(shared []uint64) error {
	idx := make(map[uint64]uint32, len(shared))
	for i, a := range shared {
		idx[a] = uint32(i)
	}
	return fn.remapBlToShared(idx)
}

// remapBlToShared replaces every OP_BL's local call-table index with its
// index in a table shared across every function translated in this run.
// Every local call target must be present in shared; a missing target is
// an error (a non-empty local table with an incomplete shared
// table is a configuration bug upstream, not a recoverable one here).
func (fn *FunctionIR) remapBlToShared(shared map[uint64]uint32) error {
	for i := range fn.Records {
		rec := &fn.Records[i]
		for w := 0; w < len(rec.Words); {
			op := Op(rec.Words[w])
			n := instWords[op]
			if op == OP_BL {
				target := fn.CallTargets[rec.Words[w+1]]
				idx, ok := shared[target]
				if !ok {
					return fmt.Errorf("vmtranslate: BL target %#x missing from shared call table", target)
				}
				rec.Words[w+1] = idx
			}
			w += 1 + n
		}
	}
	return nil
}

// Translate decodes code (a contiguous AArch64 function body starting at
// addr) into a FunctionIR. On the first unrecognized or unsupported
// instruction it returns a *vmerr.TranslationError naming the failing PC,
// mnemonic and operand text, matching the abort-on-first-miss behavior
// required of the translator.
func Translate(addr uint64, code []byte) (*FunctionIR, error) {
	fn := newFunctionIR(addr)
	for r := uint32(0); r <= 30; r++ {
		fn.useReg(r)
	}
	fn.Records = append(fn.Records,
		AddrRecord{Addr: 0, Words: appendInst(nil, OP_ALLOC_RETURN, 0, 0, 0, 0)},
		AddrRecord{Addr: 1, Words: appendInst(nil, OP_ALLOC_VSP, 0, 0, 0, armX29, armSP)},
	)

	n := len(code) / 4
	for i := 0; i < n; i++ {
		pc := addr + uint64(i*4)
		word := binary.LittleEndian.Uint32(code[i*4 : i*4+4])
		inst, _ := arm64dis.Decode(pc, code[i*4:i*4+4])
		asmText := inst.Mnemonic
		if inst.OpStr != "" {
			asmText += " " + inst.OpStr
		}
		words, err := translateOne(fn, pc, word)
		if err != nil {
			return nil, vmerr.Translation(pc, inst.Mnemonic, inst.OpStr, err)
		}
		fn.Records = append(fn.Records, AddrRecord{Addr: pc, Words: words, AsmText: asmText})
	}
	return fn, nil
}

// ProbeWord reports whether a single instruction word has a translation
// rule, without building up a function. The coverage board uses this as
// its supported-id check; branch and call targets minted during the probe
// are discarded with the throwaway FunctionIR.
func ProbeWord(pc uint64, word uint32) bool {
	fn := newFunctionIR(pc)
	_, err := translateOne(fn, pc, word)
	return err == nil
}

func reg(word uint32, shift uint) uint32 { return (word >> shift) & 0x1f }

func splitLoHi(v uint64) (lo, hi uint32) { return uint32(v), uint32(v >> 32) }

func signExtend(v int64, bits uint) int64 {
	shift := 64 - bits
	return (v << shift) >> shift
}

func appendInst(words []uint32, op Op, operands ...uint32) []uint32 {
	words = append(words, uint32(op))
	words = append(words, operands...)
	return words
}

// assignRegOrZero emits "dst = src", treating raw register 31 as the zero
// register (OP_LOAD_IMM dst,0) rather than a real VM register read, matching
// how MOV-alias and CSEL's arm assigns handle XZR.
func assignRegOrZero(fn *FunctionIR, dst, src uint32) []uint32 {
	if src == armSP {
		fn.useReg(dst)
		return appendInst(nil, OP_LOAD_IMM, dst, 0)
	}
	fn.useReg(dst)
	fn.useReg(src)
	return appendInst(nil, OP_MOV, src, dst)
}

// translateOne maps a single AArch64 word to the VM instruction(s) it
// expands to, per the per-instruction table: simple ALU/load/store/branch
// forms map one-to-one; CSEL and TBZ/TBNZ expand to several VM
// instructions apiece.
func translateOne(fn *FunctionIR, pc uint64, word uint32) ([]uint32, error) {
	const t64 = TypeTagInt64Signed

	switch {
	case isMovAliasReg(word):
		rd, rm := reg(word, 0), reg(word, 16)
		fn.useReg(rd)
		return assignRegOrZero(fn, rd, rm), nil

	case isAddSubShiftedReg(word):
		bop, flags, err := addSubShiftedOp(word)
		if err != nil {
			return nil, err
		}
		rd, rn, rm := reg(word, 0), reg(word, 5), reg(word, 16)
		fn.useReg(rd)
		fn.useReg(rn)
		fn.useReg(rm)
		fn.useType(t64)
		return appendInst(nil, OP_BINARY, uint32(bop|flags), uint32(t64), rn, rm, rd), nil

	case isLogicalShiftedReg(word):
		bop, flags, err := logicalShiftedOp(word)
		if err != nil {
			return nil, err
		}
		rd, rn, rm := reg(word, 0), reg(word, 5), reg(word, 16)
		fn.useReg(rd)
		fn.useReg(rn)
		fn.useReg(rm)
		fn.useType(t64)
		return appendInst(nil, OP_BINARY, uint32(bop|flags), uint32(t64), rn, rm, rd), nil

	case isLslReg(word):
		rd, rn, rm := reg(word, 0), reg(word, 5), reg(word, 16)
		fn.useReg(rd)
		fn.useReg(rn)
		fn.useReg(rm)
		fn.useType(t64)
		return appendInst(nil, OP_BINARY, uint32(BinShl), uint32(t64), rn, rm, rd), nil

	case isMul(word):
		rd, rn, rm := reg(word, 0), reg(word, 5), reg(word, 16)
		fn.useReg(rd)
		fn.useReg(rn)
		fn.useReg(rm)
		fn.useType(t64)
		return appendInst(nil, OP_BINARY, uint32(BinMul), uint32(t64), rn, rm, rd), nil

	case isAddSubImm(word):
		bop, flags := addSubImmOp(word)
		rd, rn := reg(word, 0), reg(word, 5)
		sh := (word >> 22) & 1
		imm12 := (word >> 10) & 0xfff
		imm := imm12
		if sh == 1 {
			imm <<= 12
		}
		fn.useReg(rd)
		fn.useReg(rn)
		fn.useType(t64)
		return appendInst(nil, OP_BINARY_IMM, uint32(bop|flags), uint32(t64), rn, imm, rd), nil

	case isLslImm(word):
		shiftAmt, rn, rd, ok := lslImmShift(word)
		if !ok {
			return nil, fmt.Errorf("unsupported UBFM bitfield form")
		}
		fn.useReg(rd)
		fn.useReg(rn)
		fn.useType(t64)
		return appendInst(nil, OP_BINARY_IMM, uint32(BinShl), uint32(t64), rn, shiftAmt, rd), nil

	case isLdrStrUnsignedOffset(word):
		return translateLdrStrUnsigned(fn, word)

	case isLdurSturUnscaled(word):
		return translateLdurSturUnscaled(fn, word)

	case isStpLdp(word):
		return translateStpLdp(fn, word)

	case isMovzMovnMovk(word):
		return translateMovWide(fn, word)

	case isAdrpAdr(word):
		return translateAdrp(fn, pc, word)

	case isRetOrBrLr(word):
		fn.useReg(0)
		return appendInst(nil, OP_RETURN, 1, 0), nil

	case isBlr(word):
		rn := reg(word, 5)
		fn.useReg(rn)
		for i := uint32(0); i <= 5; i++ {
			fn.useReg(i)
		}
		return appendInst(nil, OP_CALL, 0, 6, 1, 0, rn, 0, 1, 2, 3, 4, 5), nil

	case isBUncond(word):
		op := (word >> 31) & 1
		imm26 := word & 0x3ffffff
		off := signExtend(int64(imm26), 26) * 4
		target := uint64(int64(pc) + off)
		if op == 1 {
			idx := fn.getOrAddCall(target)
			return appendInst(nil, OP_BL, idx), nil
		}
		idx := fn.getOrAddBranch(target)
		return appendInst(nil, OP_BRANCH, idx), nil

	case isBcond(word):
		cond := word & 0xf
		imm19 := (word >> 5) & 0x7ffff
		off := signExtend(int64(imm19), 19) * 4
		target := uint64(int64(pc) + off)
		idx := fn.getOrAddBranch(target)
		return appendInst(nil, OP_BRANCH_IF_CC, cond, idx), nil

	case isTbz(word):
		return translateTbz(fn, pc, word)

	case isCsel(word):
		return translateCsel(fn, pc, word)

	case isMrs(word):
		rd := reg(word, 0)
		fn.useReg(rd)
		return appendInst(nil, OP_LOAD_IMM, rd, 0), nil
	}
	return nil, fmt.Errorf("no translation rule for this encoding")
}

// -- instruction family predicates and decoders --

func isMovAliasReg(word uint32) bool    { return word&0xffe0ffe0 == 0xaa0003e0 }
func isAddSubShiftedReg(word uint32) bool { return word&0xff200000 == 0x8b000000 || word&0xff200000 == 0xab000000 || word&0xff200000 == 0xcb000000 || word&0xff200000 == 0xeb000000 }
func isLogicalShiftedReg(word uint32) bool {
	return word&0xff200000 == 0x8a000000 || word&0xff200000 == 0xea000000 || word&0xff200000 == 0xaa000000
}
func isLslReg(word uint32) bool { return word&0xffe0fc00 == 0x9ac02000 }
func isMul(word uint32) bool    { return word&0xffe0fc00 == 0x9b007c00 }
func isAddSubImm(word uint32) bool {
	v := word & 0xff800000
	return v == 0x91000000 || v == 0xb1000000 || v == 0xd1000000 || v == 0xf1000000
}
func isLslImm(word uint32) bool { return word&0xffc00000 == 0xd3400000 }

func isLdrStrUnsignedOffset(word uint32) bool {
	v := word & 0xffc00000
	switch v {
	case 0xf9000000, 0xf9400000, 0xb9000000, 0xb9400000, 0x39000000, 0x39400000, 0xb9800000:
		return true
	}
	return false
}

func isLdurSturUnscaled(word uint32) bool {
	v := word & 0xffe00c00
	switch v {
	case 0xf8000000, 0xf8400000, 0xb8000000, 0xb8400000, 0x38000000, 0x38400000:
		return true
	}
	return false
}

func isStpLdp(word uint32) bool { return word&0xffc00000 == 0xa9000000 || word&0xffc00000 == 0xa9400000 }

func isMovzMovnMovk(word uint32) bool {
	v := word & 0xff800000
	return v == 0xd2800000 || v == 0x92800000 || v == 0xf2800000
}

func isAdrpAdr(word uint32) bool { return (word>>24)&0x1f == 0x10 }

func isRetOrBrLr(word uint32) bool {
	if word&0xfffffc1f == 0xd65f0000 {
		return true
	}
	if word&0xfffffc1f == 0xd61f0000 && reg(word, 5) == armreg.LR {
		return true
	}
	return false
}

func isBlr(word uint32) bool { return word&0xfffffc1f == 0xd63f0000 }
func isBUncond(word uint32) bool { return (word>>26)&0x1f == 0x05 }
func isBcond(word uint32) bool   { return word&0xff000010 == 0x54000000 }
func isTbz(word uint32) bool     { return (word>>25)&0x3f == 0x1b }
func isCsel(word uint32) bool    { return word&0xffe00c00 == 0x9a800000 }
func isMrs(word uint32) bool     { return word&0xfff00000 == 0xd5300000 }

func addSubShiftedOp(word uint32) (BinOp, BinOp, error) {
	if (word>>22)&3 != 0 || (word>>10)&0x3f != 0 {
		return 0, 0, fmt.Errorf("unsupported shifted-register add/sub shift")
	}
	switch word & 0xff200000 {
	case 0x8b000000:
		return BinAdd, 0, nil
	case 0xab000000:
		return BinAdd, BinUpdateFlags, nil
	case 0xcb000000:
		return BinSub, 0, nil
	case 0xeb000000:
		return BinSub, BinUpdateFlags, nil
	}
	return 0, 0, fmt.Errorf("unreachable add/sub decode")
}

func logicalShiftedOp(word uint32) (BinOp, BinOp, error) {
	if (word>>22)&3 != 0 || (word>>10)&0x3f != 0 {
		return 0, 0, fmt.Errorf("unsupported shifted-register logical shift")
	}
	switch word & 0xff200000 {
	case 0x8a000000:
		return BinAnd, 0, nil
	case 0xea000000:
		return BinAnd, BinUpdateFlags, nil
	case 0xaa000000:
		return BinOr, 0, nil
	}
	return 0, 0, fmt.Errorf("unreachable logical decode")
}

func addSubImmOp(word uint32) (BinOp, BinOp) {
	switch word & 0xff800000 {
	case 0x91000000:
		return BinAdd, 0
	case 0xb1000000:
		return BinAdd, BinUpdateFlags
	case 0xd1000000:
		return BinSub, 0
	case 0xf1000000:
		return BinSub, BinUpdateFlags
	}
	return BinAdd, 0
}

// lslImmShift recognizes the "LSL Xd,Xn,#imm" alias of UBFM: accepted
// whenever imms == (immr + 63) mod 64. immr == 0 (the LSR #0 form, an
// identity move) is accepted too and yields a shift of 0.
func lslImmShift(word uint32) (shift, rn, rd uint32, ok bool) {
	immr := (word >> 16) & 0x3f
	imms := (word >> 10) & 0x3f
	if imms != (immr+63)%64 {
		return 0, 0, 0, false
	}
	shift = (64 - immr) % 64
	return shift, reg(word, 5), reg(word, 0), true
}

func translateLdrStrUnsigned(fn *FunctionIR, word uint32) ([]uint32, error) {
	rt, rn := reg(word, 0), reg(word, 5)
	imm12 := (word >> 10) & 0xfff
	var typ TypeTag
	var scale uint32
	var store bool
	switch word & 0xffc00000 {
	case 0xf9000000:
		typ, scale, store = TypeTagInt64Signed, 8, true
	case 0xf9400000:
		typ, scale, store = TypeTagInt64Signed, 8, false
	case 0xb9000000:
		typ, scale, store = TypeTagInt32Signed2, 4, true
	case 0xb9400000:
		typ, scale, store = TypeTagInt32Signed2, 4, false
	case 0x39000000:
		typ, scale, store = TypeTagInt8Unsigned, 1, true
	case 0x39400000:
		typ, scale, store = TypeTagInt8Unsigned, 1, false
	case 0xb9800000:
		typ, scale, store = TypeTagInt64Signed, 4, false
	}
	off := imm12 * scale
	fn.useReg(rt)
	fn.useReg(rn)
	fn.useType(typ)
	if store {
		return appendInst(nil, OP_SET_FIELD, uint32(typ), rn, off, rt), nil
	}
	return appendInst(nil, OP_GET_FIELD, uint32(typ), rn, off, rt), nil
}

func translateLdurSturUnscaled(fn *FunctionIR, word uint32) ([]uint32, error) {
	rt, rn := reg(word, 0), reg(word, 5)
	imm9 := uint32(signExtend(int64((word>>12)&0x1ff), 9))
	var typ TypeTag
	var store bool
	switch word & 0xffe00c00 {
	case 0xf8000000:
		typ, store = TypeTagInt64Signed, true
	case 0xf8400000:
		typ, store = TypeTagInt64Signed, false
	case 0xb8000000:
		typ, store = TypeTagInt32Signed2, true
	case 0xb8400000:
		typ, store = TypeTagInt32Signed2, false
	case 0x38000000:
		typ, store = TypeTagInt8Unsigned, true
	case 0x38400000:
		typ, store = TypeTagInt8Unsigned, false
	}
	fn.useReg(rt)
	fn.useReg(rn)
	fn.useType(typ)
	if store {
		return appendInst(nil, OP_SET_FIELD, uint32(typ), rn, imm9, rt), nil
	}
	return appendInst(nil, OP_GET_FIELD, uint32(typ), rn, imm9, rt), nil
}

func translateStpLdp(fn *FunctionIR, word uint32) ([]uint32, error) {
	rt, rt2, rn := reg(word, 0), reg(word, 10), reg(word, 5)
	imm7 := uint32(signExtend(int64((word>>15)&0x7f), 7)) * 8
	store := word&0xffc00000 == 0xa9000000
	fn.useReg(rt)
	fn.useReg(rt2)
	fn.useReg(rn)
	fn.useType(TypeTagInt64Signed)
	var words []uint32
	if store {
		words = appendInst(words, OP_SET_FIELD, uint32(TypeTagInt64Signed), rn, imm7, rt)
		words = appendInst(words, OP_SET_FIELD, uint32(TypeTagInt64Signed), rn, imm7+8, rt2)
	} else {
		words = appendInst(words, OP_GET_FIELD, uint32(TypeTagInt64Signed), rn, imm7, rt)
		words = appendInst(words, OP_GET_FIELD, uint32(TypeTagInt64Signed), rn, imm7+8, rt2)
	}
	return words, nil
}

func translateMovWide(fn *FunctionIR, word uint32) ([]uint32, error) {
	rd := reg(word, 0)
	hw := (word >> 21) & 3
	imm16 := uint64((word >> 5) & 0xffff)
	fn.useReg(rd)
	fn.useType(TypeTagInt64Signed)
	switch word & 0xff800000 {
	case 0xd2800000: // MOVZ
		value := imm16 << (16 * hw)
		lo, hi := splitLoHi(value)
		return appendInst(nil, OP_LOAD_CONST64, rd, lo, hi), nil
	case 0x92800000: // MOVN
		value := ^(imm16 << (16 * hw))
		lo, hi := splitLoHi(value)
		return appendInst(nil, OP_LOAD_CONST64, rd, lo, hi), nil
	case 0xf2800000: // MOVK: d = (d & ~mask) | (imm16<<shift), via X16/X17 scratch
		shift := 16 * hw
		mask := ^(uint64(0xffff) << shift)
		field := imm16 << shift
		maskLo, maskHi := splitLoHi(mask)
		fieldLo, fieldHi := splitLoHi(field)
		fn.useReg(armreg.X16)
		fn.useReg(armreg.X17)
		var words []uint32
		words = appendInst(words, OP_LOAD_CONST64, armreg.X16, maskLo, maskHi)
		words = appendInst(words, OP_BINARY, uint32(BinAnd), uint32(TypeTagInt64Signed), rd, armreg.X16, armreg.X16)
		words = appendInst(words, OP_LOAD_CONST64, armreg.X17, fieldLo, fieldHi)
		words = appendInst(words, OP_BINARY, uint32(BinOr), uint32(TypeTagInt64Signed), armreg.X16, armreg.X17, rd)
		return words, nil
	}
	return nil, fmt.Errorf("unreachable movz/movn/movk decode")
}

func translateAdrp(fn *FunctionIR, pc uint64, word uint32) ([]uint32, error) {
	op := (word >> 31) & 1
	immlo := (word >> 29) & 3
	immhi := (word >> 5) & 0x7ffff
	rd := reg(word, 0)
	imm := signExtend(int64((immhi<<2)|immlo), 21)
	fn.useReg(rd)
	fn.useType(TypeTagInt64Signed)
	if op == 1 {
		pageBase := pc &^ 0xfff
		target := uint64(int64(pageBase) + imm*4096)
		lo, hi := splitLoHi(target)
		return appendInst(nil, OP_ADRP, rd, lo, hi), nil
	}
	target := uint64(int64(pc) + imm)
	lo, hi := splitLoHi(target)
	return appendInst(nil, OP_ADRP, rd, lo, hi), nil
}

// translateTbz expands TBZ/TBNZ into LSR + AND(#1, update flags) +
// conditional branch.
func translateTbz(fn *FunctionIR, pc uint64, word uint32) ([]uint32, error) {
	b5 := (word >> 31) & 1
	op := (word >> 24) & 1
	b40 := (word >> 19) & 0x1f
	bitpos := (b5 << 5) | b40
	rt := reg(word, 0)
	imm14 := (word >> 5) & 0x3fff
	off := signExtend(int64(imm14), 14) * 4
	target := uint64(int64(pc) + off)
	fn.useReg(rt)
	fn.useReg(armreg.X16)
	fn.useType(TypeTagInt64Signed)
	idx := fn.getOrAddBranch(target)
	cond := uint32(0) // EQ (bit clear)
	if op == 1 {
		cond = 1 // NE (bit set)
	}
	var words []uint32
	words = appendInst(words, OP_BINARY_IMM, uint32(BinLsr), uint32(TypeTagInt64Signed), rt, bitpos, armreg.X16)
	words = appendInst(words, OP_BINARY_IMM, uint32(BinAnd|BinUpdateFlags), uint32(TypeTagInt64Signed), armreg.X16, 1, armreg.X16)
	words = appendInst(words, OP_BRANCH_IF_CC, cond, idx)
	return words, nil
}

// translateCsel expands CSEL Xd,Xn,Xm,cond into: assign Xd<-Xn (the
// true-case value), branch past the false-case assignment if cond holds,
// then assign Xd<-Xm. The branch target is the real address of the next
// AArch64 instruction (already a record boundary), so no synthetic label
// is needed — unlike B/B.cond/TBZ, CSEL's "branch" never leaves the
// instruction it expands from.
func translateCsel(fn *FunctionIR, pc uint64, word uint32) ([]uint32, error) {
	rd, rn, rm := reg(word, 0), reg(word, 5), reg(word, 16)
	cond := (word >> 12) & 0xf
	fn.useReg(rd)
	nextPC := pc + 4
	idx := fn.getOrAddBranch(nextPC)

	var words []uint32
	words = append(words, assignRegOrZero(fn, rd, rn)...)
	words = appendInst(words, OP_BRANCH_IF_CC, cond, idx)
	words = append(words, assignRegOrZero(fn, rd, rm)...)
	return words, nil
}
