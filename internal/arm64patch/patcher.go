// Package arm64patch implements the PC-relative instruction patcher:
// given a byte region and a relocate closure, it rewrites every
// PC-relative AArch64 instruction so it still reaches its (possibly moved)
// target, expanding each match into a MOVZ/MOVK-based absolute sequence.
// Everything else is copied through unchanged.
package arm64patch

import (
	"encoding/binary"

	"github.com/aarch64vmp/vmptool/internal/armreg"
)

const nop = 0xd503201f

// Relocate maps an old absolute address to its new absolute address.
// Addresses the closure doesn't recognize should be returned unchanged.
type Relocate func(oldAddr uint64) uint64

// Stats accumulates per-kind rewrite counts for logging.
type Stats struct {
	Adrp, Adr, LdrLiteral, LdrSimd, Prfm, Br, Bl, CondBr, Expanded int
}

// Patch walks code word-by-word (code must start at oldBase) and returns
// the rewritten region. Output can be longer than the input; callers must
// reserve room in the destination segment for the expansion.
func Patch(code []byte, oldBase uint64, relocate Relocate) ([]byte, Stats) {
	var stats Stats
	out := make([]byte, 0, len(code))
	n := len(code) / 4
	for i := 0; i < n; i++ {
		word := binary.LittleEndian.Uint32(code[i*4:])
		pc := oldBase + uint64(i*4)
		repl, matched := rewriteOne(word, pc, relocate, &stats)
		if matched {
			out = append(out, repl...)
			if len(repl) != 4 {
				stats.Expanded++
			}
			continue
		}
		out = append(out, code[i*4:i*4+4]...)
	}
	return out, stats
}

func rewriteOne(word uint32, pc uint64, relocate Relocate, stats *Stats) ([]byte, bool) {
	switch {
	case isAdrpAdr(word):
		op := (word >> 31) & 1
		immlo := (word >> 29) & 3
		immhi := (word >> 5) & 0x7ffff
		rd := word & 0x1f
		imm := signExtend(int64((immhi<<2)|immlo), 21)
		if op == 1 {
			stats.Adrp++
			pageBase := pc &^ 0xfff
			target := uint64(int64(pageBase) + imm*4096)
			return emitMovzMovk64(rd, relocate(target)&^0xfff), true
		}
		stats.Adr++
		target := uint64(int64(pc) + imm)
		return emitMovzMovk64(rd, relocate(target)), true

	case isLdrLiteral(word):
		v := (word >> 26) & 1
		opc := (word >> 30) & 3
		rt := word & 0x1f
		imm19 := (word >> 5) & 0x7ffff
		off := signExtend(int64(imm19), 19) * 4
		target := uint64(int64(pc) + off)
		if v == 0 && opc == 3 {
			stats.Prfm++
			return encodeU32(nop), true
		}
		if v == 1 {
			stats.LdrSimd++
		} else {
			stats.LdrLiteral++
		}
		newTarget := relocate(target)
		out := emitMovzMovk64(armreg.X16, newTarget)
		out = append(out, encodeLoadFromX16(v, opc, rt)...)
		return out, true

	case isBUncond(word):
		op := (word >> 31) & 1
		imm26 := word & 0x3ffffff
		off := signExtend(int64(imm26), 26) * 4
		target := uint64(int64(pc) + off)
		newTarget := relocate(target)
		var out []byte
		out = append(out, emitMovzMovk64(armreg.X16, newTarget)...)
		if op == 1 {
			stats.Bl++
			out = append(out, encodeBlr(armreg.X16)...)
		} else {
			stats.Br++
			out = append(out, encodeBr(armreg.X16)...)
		}
		return out, true

	case isBcond(word):
		stats.CondBr++
		cond := word & 0xf
		imm19 := (word >> 5) & 0x7ffff
		off := signExtend(int64(imm19), 19) * 4
		target := uint64(int64(pc) + off)
		newTarget := relocate(target)
		var out []byte
		out = append(out, encodeU32(encodeBcond(cond^1, 5))...)
		out = append(out, emitMovzMovk64(armreg.X16, newTarget)...)
		out = append(out, encodeBr(armreg.X16)...)
		return out, true

	case isCbz(word):
		stats.CondBr++
		sf := (word >> 31) & 1
		op := (word >> 24) & 1
		rt := word & 0x1f
		imm19 := (word >> 5) & 0x7ffff
		off := signExtend(int64(imm19), 19) * 4
		target := uint64(int64(pc) + off)
		newTarget := relocate(target)
		flipped := sf<<31 | 0x1a<<25 | (op^1)<<24 | uint32(5)<<5 | rt
		var out []byte
		out = append(out, encodeU32(flipped)...)
		out = append(out, emitMovzMovk64(armreg.X16, newTarget)...)
		out = append(out, encodeBr(armreg.X16)...)
		return out, true

	case isTbz(word):
		stats.CondBr++
		b5 := (word >> 31) & 1
		op := (word >> 24) & 1
		b40 := (word >> 19) & 0x1f
		rt := word & 0x1f
		imm14 := (word >> 5) & 0x3fff
		off := signExtend(int64(imm14), 14) * 4
		target := uint64(int64(pc) + off)
		newTarget := relocate(target)
		flipped := b5<<31 | 0x1b<<25 | (op^1)<<24 | b40<<19 | uint32(5)<<5 | rt
		var out []byte
		out = append(out, encodeU32(flipped)...)
		out = append(out, emitMovzMovk64(armreg.X16, newTarget)...)
		out = append(out, encodeBr(armreg.X16)...)
		return out, true
	}
	return nil, false
}

func isAdrpAdr(word uint32) bool    { return (word>>24)&0x1f == 0x10 }
func isLdrLiteral(word uint32) bool { return word&0x3b000000 == 0x18000000 }
func isBUncond(word uint32) bool    { return (word>>26)&0x1f == 0x05 }
func isBcond(word uint32) bool      { return word&0xff000010 == 0x54000000 }
func isCbz(word uint32) bool        { return (word>>25)&0x3f == 0x1a }
func isTbz(word uint32) bool        { return (word>>25)&0x3f == 0x1b }

func signExtend(v int64, bits uint) int64 {
	shift := 64 - bits
	return (v << shift) >> shift
}

func encodeU32(w uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	return b[:]
}

func encodeBr(rn uint32) []byte  { return encodeU32(0xd61f0000 | (rn << 5)) }
func encodeBlr(rn uint32) []byte { return encodeU32(0xd63f0000 | (rn << 5)) }

func encodeBcond(cond, imm19 uint32) uint32 {
	return 0x54000000 | ((imm19 & 0x7ffff) << 5) | (cond & 0xf)
}

// emitMovzMovk64 materializes a 64-bit absolute value into rd with MOVZ
// followed by three MOVK, one per 16-bit chunk.
func emitMovzMovk64(rd uint32, value uint64) []byte {
	out := encodeU32(movz64(rd, uint16(value), 0))
	out = append(out, encodeU32(movk64(rd, uint16(value>>16), 1))...)
	out = append(out, encodeU32(movk64(rd, uint16(value>>32), 2))...)
	out = append(out, encodeU32(movk64(rd, uint16(value>>48), 3))...)
	return out
}

func movz64(rd uint32, imm16 uint16, hw uint32) uint32 {
	return 0xd2800000 | (hw << 21) | (uint32(imm16) << 5) | rd
}

func movk64(rd uint32, imm16 uint16, hw uint32) uint32 {
	return 0xf2800000 | (hw << 21) | (uint32(imm16) << 5) | rd
}

// encodeLoadFromX16 emits the unsigned-offset load matching a literal
// load's (V, opc) pair, reading from [X16, #0].
func encodeLoadFromX16(v, opc uint32, rt uint32) []byte {
	var base uint32
	switch {
	case v == 0 && opc == 0:
		base = 0xb9400000 // LDR Wt, [Xn]
	case v == 0 && opc == 1:
		base = 0xf9400000 // LDR Xt, [Xn]
	case v == 0 && opc == 2:
		base = 0xb9800000 // LDRSW Xt, [Xn]
	case v == 1 && opc == 0:
		base = 0xbd400000 // LDR St, [Xn]
	case v == 1 && opc == 1:
		base = 0xfd400000 // LDR Dt, [Xn]
	case v == 1 && opc == 2:
		base = 0x3dc00000 // LDR Qt, [Xn]
	default:
		base = 0xf9400000
	}
	return encodeU32(base | (armreg.X16 << 5) | rt)
}
