// Package arm64dis wraps golang.org/x/arch/arm64/arm64asm to provide the
// disassembly text the coverage board and the translator's error messages
// need: an instruction's mnemonic and operand string, GNU/objdump-flavored.
package arm64dis

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// Instruction is one decoded 4-byte AArch64 word.
type Instruction struct {
	PC       uint64
	Bytes    [4]byte
	Mnemonic string
	OpStr    string
}

// Decode disassembles the 4 bytes at pc. On failure it still returns an
// Instruction carrying the raw bytes so callers can report "(bad)" rather
// than losing the address.
func Decode(pc uint64, code []byte) (Instruction, error) {
	if len(code) < 4 {
		return Instruction{}, fmt.Errorf("arm64dis: truncated instruction at pc=%#x: %d bytes", pc, len(code))
	}
	out := Instruction{PC: pc}
	copy(out.Bytes[:], code[:4])

	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		return out, fmt.Errorf("arm64dis: decode failed at pc=%#x: %w", pc, err)
	}
	mnemonic, opstr := splitGNU(arm64asm.GNUSyntax(inst))
	out.Mnemonic = mnemonic
	out.OpStr = opstr
	return out, nil
}

// DecodeFunction walks code 4 bytes at a time starting at baseAddr. Words
// that fail to decode are recorded as "(bad)" rather than aborting the
// walk, since the coverage board must account for every address.
func DecodeFunction(baseAddr uint64, code []byte) []Instruction {
	n := len(code) / 4
	out := make([]Instruction, 0, n)
	for i := 0; i < n; i++ {
		pc := baseAddr + uint64(i*4)
		inst, err := Decode(pc, code[i*4:i*4+4])
		if err != nil {
			inst.Mnemonic = "(bad)"
		}
		out = append(out, inst)
	}
	return out
}

func splitGNU(text string) (mnemonic, opstr string) {
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' || text[i] == '\t' {
			return text[:i], trimLeadingSpace(text[i+1:])
		}
	}
	return text, ""
}

func trimLeadingSpace(s string) string {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return s[i:]
}
