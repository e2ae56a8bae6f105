package types

import "encoding/binary"

// AArch64 relocation types used by the address rewriter and the
// relocation section model.
const (
	R_AARCH64_ABS64     = 257
	R_AARCH64_GLOB_DAT  = 1025
	R_AARCH64_JUMP_SLOT = 1026
	R_AARCH64_RELATIVE  = 1027
	R_AARCH64_TLSDESC   = 1031
	R_AARCH64_IRELATIVE = 1032
)

func RelType(info uint64) uint32  { return uint32(info & 0xffffffff) }
func RelSym(info uint64) uint32   { return uint32(info >> 32) }
func RelInfo(sym, typ uint32) uint64 { return uint64(sym)<<32 | uint64(typ) }

// Rela mirrors Elf64_Rela.
type Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (r *Rela) Type() uint32 { return RelType(r.Info) }
func (r *Rela) Sym() uint32  { return RelSym(r.Info) }

func (r *Rela) Marshal(order binary.ByteOrder) []byte {
	buf := make([]byte, RelaSize)
	order.PutUint64(buf[0:], r.Offset)
	order.PutUint64(buf[8:], r.Info)
	order.PutUint64(buf[16:], uint64(r.Addend))
	return buf
}

func UnmarshalRela(b []byte, order binary.ByteOrder) *Rela {
	return &Rela{
		Offset: order.Uint64(b[0:]),
		Info:   order.Uint64(b[8:]),
		Addend: int64(order.Uint64(b[16:])),
	}
}

// Rel mirrors Elf64_Rel (no explicit addend).
type Rel struct {
	Offset uint64
	Info   uint64
}

func (r *Rel) Type() uint32 { return RelType(r.Info) }
func (r *Rel) Sym() uint32  { return RelSym(r.Info) }

func (r *Rel) Marshal(order binary.ByteOrder) []byte {
	buf := make([]byte, RelSize)
	order.PutUint64(buf[0:], r.Offset)
	order.PutUint64(buf[8:], r.Info)
	return buf
}

func UnmarshalRel(b []byte, order binary.ByteOrder) *Rel {
	return &Rel{Offset: order.Uint64(b[0:]), Info: order.Uint64(b[8:])}
}
