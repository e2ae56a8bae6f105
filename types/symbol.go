package types

import "encoding/binary"

type STBind uint8
type STType uint8

const (
	STB_LOCAL  STBind = 0
	STB_GLOBAL STBind = 1
	STB_WEAK   STBind = 2
)

const (
	STT_NOTYPE STType = 0
	STT_OBJECT STType = 1
	STT_FUNC   STType = 2
	STT_SECTION STType = 3
	STT_FILE   STType = 4
	STT_TLS    STType = 6
)

const (
	SHN_UNDEF  = 0
	SHN_ABS    = 0xfff1
	SHN_COMMON = 0xfff2
)

func STInfo(bind STBind, typ STType) uint8 {
	return uint8(bind)<<4 | uint8(typ)&0xf
}

func STBindOf(info uint8) STBind { return STBind(info >> 4) }
func STTypeOf(info uint8) STType { return STType(info & 0xf) }

// Sym mirrors Elf64_Sym.
type Sym struct {
	NameOff uint32
	Info    uint8
	Other   uint8
	Shndx   uint16
	Value   uint64
	Size    uint64
}

func (s *Sym) Bind() STBind { return STBindOf(s.Info) }
func (s *Sym) Type() STType { return STTypeOf(s.Info) }

func (s *Sym) Marshal(order binary.ByteOrder) []byte {
	buf := make([]byte, SymSize)
	order.PutUint32(buf[0:], s.NameOff)
	buf[4] = s.Info
	buf[5] = s.Other
	order.PutUint16(buf[6:], s.Shndx)
	order.PutUint64(buf[8:], s.Value)
	order.PutUint64(buf[16:], s.Size)
	return buf
}

func UnmarshalSym(b []byte, order binary.ByteOrder) *Sym {
	return &Sym{
		NameOff: order.Uint32(b[0:]),
		Info:    b[4],
		Other:   b[5],
		Shndx:   order.Uint16(b[6:]),
		Value:   order.Uint64(b[8:]),
		Size:    order.Uint64(b[16:]),
	}
}
