package types

import "encoding/binary"

type SType uint32

const (
	SHT_NULL     SType = 0
	SHT_PROGBITS SType = 1
	SHT_SYMTAB   SType = 2
	SHT_STRTAB   SType = 3
	SHT_RELA     SType = 4
	SHT_HASH     SType = 5
	SHT_DYNAMIC  SType = 6
	SHT_NOTE     SType = 7
	SHT_NOBITS   SType = 8
	SHT_REL      SType = 9
	SHT_SHLIB    SType = 10
	SHT_DYNSYM   SType = 11
	SHT_GNU_HASH SType = 0x6ffffff6
	SHT_GNU_versym  SType = 0x6fffffff
	SHT_GNU_verneed SType = 0x6ffffffe
	SHT_GNU_verdef  SType = 0x6ffffffd
)

type SFlag uint64

const (
	SHF_WRITE     SFlag = 1 << 0
	SHF_ALLOC     SFlag = 1 << 1
	SHF_EXECINSTR SFlag = 1 << 2
	SHF_STRINGS   SFlag = 1 << 5
	SHF_INFO_LINK SFlag = 1 << 6
)

func (f SFlag) Alloc() bool     { return f&SHF_ALLOC != 0 }
func (f SFlag) Write() bool     { return f&SHF_WRITE != 0 }
func (f SFlag) ExecInstr() bool { return f&SHF_EXECINSTR != 0 }

// Shdr mirrors Elf64_Shdr.
type Shdr struct {
	NameOff   uint32
	Type      SType
	Flags     SFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
}

func (s *Shdr) Marshal(order binary.ByteOrder) []byte {
	buf := make([]byte, ShdrSize)
	order.PutUint32(buf[0:], s.NameOff)
	order.PutUint32(buf[4:], uint32(s.Type))
	order.PutUint64(buf[8:], uint64(s.Flags))
	order.PutUint64(buf[16:], s.Addr)
	order.PutUint64(buf[24:], s.Offset)
	order.PutUint64(buf[32:], s.Size)
	order.PutUint32(buf[40:], s.Link)
	order.PutUint32(buf[44:], s.Info)
	order.PutUint64(buf[48:], s.AddrAlign)
	order.PutUint64(buf[56:], s.EntSize)
	return buf
}

func UnmarshalShdr(b []byte, order binary.ByteOrder) *Shdr {
	return &Shdr{
		NameOff:   order.Uint32(b[0:]),
		Type:      SType(order.Uint32(b[4:])),
		Flags:     SFlag(order.Uint64(b[8:])),
		Addr:      order.Uint64(b[16:]),
		Offset:    order.Uint64(b[24:]),
		Size:      order.Uint64(b[32:]),
		Link:      order.Uint32(b[40:]),
		Info:      order.Uint32(b[44:]),
		AddrAlign: order.Uint64(b[48:]),
		EntSize:   order.Uint64(b[56:]),
	}
}
