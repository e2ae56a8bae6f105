// Package types mirrors the raw ELF64/AArch64 on-disk structures and their
// constant spaces (Elf64_Ehdr, Elf64_Phdr, Elf64_Shdr, Elf64_Sym, Elf64_Dyn,
// Elf64_Rel/Rela) as plain structs with explicit little-endian
// load-command structures: one file per structure family, constants grouped
// next to the type they tag, and a small IntName/StringName helper for
// readable String()/GoString() methods.
package types

import (
	"encoding/binary"
	"fmt"
)

const (
	EI_NIDENT = 16

	FileHeaderSize = 64
	PhdrSize       = 56
	ShdrSize       = 64
	SymSize        = 24
	DynSize        = 16
	RelSize        = 16
	RelaSize       = 24

	PageSize = 4096
)

// Ident byte offsets within e_ident.
const (
	EI_MAG0    = 0
	EI_MAG1    = 1
	EI_MAG2    = 2
	EI_MAG3    = 3
	EI_CLASS   = 4
	EI_DATA    = 5
	EI_VERSION = 6
	EI_OSABI   = 7
)

var ElfMagic = [4]byte{0x7f, 'E', 'L', 'F'}

type Class uint8

const (
	ClassNone Class = 0
	Class32   Class = 1
	Class64   Class = 2
)

type DataEncoding uint8

const (
	DataNone  DataEncoding = 0
	DataLE    DataEncoding = 1
	DataBE    DataEncoding = 2
)

type ObjType uint16

const (
	ET_NONE ObjType = 0
	ET_REL  ObjType = 1
	ET_EXEC ObjType = 2
	ET_DYN  ObjType = 3
	ET_CORE ObjType = 4
)

type Machine uint16

const (
	EM_AARCH64 Machine = 183
)

// FileHeader mirrors Elf64_Ehdr. Invariant: Class=ELF64, Data=little-endian,
// Machine=AArch64, ehsize=64, phentsize=56, shentsize=64 — see (*FileHeader).Validate.
type FileHeader struct {
	Ident     [EI_NIDENT]byte
	Type      ObjType
	Machine   Machine
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func (h *FileHeader) Class() Class        { return Class(h.Ident[EI_CLASS]) }
func (h *FileHeader) Data() DataEncoding  { return DataEncoding(h.Ident[EI_DATA]) }

// Validate enforces the class/data/machine/size invariants this toolchain
// supports: ELF64, little-endian, AArch64, standard entry sizes.
func (h *FileHeader) Validate() error {
	if h.Ident[EI_MAG0] != ElfMagic[0] || h.Ident[EI_MAG1] != ElfMagic[1] ||
		h.Ident[EI_MAG2] != ElfMagic[2] || h.Ident[EI_MAG3] != ElfMagic[3] {
		return fmt.Errorf("not an ELF file: bad magic %v", h.Ident[:4])
	}
	if h.Class() != Class64 {
		return fmt.Errorf("unsupported ELF class %d, want ELFCLASS64", h.Class())
	}
	if h.Data() != DataLE {
		return fmt.Errorf("unsupported data encoding %d, want little-endian", h.Data())
	}
	if h.Machine != EM_AARCH64 {
		return fmt.Errorf("unsupported machine %d, want AArch64 (%d)", h.Machine, EM_AARCH64)
	}
	if h.Ehsize != FileHeaderSize {
		return fmt.Errorf("unexpected ehsize %d, want %d", h.Ehsize, FileHeaderSize)
	}
	if h.Phentsize != 0 && h.Phentsize != PhdrSize {
		return fmt.Errorf("unexpected phentsize %d, want %d", h.Phentsize, PhdrSize)
	}
	if h.Shentsize != 0 && h.Shentsize != ShdrSize {
		return fmt.Errorf("unexpected shentsize %d, want %d", h.Shentsize, ShdrSize)
	}
	return nil
}

func (h *FileHeader) Marshal(order binary.ByteOrder) []byte {
	buf := make([]byte, FileHeaderSize)
	copy(buf[0:16], h.Ident[:])
	order.PutUint16(buf[16:], uint16(h.Type))
	order.PutUint16(buf[18:], uint16(h.Machine))
	order.PutUint32(buf[20:], h.Version)
	order.PutUint64(buf[24:], h.Entry)
	order.PutUint64(buf[32:], h.Phoff)
	order.PutUint64(buf[40:], h.Shoff)
	order.PutUint32(buf[48:], h.Flags)
	order.PutUint16(buf[52:], h.Ehsize)
	order.PutUint16(buf[54:], h.Phentsize)
	order.PutUint16(buf[56:], h.Phnum)
	order.PutUint16(buf[58:], h.Shentsize)
	order.PutUint16(buf[60:], h.Shnum)
	order.PutUint16(buf[62:], h.Shstrndx)
	return buf
}

func UnmarshalFileHeader(b []byte, order binary.ByteOrder) (*FileHeader, error) {
	if len(b) < FileHeaderSize {
		return nil, fmt.Errorf("truncated ELF header: %d bytes", len(b))
	}
	h := &FileHeader{}
	copy(h.Ident[:], b[0:16])
	h.Type = ObjType(order.Uint16(b[16:]))
	h.Machine = Machine(order.Uint16(b[18:]))
	h.Version = order.Uint32(b[20:])
	h.Entry = order.Uint64(b[24:])
	h.Phoff = order.Uint64(b[32:])
	h.Shoff = order.Uint64(b[40:])
	h.Flags = order.Uint32(b[48:])
	h.Ehsize = order.Uint16(b[52:])
	h.Phentsize = order.Uint16(b[54:])
	h.Phnum = order.Uint16(b[56:])
	h.Shentsize = order.Uint16(b[58:])
	h.Shnum = order.Uint16(b[60:])
	h.Shstrndx = order.Uint16(b[62:])
	return h, nil
}

// IntName/StringName give
// small constant spaces readable String()/GoString() methods without a
// stringer generator dependency.
type IntName struct {
	I uint32
	S string
}

func StringName(i uint32, names []IntName, goSyntax bool) string {
	for _, n := range names {
		if n.I == i {
			if goSyntax {
				return n.S
			}
			return n.S
		}
	}
	return fmt.Sprintf("0x%x", i)
}
