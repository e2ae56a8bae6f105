package types

import "encoding/binary"

type PType uint32

const (
	PT_NULL    PType = 0
	PT_LOAD    PType = 1
	PT_DYNAMIC PType = 2
	PT_INTERP  PType = 3
	PT_NOTE    PType = 4
	PT_SHLIB   PType = 5
	PT_PHDR    PType = 6
	PT_TLS     PType = 7
	PT_GNU_EH_FRAME PType = 0x6474e550
	PT_GNU_STACK    PType = 0x6474e551
	PT_GNU_RELRO    PType = 0x6474e552
	PT_GNU_PROPERTY PType = 0x6474e553
	PT_ANDROID_REL  PType = 0x60000000 // DT_ANDROID_REL relocation coverage hint (vendor-reserved range)
)

type PFlag uint32

const (
	PF_X PFlag = 1 << 0
	PF_W PFlag = 1 << 1
	PF_R PFlag = 1 << 2
)

func (f PFlag) Readable() bool   { return f&PF_R != 0 }
func (f PFlag) Writable() bool   { return f&PF_W != 0 }
func (f PFlag) Executable() bool { return f&PF_X != 0 }

func (f PFlag) String() string {
	s := [3]byte{'-', '-', '-'}
	if f.Readable() {
		s[0] = 'R'
	}
	if f.Writable() {
		s[1] = 'W'
	}
	if f.Executable() {
		s[2] = 'E'
	}
	return string(s[:])
}

// Phdr mirrors Elf64_Phdr. Invariants: memsz >= filesz; for PT_LOAD, align
// is a power of two and
// (offset mod align) == (vaddr mod align).
type Phdr struct {
	Type   PType
	Flags  PFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func (p *Phdr) Marshal(order binary.ByteOrder) []byte {
	buf := make([]byte, PhdrSize)
	order.PutUint32(buf[0:], uint32(p.Type))
	order.PutUint32(buf[4:], uint32(p.Flags))
	order.PutUint64(buf[8:], p.Offset)
	order.PutUint64(buf[16:], p.Vaddr)
	order.PutUint64(buf[24:], p.Paddr)
	order.PutUint64(buf[32:], p.Filesz)
	order.PutUint64(buf[40:], p.Memsz)
	order.PutUint64(buf[48:], p.Align)
	return buf
}

func UnmarshalPhdr(b []byte, order binary.ByteOrder) *Phdr {
	return &Phdr{
		Type:   PType(order.Uint32(b[0:])),
		Flags:  PFlag(order.Uint32(b[4:])),
		Offset: order.Uint64(b[8:]),
		Vaddr:  order.Uint64(b[16:]),
		Paddr:  order.Uint64(b[24:]),
		Filesz: order.Uint64(b[32:]),
		Memsz:  order.Uint64(b[40:]),
		Align:  order.Uint64(b[48:]),
	}
}

// IsPowerOfTwo reports whether align is 0 or a power of two, as required
// of PT_LOAD.Align.
func IsPowerOfTwo(align uint64) bool {
	return align == 0 || (align&(align-1)) == 0
}
