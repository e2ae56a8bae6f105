package types

import "encoding/binary"

type DTag int64

const (
	DT_NULL     DTag = 0
	DT_NEEDED   DTag = 1
	DT_PLTRELSZ DTag = 2
	DT_PLTGOT   DTag = 3
	DT_HASH     DTag = 4
	DT_STRTAB   DTag = 5
	DT_SYMTAB   DTag = 6
	DT_RELA     DTag = 7
	DT_RELASZ   DTag = 8
	DT_RELAENT  DTag = 9
	DT_STRSZ    DTag = 10
	DT_SYMENT   DTag = 11
	DT_INIT     DTag = 12
	DT_FINI     DTag = 13
	DT_SONAME   DTag = 14
	DT_SYMBOLIC DTag = 16
	DT_REL      DTag = 17
	DT_RELSZ    DTag = 18
	DT_RELENT   DTag = 19
	DT_PLTREL   DTag = 20
	DT_DEBUG    DTag = 21
	DT_JMPREL   DTag = 23
	DT_INIT_ARRAY    DTag = 25
	DT_FINI_ARRAY    DTag = 26
	DT_INIT_ARRAYSZ  DTag = 27
	DT_FINI_ARRAYSZ  DTag = 28
	DT_FLAGS         DTag = 30
	DT_PREINIT_ARRAY   DTag = 32
	DT_PREINIT_ARRAYSZ DTag = 33

	DT_VERSYM  DTag = 0x6ffffff0
	DT_RELACOUNT DTag = 0x6ffffff9
	DT_RELCOUNT  DTag = 0x6ffffffa
	DT_VERDEF    DTag = 0x6ffffffc
	DT_VERDEFNUM DTag = 0x6ffffffd
	DT_VERNEED   DTag = 0x6ffffffe
	DT_VERNEEDNUM DTag = 0x6fffffff

	DT_RELR   DTag = 0x6fffffe2
	DT_RELRSZ DTag = 0x6fffffe3
	DT_RELRENT DTag = 0x6fffffe5

	DT_ANDROID_REL    DTag = 0x6000000f
	DT_ANDROID_RELSZ  DTag = 0x60000010
	DT_ANDROID_RELA   DTag = 0x60000011
	DT_ANDROID_RELASZ DTag = 0x60000012

	DT_GNU_HASH DTag = 0x6ffffef5
	DT_TLSDESC_PLT DTag = 0x6ffffef6
	DT_TLSDESC_GOT DTag = 0x6ffffef7
)

// PointerTags is the set of DT_* tags whose value is a virtual address that
// must be rewritten by the address rewriter when content moves.
var PointerTags = map[DTag]bool{
	DT_PLTGOT: true, DT_HASH: true, DT_STRTAB: true, DT_SYMTAB: true,
	DT_RELA: true, DT_REL: true, DT_INIT: true, DT_FINI: true,
	DT_INIT_ARRAY: true, DT_FINI_ARRAY: true, DT_PREINIT_ARRAY: true,
	DT_DEBUG: true, DT_JMPREL: true, DT_VERSYM: true, DT_VERNEED: true,
	DT_VERDEF: true, DT_GNU_HASH: true, DT_RELR: true,
	DT_ANDROID_REL: true, DT_ANDROID_RELA: true,
	DT_TLSDESC_PLT: true, DT_TLSDESC_GOT: true,
}

// Dyn mirrors Elf64_Dyn.
type Dyn struct {
	Tag DTag
	Val uint64
}

func (d *Dyn) Marshal(order binary.ByteOrder) []byte {
	buf := make([]byte, DynSize)
	order.PutUint64(buf[0:], uint64(d.Tag))
	order.PutUint64(buf[8:], d.Val)
	return buf
}

func UnmarshalDyn(b []byte, order binary.ByteOrder) *Dyn {
	return &Dyn{Tag: DTag(int64(order.Uint64(b[0:]))), Val: order.Uint64(b[8:])}
}
