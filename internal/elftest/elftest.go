// Package elftest builds small, valid ELF64/AArch64 shared objects in
// memory for tests: two PT_LOADs, a dynamic symbol table with GNU hash and
// versym, an optional static symbol table and an optional reserved
// .vmp_patchbay payload. It depends only on the raw types package so both
// in-package and external tests can use it without import cycles.
package elftest

import (
	"encoding/binary"

	"github.com/aarch64vmp/vmptool/types"
)

// TextAddr is the virtual address (and file offset) the .text payload is
// placed at in every built image.
const TextAddr = 0x400

const page = 0x1000

// Symbol describes one symbol table entry to synthesize.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Type  types.STType
	// Shndx of 0 means "the .text section".
	Shndx uint16
}

// Options selects what the built image contains.
type Options struct {
	Code     []byte
	Dynsyms  []Symbol
	Statics  []Symbol
	Patchbay []byte
}

type strtab struct {
	data []byte
}

func newStrtab() *strtab { return &strtab{data: []byte{0}} }

func (s *strtab) add(name string) uint32 {
	if name == "" {
		return 0
	}
	off := uint32(len(s.data))
	s.data = append(s.data, []byte(name)...)
	s.data = append(s.data, 0)
	return off
}

// Build lays out and serializes the image.
func Build(o Options) []byte {
	le := binary.LittleEndian
	code := o.Code
	if len(code) == 0 {
		code = []byte{0xc0, 0x03, 0x5f, 0xd6} // ret
	}

	const (
		idxText      = 1
		idxDynstr    = 2
		idxDynsym    = 3
		idxGnuHash   = 4
		idxVersym    = 5
		firstExtra   = 6
	)
	textShndx := uint16(idxText)

	dynstr := newStrtab()
	dynsyms := []*types.Sym{{}}
	names := []string{""}
	for _, s := range o.Dynsyms {
		shndx := s.Shndx
		if shndx == 0 {
			shndx = textShndx
		}
		dynsyms = append(dynsyms, &types.Sym{
			NameOff: dynstr.add(s.Name),
			Info:    types.STInfo(types.STB_GLOBAL, s.Type),
			Shndx:   shndx,
			Value:   s.Value,
			Size:    s.Size,
		})
		names = append(names, s.Name)
	}
	dynsymBytes := marshalSyms(dynsyms)
	gnuHash := buildGnuHash(names, 1)
	versym := make([]byte, len(dynsyms)*2)
	for i := range dynsyms {
		if i > 0 {
			le.PutUint16(versym[i*2:], 1)
		}
	}

	strtabPool := newStrtab()
	statics := []*types.Sym{{}}
	for _, s := range o.Statics {
		shndx := s.Shndx
		if shndx == 0 {
			shndx = textShndx
		}
		statics = append(statics, &types.Sym{
			NameOff: strtabPool.add(s.Name),
			Info:    types.STInfo(types.STB_GLOBAL, s.Type),
			Shndx:   shndx,
			Value:   s.Value,
			Size:    s.Size,
		})
	}
	symtabBytes := marshalSyms(statics)

	// RX LOAD: headers, .text, .dynstr, .dynsym, .gnu.hash, .gnu.version
	// and (optionally) .vmp_patchbay, in that order.
	cursor := uint64(TextAddr)
	textOff := cursor
	cursor += uint64(len(code))
	dynstrOff := cursor
	cursor += uint64(len(dynstr.data))
	dynsymOff := align(cursor, 8)
	cursor = dynsymOff + uint64(len(dynsymBytes))
	gnuHashOff := align(cursor, 8)
	cursor = gnuHashOff + uint64(len(gnuHash))
	versymOff := align(cursor, 2)
	cursor = versymOff + uint64(len(versym))
	var patchbayOff uint64
	if len(o.Patchbay) > 0 {
		patchbayOff = align(cursor, 8)
		cursor = patchbayOff + uint64(len(o.Patchbay))
	}
	endRX := cursor

	// RW LOAD: just .dynamic, on its own page.
	dynOff := align(endRX, page)
	dynEntries := []types.Dyn{
		{Tag: types.DT_SYMTAB, Val: dynsymOff},
		{Tag: types.DT_STRTAB, Val: dynstrOff},
		{Tag: types.DT_STRSZ, Val: uint64(len(dynstr.data))},
		{Tag: types.DT_SYMENT, Val: types.SymSize},
		{Tag: types.DT_GNU_HASH, Val: gnuHashOff},
		{Tag: types.DT_VERSYM, Val: versymOff},
		{Tag: types.DT_NULL},
	}
	dynBytes := make([]byte, 0, len(dynEntries)*types.DynSize)
	for i := range dynEntries {
		dynBytes = append(dynBytes, dynEntries[i].Marshal(le)...)
	}
	endRW := dynOff + uint64(len(dynBytes))

	symtabOff := align(endRW, 8)
	strtabOff := symtabOff + uint64(len(symtabBytes))

	shstr := newStrtab()
	type sec struct {
		types.Shdr
		name string
	}
	secs := []sec{
		{name: ""},
		{name: ".text", Shdr: types.Shdr{Type: types.SHT_PROGBITS, Flags: types.SHF_ALLOC | types.SHF_EXECINSTR,
			Addr: textOff, Offset: textOff, Size: uint64(len(code)), AddrAlign: 4}},
		{name: ".dynstr", Shdr: types.Shdr{Type: types.SHT_STRTAB, Flags: types.SHF_ALLOC,
			Addr: dynstrOff, Offset: dynstrOff, Size: uint64(len(dynstr.data)), AddrAlign: 1}},
		{name: ".dynsym", Shdr: types.Shdr{Type: types.SHT_DYNSYM, Flags: types.SHF_ALLOC,
			Addr: dynsymOff, Offset: dynsymOff, Size: uint64(len(dynsymBytes)),
			Link: idxDynstr, Info: 1, AddrAlign: 8, EntSize: types.SymSize}},
		{name: ".gnu.hash", Shdr: types.Shdr{Type: types.SHT_GNU_HASH, Flags: types.SHF_ALLOC,
			Addr: gnuHashOff, Offset: gnuHashOff, Size: uint64(len(gnuHash)),
			Link: idxDynsym, AddrAlign: 8}},
		{name: ".gnu.version", Shdr: types.Shdr{Type: types.SHT_GNU_versym, Flags: types.SHF_ALLOC,
			Addr: versymOff, Offset: versymOff, Size: uint64(len(versym)),
			Link: idxDynsym, AddrAlign: 2, EntSize: 2}},
	}
	nextIdx := firstExtra
	if len(o.Patchbay) > 0 {
		secs = append(secs, sec{name: ".vmp_patchbay", Shdr: types.Shdr{Type: types.SHT_PROGBITS, Flags: types.SHF_ALLOC,
			Addr: patchbayOff, Offset: patchbayOff, Size: uint64(len(o.Patchbay)), AddrAlign: 8}})
		nextIdx++
	}
	idxDynamic := nextIdx
	secs = append(secs, sec{name: ".dynamic", Shdr: types.Shdr{Type: types.SHT_DYNAMIC, Flags: types.SHF_ALLOC | types.SHF_WRITE,
		Addr: dynOff, Offset: dynOff, Size: uint64(len(dynBytes)),
		Link: idxDynstr, AddrAlign: 8, EntSize: types.DynSize}})
	idxStrtab := idxDynamic + 2
	secs = append(secs, sec{name: ".symtab", Shdr: types.Shdr{Type: types.SHT_SYMTAB,
		Offset: symtabOff, Size: uint64(len(symtabBytes)),
		Link: uint32(idxStrtab), Info: 1, AddrAlign: 8, EntSize: types.SymSize}})
	secs = append(secs, sec{name: ".strtab", Shdr: types.Shdr{Type: types.SHT_STRTAB,
		Offset: strtabOff, Size: uint64(len(strtabPool.data)), AddrAlign: 1}})
	shstrIdx := len(secs)
	secs = append(secs, sec{name: ".shstrtab", Shdr: types.Shdr{Type: types.SHT_STRTAB, AddrAlign: 1}})

	for i := range secs {
		secs[i].NameOff = shstr.add(secs[i].name)
	}
	shstrOff := strtabOff + uint64(len(strtabPool.data))
	secs[shstrIdx].Offset = shstrOff
	secs[shstrIdx].Size = uint64(len(shstr.data))

	shoff := align(shstrOff+uint64(len(shstr.data)), 8)
	fileSize := shoff + uint64(len(secs))*types.ShdrSize

	phdrs := []types.Phdr{
		{Type: types.PT_PHDR, Flags: types.PF_R, Offset: types.FileHeaderSize, Vaddr: types.FileHeaderSize,
			Paddr: types.FileHeaderSize, Filesz: 4 * types.PhdrSize, Memsz: 4 * types.PhdrSize, Align: 8},
		{Type: types.PT_LOAD, Flags: types.PF_R | types.PF_X, Offset: 0, Vaddr: 0, Paddr: 0,
			Filesz: endRX, Memsz: endRX, Align: page},
		{Type: types.PT_LOAD, Flags: types.PF_R | types.PF_W, Offset: dynOff, Vaddr: dynOff, Paddr: dynOff,
			Filesz: uint64(len(dynBytes)), Memsz: uint64(len(dynBytes)), Align: page},
		{Type: types.PT_DYNAMIC, Flags: types.PF_R | types.PF_W, Offset: dynOff, Vaddr: dynOff, Paddr: dynOff,
			Filesz: uint64(len(dynBytes)), Memsz: uint64(len(dynBytes)), Align: 8},
	}

	hdr := types.FileHeader{
		Type: types.ET_DYN, Machine: types.EM_AARCH64, Version: 1,
		Phoff: types.FileHeaderSize, Shoff: shoff,
		Ehsize: types.FileHeaderSize, Phentsize: types.PhdrSize, Phnum: uint16(len(phdrs)),
		Shentsize: types.ShdrSize, Shnum: uint16(len(secs)), Shstrndx: uint16(shstrIdx),
	}
	copy(hdr.Ident[0:4], types.ElfMagic[:])
	hdr.Ident[types.EI_CLASS] = byte(types.Class64)
	hdr.Ident[types.EI_DATA] = byte(types.DataLE)
	hdr.Ident[types.EI_VERSION] = 1

	out := make([]byte, fileSize)
	copy(out, hdr.Marshal(le))
	for i := range phdrs {
		copy(out[types.FileHeaderSize+uint64(i)*types.PhdrSize:], phdrs[i].Marshal(le))
	}
	copy(out[textOff:], code)
	copy(out[dynstrOff:], dynstr.data)
	copy(out[dynsymOff:], dynsymBytes)
	copy(out[gnuHashOff:], gnuHash)
	copy(out[versymOff:], versym)
	if len(o.Patchbay) > 0 {
		copy(out[patchbayOff:], o.Patchbay)
	}
	copy(out[dynOff:], dynBytes)
	copy(out[symtabOff:], symtabBytes)
	copy(out[strtabOff:], strtabPool.data)
	copy(out[shstrOff:], shstr.data)
	for i := range secs {
		copy(out[shoff+uint64(i)*types.ShdrSize:], secs[i].Marshal(le))
	}
	return out
}

func marshalSyms(syms []*types.Sym) []byte {
	out := make([]byte, 0, len(syms)*types.SymSize)
	for _, s := range syms {
		out = append(out, s.Marshal(binary.LittleEndian)...)
	}
	return out
}

// buildGnuHash is the same single-bucket layout the toolchain's rebuilder
// emits, duplicated here so this package depends only on types.
func buildGnuHash(names []string, symoffset uint32) []byte {
	const bloomShift = 6
	chainLen := uint32(len(names)) - symoffset
	buf := make([]byte, 16+8+4+chainLen*4)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], 1)
	le.PutUint32(buf[4:], symoffset)
	le.PutUint32(buf[8:], 1)
	le.PutUint32(buf[12:], bloomShift)
	var bloom uint64
	hashes := make([]uint32, chainLen)
	for i := uint32(0); i < chainLen; i++ {
		h := uint32(5381)
		name := names[symoffset+i]
		for j := 0; j < len(name); j++ {
			h = h*33 + uint32(name[j])
		}
		hashes[i] = h
		bloom |= uint64(1) << (h % 64)
		bloom |= uint64(1) << ((h >> bloomShift) % 64)
	}
	le.PutUint64(buf[16:], bloom)
	if chainLen == 0 {
		le.PutUint32(buf[24:], 0)
		return buf
	}
	le.PutUint32(buf[24:], symoffset)
	for i := uint32(0); i < chainLen; i++ {
		v := hashes[i] &^ 1
		if i == chainLen-1 {
			v |= 1
		}
		le.PutUint32(buf[28+int(i)*4:], v)
	}
	return buf
}

func align(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}
