// Package vmpelf is the mutable ELF64/AArch64 model, editor and
// reconstructor: an in-memory model (ElfImage) that is parsed once,
// mutated freely, and only ever turned back into bytes through one
// reconstruction pass, plus the address rewriter, validator and
// donor-merge injector that operate on it.
package vmpelf

import (
	"encoding/binary"

	"github.com/aarch64vmp/vmptool/types"
)

// byteOrder is fixed: this toolchain handles little-endian AArch64 only.
var byteOrder = binary.LittleEndian

// ElfImage owns the mutable model for one ELF64/AArch64 file: a header, a
// program header table and a section header table of polymorphic
// sections. Any mutation through the model's methods sets Dirty, which
// means Raw no longer reflects the model until Reconstruct runs again.
type ElfImage struct {
	Header  types.FileHeader
	Phdrs   []*types.Phdr
	Sections []Section

	// Raw is the last-reconstructed (or originally loaded) byte image.
	// Reconstruct replaces it wholesale; the address rewriter also patches
	// slot values and the PT_DYNAMIC fallback entries in it in place.
	Raw []byte

	Dirty bool

	// pending holds blobs queued for placement by the next Reconstruct
	// during reconstruction.
	pending []*PendingBlob
}

// PendingBlob is a byte vector queued for placement in the next
// reconstruction: a new section payload, an injected donor chunk, or a
// relocated PHT/SHT. Offset/Vaddr of zero mean "not yet placed".
type PendingBlob struct {
	Name   string
	Bytes  []byte
	Offset uint64
	Vaddr  uint64
	Flags  types.PFlag
	Align  uint64
	// Exec marks blobs that need PC-relative repatching once placed.
	Exec bool
}

func (img *ElfImage) MarkDirty() { img.Dirty = true }

// QueuePendingBlob adds a blob for the next Reconstruct to place.
func (img *ElfImage) QueuePendingBlob(b *PendingBlob) {
	img.pending = append(img.pending, b)
	img.MarkDirty()
}

// Section returns the first section with the given resolved name, or nil.
func (img *ElfImage) Section(name string) Section {
	for _, s := range img.Sections {
		if s.Base().Name == name {
			return s
		}
	}
	return nil
}

// SectionIndex returns the index of the first section with the given name,
// or -1.
func (img *ElfImage) SectionIndex(name string) int {
	for i, s := range img.Sections {
		if s.Base().Name == name {
			return i
		}
	}
	return -1
}

// SegmentsOfType returns every program header of the given type, in table
// order.
func (img *ElfImage) SegmentsOfType(t types.PType) []*types.Phdr {
	var out []*types.Phdr
	for _, p := range img.Phdrs {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// LoadSegmentForVaddr returns the PT_LOAD segment that maps addr, or nil.
func (img *ElfImage) LoadSegmentForVaddr(addr uint64) *types.Phdr {
	for _, p := range img.Phdrs {
		if p.Type != types.PT_LOAD {
			continue
		}
		if addr >= p.Vaddr && addr < p.Vaddr+p.Memsz {
			return p
		}
	}
	return nil
}

// FileOffsetForVaddr converts a virtual address to a file offset through
// whichever PT_LOAD covers it; ok is false if no LOAD maps it.
func (img *ElfImage) FileOffsetForVaddr(addr uint64) (off uint64, ok bool) {
	p := img.LoadSegmentForVaddr(addr)
	if p == nil {
		return 0, false
	}
	return p.Offset + (addr - p.Vaddr), true
}

// internSectionName adds name to .shstrtab (if the image carries one) and
// returns its offset, so sections appended to the model keep their names
// across a serialize/reparse cycle.
func (img *ElfImage) internSectionName(name string) uint32 {
	if s := img.Section(".shstrtab"); s != nil {
		if st, ok := s.(*StrTabSection); ok {
			return st.AppendIfAbsent(name)
		}
	}
	return 0
}

// Dynamic returns the parsed .dynamic section, or nil.
func (img *ElfImage) Dynamic() *DynamicSection {
	if s := img.Section(".dynamic"); s != nil {
		if d, ok := s.(*DynamicSection); ok {
			return d
		}
	}
	return nil
}

// Dynsym returns the parsed .dynsym section, or nil.
func (img *ElfImage) Dynsym() *SymbolSection {
	if s := img.Section(".dynsym"); s != nil {
		if d, ok := s.(*SymbolSection); ok {
			return d
		}
	}
	return nil
}

// Symtab returns the parsed .symtab section, or nil.
func (img *ElfImage) Symtab() *SymbolSection {
	if s := img.Section(".symtab"); s != nil {
		if d, ok := s.(*SymbolSection); ok {
			return d
		}
	}
	return nil
}

// Dynstr returns the parsed .dynstr section, or nil.
func (img *ElfImage) Dynstr() *StrTabSection {
	if s := img.Section(".dynstr"); s != nil {
		if d, ok := s.(*StrTabSection); ok {
			return d
		}
	}
	return nil
}
