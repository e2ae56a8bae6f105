package vmpelf

import (
	"fmt"

	"github.com/aarch64vmp/vmptool/internal/vmerr"
	"github.com/aarch64vmp/vmptool/types"
)

// Validate runs the ordered stage pipeline against img.Raw. Call
// Reconstruct first if img.Dirty, since validation inspects the serialized
// image, not the in-memory model.
func Validate(img *ElfImage) error {
	if err := validateBasic(img); err != nil {
		return vmerr.Validation("BASIC", err)
	}
	if err := validateSegment(img); err != nil {
		return vmerr.Validation("SEGMENT", err)
	}
	if err := validatePltGot(img); err != nil {
		return vmerr.Validation("PLT_GOT", err)
	}
	if err := validateReparse(img); err != nil {
		return vmerr.Validation("REPARSE", err)
	}
	return nil
}

func validateBasic(img *ElfImage) error {
	if err := img.Header.Validate(); err != nil {
		return err
	}
	size := uint64(len(img.Raw))
	if img.Header.Phnum > 0 {
		end := img.Header.Phoff + uint64(img.Header.Phnum)*types.PhdrSize
		if end > size {
			return fmt.Errorf("program header table [%#x,%#x) exceeds file size %#x", img.Header.Phoff, end, size)
		}
	}
	if img.Header.Shnum > 0 {
		end := img.Header.Shoff + uint64(img.Header.Shnum)*types.ShdrSize
		if end > size {
			return fmt.Errorf("section header table [%#x,%#x) exceeds file size %#x", img.Header.Shoff, end, size)
		}
	}
	for i, p := range img.Phdrs {
		if p.Memsz < p.Filesz {
			return fmt.Errorf("phdr[%d]: memsz %#x < filesz %#x", i, p.Memsz, p.Filesz)
		}
	}
	return nil
}

func validateSegment(img *ElfImage) error {
	loads := img.SegmentsOfType(types.PT_LOAD)
	if len(loads) == 0 {
		return fmt.Errorf("no PT_LOAD segment present")
	}

	for i, p := range loads {
		if !types.IsPowerOfTwo(p.Align) {
			return fmt.Errorf("PT_LOAD[%d]: align %#x is not a power of two", i, p.Align)
		}
		align := p.Align
		if align == 0 {
			align = 1
		}
		if p.Offset%align != p.Vaddr%align {
			return fmt.Errorf("PT_LOAD[%d]: offset/vaddr congruence violated (offset=%#x vaddr=%#x align=%#x)", i, p.Offset, p.Vaddr, align)
		}
	}

	for _, p := range img.SegmentsOfType(types.PT_PHDR) {
		host := img.LoadSegmentForVaddr(p.Vaddr)
		if host == nil {
			return fmt.Errorf("PT_PHDR at vaddr %#x is not covered by any PT_LOAD", p.Vaddr)
		}
		if p.Vaddr-host.Vaddr != p.Offset-host.Offset {
			return fmt.Errorf("PT_PHDR vaddr/offset inconsistent with its covering PT_LOAD")
		}
	}

	if err := segmentNestedInLoad(img, "PT_DYNAMIC", img.SegmentsOfType(types.PT_DYNAMIC)); err != nil {
		return err
	}
	if err := segmentNestedInLoad(img, "PT_GNU_RELRO", img.SegmentsOfType(types.PT_GNU_RELRO)); err != nil {
		return err
	}
	if err := segmentNestedInLoad(img, "PT_TLS", img.SegmentsOfType(types.PT_TLS)); err != nil {
		return err
	}

	const pageTolerance = uint64(types.PageSize)
	for i := 0; i < len(loads); i++ {
		for j := i + 1; j < len(loads); j++ {
			a, b := loads[i], loads[j]
			if !rangesOverlap(a.Vaddr, a.Memsz, b.Vaddr, b.Memsz) {
				continue
			}
			deltaA := int64(a.Offset) - int64(a.Vaddr)
			deltaB := int64(b.Offset) - int64(b.Vaddr)
			if overlapLen(a.Vaddr, a.Memsz, b.Vaddr, b.Memsz) <= pageTolerance && deltaA == deltaB {
				continue
			}
			return fmt.Errorf("PT_LOAD[%d] and PT_LOAD[%d] overlap disallowed: vaddr ranges [%#x,%#x) and [%#x,%#x)",
				i, j, a.Vaddr, a.Vaddr+a.Memsz, b.Vaddr, b.Vaddr+b.Memsz)
		}
	}
	return nil
}

func segmentNestedInLoad(img *ElfImage, kind string, segs []*types.Phdr) error {
	for _, s := range segs {
		if s.Memsz == 0 {
			continue
		}
		host := img.LoadSegmentForVaddr(s.Vaddr)
		if host == nil {
			return fmt.Errorf("%s at vaddr %#x is not covered by any PT_LOAD", kind, s.Vaddr)
		}
		if s.Vaddr+s.Memsz > host.Vaddr+host.Memsz {
			return fmt.Errorf("%s [%#x,%#x) extends past its covering PT_LOAD", kind, s.Vaddr, s.Vaddr+s.Memsz)
		}
	}
	return nil
}

func rangesOverlap(aStart, aLen, bStart, bLen uint64) bool {
	return aStart < bStart+bLen && bStart < aStart+aLen
}

func overlapLen(aStart, aLen, bStart, bLen uint64) uint64 {
	aEnd, bEnd := aStart+aLen, bStart+bLen
	start, end := aStart, aEnd
	if bStart > start {
		start = bStart
	}
	if bEnd < end {
		end = bEnd
	}
	if end <= start {
		return 0
	}
	return end - start
}

func validatePltGot(img *ElfImage) error {
	d := img.Dynamic()
	if d == nil {
		return nil
	}
	for _, e := range d.Entries {
		if !types.PointerTags[e.Tag] || e.Val == 0 {
			continue
		}
		if img.LoadSegmentForVaddr(e.Val) == nil {
			return fmt.Errorf("dynamic tag %d points at %#x, not mapped by any PT_LOAD", e.Tag, e.Val)
		}
	}
	if pltrel, ok := d.Get(types.DT_PLTREL); ok && types.DTag(pltrel) != types.DT_RELA {
		return fmt.Errorf("DT_PLTREL = %d, want DT_RELA (%d)", pltrel, types.DT_RELA)
	}
	if relaent, ok := d.Get(types.DT_RELAENT); ok && relaent != types.RelaSize {
		return fmt.Errorf("DT_RELAENT = %d, want %d", relaent, types.RelaSize)
	}
	if sz, ok := d.Get(types.DT_PLTRELSZ); ok && sz%types.RelaSize != 0 {
		return fmt.Errorf("DT_PLTRELSZ = %d is not a multiple of %d", sz, types.RelaSize)
	}
	if sz, ok := d.Get(types.DT_RELASZ); ok && sz%types.RelaSize != 0 {
		return fmt.Errorf("DT_RELASZ = %d is not a multiple of %d", sz, types.RelaSize)
	}
	if pltgot, ok := d.Get(types.DT_PLTGOT); ok && pltgot != 0 {
		if img.LoadSegmentForVaddr(pltgot) == nil {
			return fmt.Errorf("DT_PLTGOT %#x is not mapped by any PT_LOAD", pltgot)
		}
	}
	return nil
}

func validateReparse(img *ElfImage) error {
	fresh, err := Load(img.Raw)
	if err != nil {
		return fmt.Errorf("re-parse failed: %w", err)
	}
	if len(fresh.Phdrs) != len(img.Phdrs) {
		return fmt.Errorf("program header count mismatch after re-parse: got %d, want %d", len(fresh.Phdrs), len(img.Phdrs))
	}
	if len(fresh.Sections) != len(img.Sections) {
		return fmt.Errorf("section header count mismatch after re-parse: got %d, want %d", len(fresh.Sections), len(img.Sections))
	}
	return nil
}

// ResolveSymbol resolves name against .dynsym first, then .symtab,
// returning the first defined (non-SHN_UNDEF) match.
func ResolveSymbol(img *ElfImage, name string) (*types.Sym, bool) {
	if sym, ok := findSymbol(img.Dynsym(), img.Dynstr(), name); ok {
		return sym, true
	}
	var symtabStrs *StrTabSection
	if s := img.Section(".strtab"); s != nil {
		symtabStrs, _ = s.(*StrTabSection)
	}
	return findSymbol(img.Symtab(), symtabStrs, name)
}

func findSymbol(syms *SymbolSection, strtab *StrTabSection, name string) (*types.Sym, bool) {
	if syms == nil || strtab == nil {
		return nil, false
	}
	for _, s := range syms.Syms {
		if s.Shndx == types.SHN_UNDEF {
			continue
		}
		if strtab.String(s.NameOff) == name {
			return s, true
		}
	}
	return nil, false
}

// SectionSegmentMapping reports, for each SHF_ALLOC section, the index
// (into img.SegmentsOfType(PT_LOAD)) of the PT_LOAD that fully covers its
// address range, or -1 if none does.
func SectionSegmentMapping(img *ElfImage) map[string]int {
	loads := img.SegmentsOfType(types.PT_LOAD)
	out := make(map[string]int, len(img.Sections))
	for _, s := range img.Sections {
		b := s.Base()
		if !b.Flags.Alloc() {
			continue
		}
		idx := -1
		for i, p := range loads {
			if b.Addr >= p.Vaddr && b.Addr+b.Size <= p.Vaddr+p.Memsz {
				idx = i
				break
			}
		}
		out[b.Name] = idx
	}
	return out
}
