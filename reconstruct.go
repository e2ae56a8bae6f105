package vmpelf

import (
	"fmt"

	"github.com/aarch64vmp/vmptool/internal/arm64patch"
	"github.com/aarch64vmp/vmptool/internal/vmerr"
	"github.com/aarch64vmp/vmptool/types"
)

// sectionSnapshot records a section's placement before a layout pass so
// repatching and address-fixup code can compute how far it moved.
type sectionSnapshot struct {
	Addr, Size uint64
}

// Reconstruct rebuilds hash tables, places queued blobs, lays out grown
// sections, places NOBITS, repatches any executable
// section whose address moved, fixes up dynamic-tag pointers, relocates
// the program header table if it no longer fits, and serializes the
// result into img.Raw.
func (img *ElfImage) Reconstruct() error {
	snap := img.snapshotSections()

	if err := img.rebuildHashTables(); err != nil {
		return err
	}
	if err := img.placePendingBlobs(); err != nil {
		return err
	}
	if err := img.layoutSections(); err != nil {
		return err
	}
	img.placeNobits()

	relocate := img.relocateClosure(snap)
	if err := img.repatchMoved(snap, relocate); err != nil {
		return err
	}

	img.fixupDynamicTags()
	img.relocatePHTIfNeeded()

	raw, err := img.serialize()
	if err != nil {
		return err
	}
	img.Raw = raw
	img.Dirty = false
	return nil
}

func (img *ElfImage) snapshotSections() map[string]sectionSnapshot {
	out := make(map[string]sectionSnapshot, len(img.Sections))
	for _, s := range img.Sections {
		b := s.Base()
		out[b.Name] = sectionSnapshot{Addr: b.Addr, Size: b.Size}
	}
	return out
}

// relocateClosure answers "where did this old address move to", by
// locating the section snapshot whose old range contains it and applying
// that section's shift. Addresses outside every moved section are left
// unchanged.
func (img *ElfImage) relocateClosure(snap map[string]sectionSnapshot) Relocate {
	return func(a uint64) uint64 {
		for _, s := range img.Sections {
			b := s.Base()
			prev, ok := snap[b.Name]
			if !ok || prev.Size == 0 || prev.Addr == b.Addr {
				continue
			}
			if a >= prev.Addr && a < prev.Addr+prev.Size {
				return uint64(int64(a) + (int64(b.Addr) - int64(prev.Addr)))
			}
		}
		return a
	}
}

func (img *ElfImage) rebuildHashTables() error {
	dynsym := img.Dynsym()
	if dynsym == nil {
		return nil
	}
	dynstr := img.Dynstr()
	if dynstr == nil {
		return vmerr.Layout("elf: hash rebuild", fmt.Errorf(".dynsym present without .dynstr"))
	}
	names := make([]string, len(dynsym.Syms))
	for i, s := range dynsym.Syms {
		names[i] = dynstr.String(s.NameOff)
	}
	if gnuHash := img.Section(".gnu.hash"); gnuHash != nil {
		payload := BuildGnuHash(names, 1)
		gnuHash.Base().Payload = payload
		gnuHash.Base().Size = uint64(len(payload))
	}
	if sysvHash := img.Section(".hash"); sysvHash != nil {
		payload := BuildSysvHash(names)
		sysvHash.Base().Payload = payload
		sysvHash.Base().Size = uint64(len(payload))
	}
	return nil
}

func (img *ElfImage) placePendingBlobs() error {
	for _, blob := range img.pending {
		if blob.Offset != 0 {
			continue
		}
		off := alignUp(img.endOfFile(), types.PageSize)
		align := blob.Align
		if align == 0 {
			align = 8
		}
		vaddr := img.nextLoadVaddr(off, align)
		blob.Offset = off
		blob.Vaddr = vaddr

		img.Phdrs = append(img.Phdrs, &types.Phdr{
			Type: types.PT_LOAD, Flags: blob.Flags,
			Offset: off, Vaddr: vaddr, Paddr: vaddr,
			Filesz: uint64(len(blob.Bytes)), Memsz: uint64(len(blob.Bytes)),
			Align: types.PageSize,
		})

		img.Sections = append(img.Sections, &GenericSection{SectionBase: SectionBase{
			NameIndex: img.internSectionName(blob.Name),
			Name:      blob.Name, Type: types.SHT_PROGBITS,
			Flags: sectionFlagsFor(blob.Flags, blob.Exec),
			Addr: vaddr, Offset: off, Size: uint64(len(blob.Bytes)),
			AddrAlign: align, Payload: append([]byte(nil), blob.Bytes...),
		}})
	}
	img.pending = nil
	return nil
}

func sectionFlagsFor(pf types.PFlag, exec bool) types.SFlag {
	f := types.SHF_ALLOC
	if pf.Writable() {
		f |= types.SHF_WRITE
	}
	if exec {
		f |= types.SHF_EXECINSTR
	}
	return f
}

func (img *ElfImage) layoutSections() error {
	for _, s := range img.Sections {
		b := s.Base()
		if !b.Flags.Alloc() || b.Type == types.SHT_NOBITS {
			continue
		}
		need := uint64(len(b.Payload))
		if need <= b.Size {
			b.Size = need
			continue
		}
		align := b.AddrAlign
		if align == 0 {
			align = 8
		}
		newOff := alignUp(img.endOfFile(), lcm(align, types.PageSize))
		newVaddr := img.nextLoadVaddr(newOff, align)
		if img.hostLoadForOffset(newVaddr, need, b.Flags) == nil {
			return vmerr.Layout("elf: section layout", fmt.Errorf("no PT_LOAD available to host grown section %q", b.Name))
		}
		b.Offset = newOff
		b.Addr = newVaddr
		b.Size = need
	}
	return nil
}

// hostLoadForOffset finds the PT_LOAD covering [vaddr,vaddr+size), growing
// it if necessary, or creates a fresh one.
func (img *ElfImage) hostLoadForOffset(vaddr, size uint64, flags types.SFlag) *types.Phdr {
	for _, p := range img.SegmentsOfType(types.PT_LOAD) {
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Memsz {
			if end := vaddr + size; end > p.Vaddr+p.Memsz {
				grown := end - p.Vaddr
				p.Memsz = grown
				p.Filesz = grown
			}
			return p
		}
	}
	pf := types.PF_R
	if flags.Write() {
		pf |= types.PF_W
	}
	if flags.ExecInstr() {
		pf |= types.PF_X
	}
	off := vaddr // congruent by construction (see nextLoadVaddr)
	seg := &types.Phdr{
		Type: types.PT_LOAD, Flags: pf,
		Offset: off, Vaddr: vaddr, Paddr: vaddr,
		Filesz: size, Memsz: size, Align: types.PageSize,
	}
	img.Phdrs = append(img.Phdrs, seg)
	return seg
}

func (img *ElfImage) placeNobits() {
	for _, s := range img.Sections {
		b := s.Base()
		if b.Type != types.SHT_NOBITS || !b.Flags.Alloc() {
			continue
		}
		host := img.LoadSegmentForVaddr(b.Addr)
		if host == nil {
			continue
		}
		minAddr := host.Vaddr + host.Filesz
		if b.Addr < minAddr {
			align := b.AddrAlign
			if align == 0 {
				align = 1
			}
			b.Addr = alignUp(minAddr, align)
		}
		if end := b.Addr + b.Size; end > host.Vaddr+host.Memsz {
			host.Memsz = end - host.Vaddr
		}
		b.Offset = host.Offset + (b.Addr - host.Vaddr)
	}
}

func (img *ElfImage) repatchMoved(snap map[string]sectionSnapshot, relocate Relocate) error {
	for _, s := range img.Sections {
		b := s.Base()
		if !b.Flags.ExecInstr() {
			continue
		}
		prev, ok := snap[b.Name]
		if !ok || prev.Addr == b.Addr {
			continue
		}
		patched, _ := arm64patch.Patch(b.Payload, prev.Addr, func(a uint64) uint64 { return relocate(a) })
		b.Payload = patched
		b.Size = uint64(len(patched))
	}
	return nil
}

func (img *ElfImage) fixupDynamicTags() {
	d := img.Dynamic()
	if d == nil {
		return
	}
	setFromSection := func(tag types.DTag, name string) {
		if s := img.Section(name); s != nil {
			d.Set(tag, s.Base().Addr)
		}
	}
	setFromSection(types.DT_SYMTAB, ".dynsym")
	setFromSection(types.DT_STRTAB, ".dynstr")
	setFromSection(types.DT_VERSYM, ".gnu.version")
	setFromSection(types.DT_VERNEED, ".gnu.version_r")
	setFromSection(types.DT_GNU_HASH, ".gnu.hash")
	setFromSection(types.DT_HASH, ".hash")
	setFromSection(types.DT_RELA, ".rela.dyn")
	setFromSection(types.DT_JMPREL, ".rela.plt")

	if s := img.Section(".dynstr"); s != nil {
		d.Set(types.DT_STRSZ, s.Base().Size)
	}
	if s := img.Section(".rela.dyn"); s != nil {
		d.Set(types.DT_RELASZ, s.Base().Size)
	}
	if s := img.Section(".rela.plt"); s != nil {
		d.Set(types.DT_PLTRELSZ, s.Base().Size)
	}
}

// relocatePHTIfNeeded moves the program header table to fresh, page-aligned
// space (with a rescue PT_LOAD covering it) when it no longer fits the
// PT_LOAD that used to hold it.
func (img *ElfImage) relocatePHTIfNeeded() {
	reserved := uint64(len(img.Phdrs)+4) * types.PhdrSize
	for _, p := range img.SegmentsOfType(types.PT_LOAD) {
		if img.Header.Phoff >= p.Offset && img.Header.Phoff+reserved <= p.Offset+p.Filesz {
			return
		}
	}

	img.Phdrs = append(img.Phdrs,
		&types.Phdr{Type: types.PT_NULL},
		&types.Phdr{Type: types.PT_NULL},
		&types.Phdr{Type: types.PT_NULL},
	)

	off := alignUp(img.endOfFile(), types.PageSize)
	vaddr := img.nextLoadVaddr(off, types.PageSize)
	size := uint64(len(img.Phdrs)+1) * types.PhdrSize

	img.Phdrs = append(img.Phdrs, &types.Phdr{
		Type: types.PT_LOAD, Flags: types.PF_R,
		Offset: off, Vaddr: vaddr, Paddr: vaddr,
		Filesz: size, Memsz: size, Align: types.PageSize,
	})

	img.Header.Phoff = off
	for _, p := range img.SegmentsOfType(types.PT_PHDR) {
		p.Offset, p.Vaddr, p.Paddr, p.Filesz, p.Memsz = off, vaddr, vaddr, size, size
	}
}

func (img *ElfImage) serialize() ([]byte, error) {
	for _, s := range img.Sections {
		s.SyncHeader()
	}

	size := img.endOfFile()
	shOff := alignUp(size, 8)
	total := shOff + uint64(len(img.Sections))*types.ShdrSize

	img.Header.Shoff = shOff
	img.Header.Shnum = uint16(len(img.Sections))
	img.Header.Phnum = uint16(len(img.Phdrs))
	img.Header.Ehsize = types.FileHeaderSize
	img.Header.Phentsize = types.PhdrSize
	img.Header.Shentsize = types.ShdrSize

	buf := make([]byte, total)
	copy(buf[0:types.FileHeaderSize], img.Header.Marshal(byteOrder))

	for i, p := range img.Phdrs {
		off := img.Header.Phoff + uint64(i)*types.PhdrSize
		if off+types.PhdrSize > uint64(len(buf)) {
			return nil, vmerr.Layout("elf: serialize", fmt.Errorf("program header table does not fit"))
		}
		copy(buf[off:], p.Marshal(byteOrder))
	}

	for _, s := range img.Sections {
		b := s.Base()
		if b.Type == types.SHT_NOBITS || len(b.Payload) == 0 {
			continue
		}
		end := b.Offset + uint64(len(b.Payload))
		if end > uint64(len(buf)) {
			return nil, vmerr.Layout("elf: serialize", fmt.Errorf("section %q payload does not fit: off=%#x len=%#x", b.Name, b.Offset, len(b.Payload)))
		}
		copy(buf[b.Offset:end], b.Payload)
	}

	for i, s := range img.Sections {
		off := shOff + uint64(i)*types.ShdrSize
		copy(buf[off:], s.Base().toShdr().Marshal(byteOrder))
	}

	return buf, nil
}

// endOfFile returns the file offset one past the end of every structure
// currently placed in the image: raw bytes, PHT, SHT, and every non-NOBITS
// section payload.
func (img *ElfImage) endOfFile() uint64 {
	max := uint64(len(img.Raw))
	if end := img.Header.Phoff + uint64(len(img.Phdrs))*types.PhdrSize; end > max {
		max = end
	}
	if end := img.Header.Shoff + uint64(len(img.Sections))*types.ShdrSize; end > max {
		max = end
	}
	for _, s := range img.Sections {
		b := s.Base()
		if b.Type == types.SHT_NOBITS {
			continue
		}
		if end := b.Offset + uint64(len(b.Payload)); end > max {
			max = end
		}
	}
	for _, p := range img.Phdrs {
		if p.Type != types.PT_LOAD {
			continue
		}
		if end := p.Offset + p.Filesz; end > max {
			max = end
		}
	}
	return max
}

// nextLoadVaddr picks a vaddr for new content at file offset off, congruent
// with off modulo align by construction: it reuses the (offset - vaddr)
// delta of whichever existing PT_LOAD currently reaches furthest, which is
// itself congruent, so subtracting it from a page-aligned off yields a
// page-aligned vaddr.
func (img *ElfImage) nextLoadVaddr(off, align uint64) uint64 {
	var maxEnd uint64
	var delta int64
	for _, p := range img.SegmentsOfType(types.PT_LOAD) {
		if p.Vaddr+p.Memsz > maxEnd {
			maxEnd = p.Vaddr + p.Memsz
			delta = int64(p.Offset) - int64(p.Vaddr)
		}
	}
	vaddr := uint64(int64(off) - delta)
	if align > 0 {
		vaddr = alignUp(vaddr, align)
	}
	if vaddr < maxEnd {
		vaddr = alignUp(maxEnd, types.PageSize)
	}
	return vaddr
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

func lcm(a, b uint64) uint64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	return a / gcd(a, b) * b
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
