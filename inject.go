package vmpelf

import (
	"fmt"
	"sort"

	"github.com/aarch64vmp/vmptool/internal/arm64patch"
	"github.com/aarch64vmp/vmptool/internal/vmerr"
	"github.com/aarch64vmp/vmptool/types"
)

// InjectOptions configures the donor-merge pipeline.
type InjectOptions struct {
	// RequireDonorTestSymbols makes Inject demand that the donor defines
	// "test1" and "test2" before merging, a check some validation harnesses
	// rely on. False by default so ordinary callers don't inherit it.
	RequireDonorTestSymbols bool
}

var donorTestSymbols = []string{"test1", "test2"}

// donorRange remembers where one donor PT_LOAD's bytes were copied to, so
// the relocate closure built from it can resolve addresses that donor code
// anywhere in the image (not just the segment currently being repatched)
// might reference: ADRP/ADR/literal loads that cross a donor segment
// boundary still resolve correctly because every donor range is known
// before any repatching starts.
type donorRange struct {
	oldVaddr, size, newVaddr uint64
}

// aliasRange redirects a reference to a donor data symbol's old range onto
// the target's existing copy of the same symbol, so two
// copies of the same global don't end up live side by side.
type aliasRange struct {
	donorStart, size, targetValue uint64
}

// Inject merges every loadable donor segment into target, following the
// merge pipeline: enumerate donor LOADs, match each against a
// target LOAD by flags, copy and repatch donor bytes into fresh space,
// repatch the target's .plt stubs, alias donor data symbols onto the
// target's own copies, mirror donor .text, merge static symbols, then
// reconstruct and validate the result.
func Inject(target, donor *ElfImage, opts InjectOptions) error {
	if opts.RequireDonorTestSymbols {
		for _, name := range donorTestSymbols {
			if _, ok := ResolveSymbol(donor, name); !ok {
				return vmerr.Validation("inject: donor check", fmt.Errorf("donor missing required symbol %q", name))
			}
		}
	}

	donorLoads := donorLoadableSegments(donor)
	if len(donorLoads) == 0 {
		return vmerr.Layout("inject: enumerate", fmt.Errorf("donor has no loadable segments"))
	}

	targetLoads := target.SegmentsOfType(types.PT_LOAD)

	// Donor and target are both linked at base zero, so donor vaddr ranges
	// overlap the target's own. The donor-relocate closure below is only
	// meaningful for donor code; the final .dynamic/relocation cleanup must
	// leave every address the target already owned untouched.
	type vaddrRange struct{ start, end uint64 }
	var targetRanges []vaddrRange
	for _, p := range targetLoads {
		targetRanges = append(targetRanges, vaddrRange{p.Vaddr, p.Vaddr + p.Memsz})
	}

	var ranges []donorRange
	type placement struct {
		dl         *types.Phdr
		bytes      []byte
		off, vaddr uint64
	}
	var placements []placement

	for _, dl := range donorLoads {
		tl, ok := scoreTargetForDonor(dl, targetLoads)
		if !ok {
			return vmerr.Layout("inject: match", fmt.Errorf(
				"no target PT_LOAD matches donor PT_LOAD at vaddr %#x flags=%s", dl.Vaddr, dl.Flags))
		}
		raw, err := donorLoadBytes(donor, dl)
		if err != nil {
			return err
		}
		// Executable donor bytes get repatched below, and PC-relative expansion
		// can grow them; reserve the worst case up front so the patched
		// payload never outruns its LOAD.
		reserve := uint64(len(raw))
		if dl.Flags.Executable() {
			reserve *= 6
		}
		off, vaddr := target.placeDonorLoad(raw, tl.Flags, dl.Align, reserve)
		ranges = append(ranges, donorRange{oldVaddr: dl.Vaddr, size: dl.Filesz, newVaddr: vaddr})
		placements = append(placements, placement{dl: dl, bytes: raw, off: off, vaddr: vaddr})
	}

	relocateDonor := func(a uint64) uint64 {
		for _, r := range ranges {
			if a >= r.oldVaddr && a < r.oldVaddr+r.size {
				return r.newVaddr + (a - r.oldVaddr)
			}
		}
		return a
	}

	aliases := buildAliasRanges(target, donor)
	relocate := func(a uint64) uint64 {
		for _, al := range aliases {
			if a >= al.donorStart && a < al.donorStart+al.size {
				return al.targetValue + (a - al.donorStart)
			}
		}
		return relocateDonor(a)
	}

	for _, p := range placements {
		data := p.bytes
		if p.dl.Flags.Executable() {
			data, _ = arm64patch.Patch(data, p.dl.Vaddr, relocate)
		}
		name := fmt.Sprintf(".donor.load.%#x", p.dl.Vaddr)
		target.Sections = append(target.Sections, &GenericSection{SectionBase: SectionBase{
			NameIndex: target.internSectionName(name),
			Name:      name,
			Type:      types.SHT_PROGBITS,
			Flags:     sectionFlagsFor(p.dl.Flags, p.dl.Flags.Executable()),
			Addr:      p.vaddr,
			Offset:    p.off,
			Size:      uint64(len(data)),
			AddrAlign: donorAlign(p.dl.Align),
			Payload:   data,
		}})
	}

	repatchPltStub(target, relocate)

	mirrorDonorText(target, donor, relocate)

	if err := mergeStaticSymbols(target, donor, relocate); err != nil {
		return err
	}

	if err := target.Reconstruct(); err != nil {
		return err
	}
	cleanup := func(a uint64) uint64 {
		for _, r := range targetRanges {
			if a >= r.start && a < r.end {
				return a
			}
		}
		return relocate(a)
	}
	if err := RewriteAddresses(target, cleanup); err != nil {
		return err
	}
	if err := target.Reconstruct(); err != nil {
		return err
	}
	return Validate(target)
}

// donorLoadableSegments returns donor's non-empty PT_LOAD segments, in file
// order, excluding a LOAD whose entire span is the donor's own program
// header table (that LOAD carries no payload worth merging).
func donorLoadableSegments(donor *ElfImage) []*types.Phdr {
	var out []*types.Phdr
	for _, p := range donor.SegmentsOfType(types.PT_LOAD) {
		if p.Filesz == 0 {
			continue
		}
		if coversOnlyPHT(donor, p) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

func coversOnlyPHT(img *ElfImage, p *types.Phdr) bool {
	phtEnd := img.Header.Phoff + uint64(len(img.Phdrs))*types.PhdrSize
	return p.Offset == img.Header.Phoff && p.Offset+p.Filesz <= phtEnd
}

// scoreTargetForDonor picks the target PT_LOAD whose flags exactly match
// the donor's, preferring the smallest alignment delta and, as a
// tie-breaker, the smallest size delta.
func scoreTargetForDonor(donor *types.Phdr, targets []*types.Phdr) (*types.Phdr, bool) {
	var best *types.Phdr
	var bestAlign, bestSize uint64
	for _, t := range targets {
		if t.Flags != donor.Flags {
			continue
		}
		alignDelta := absDiffU64(t.Align, donor.Align)
		sizeDelta := absDiffU64(t.Memsz, donor.Filesz)
		if best == nil || alignDelta < bestAlign || (alignDelta == bestAlign && sizeDelta < bestSize) {
			best, bestAlign, bestSize = t, alignDelta, sizeDelta
		}
	}
	return best, best != nil
}

func absDiffU64(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func donorLoadBytes(donor *ElfImage, dl *types.Phdr) ([]byte, error) {
	end := dl.Offset + dl.Filesz
	if end > uint64(len(donor.Raw)) {
		return nil, vmerr.Format("inject: donor bytes", fmt.Errorf(
			"donor PT_LOAD [%#x,%#x) exceeds donor file size %#x", dl.Offset, end, len(donor.Raw)))
	}
	return append([]byte(nil), donor.Raw[dl.Offset:end]...), nil
}

func donorAlign(a uint64) uint64 {
	if a == 0 {
		return 8
	}
	return a
}

// placeDonorLoad appends a fresh page-aligned PT_LOAD hosting data at the
// end of the file, mirroring Reconstruct's own pending-blob placement
// (reused here, rather than deferred through QueuePendingBlob, because the
// repatch closure needs every new address up front, before any bytes are
// patched). reserve, when larger than len(data), sizes the LOAD so a
// later, expanded rewrite of the same bytes still fits.
func (img *ElfImage) placeDonorLoad(data []byte, flags types.PFlag, align uint64, reserve uint64) (off, vaddr uint64) {
	off = alignUp(img.endOfFile(), types.PageSize)
	vaddr = img.nextLoadVaddr(off, types.PageSize)
	size := uint64(len(data))
	if reserve > size {
		size = reserve
	}
	img.Phdrs = append(img.Phdrs, &types.Phdr{
		Type: types.PT_LOAD, Flags: flags,
		Offset: off, Vaddr: vaddr, Paddr: vaddr,
		Filesz: size, Memsz: size, Align: types.PageSize,
	})
	img.MarkDirty()
	return off, vaddr
}

// repatchPltStub rewrites every ADRP/LDR/ADD GOT-address stub in target's
// .plt so it still points at the right GOT slot if that slot's address
// changed underneath it. Stubs that don't decode as this
// three-instruction ADRP-page form are left untouched.
func repatchPltStub(target *ElfImage, relocate arm64patch.Relocate) {
	sec := target.Section(".plt")
	if sec == nil {
		return
	}
	b := sec.Base()
	data := append([]byte(nil), b.Payload...)
	const stride = 16
	for off := 0; off+12 <= len(data); off += stride {
		pc := b.Addr + uint64(off)
		adrp := byteOrder.Uint32(data[off:])
		ldr := byteOrder.Uint32(data[off+4:])
		add := byteOrder.Uint32(data[off+8:])
		gotAddr, rd, ok := decodeAdrpLdrAdd(pc, adrp, ldr, add)
		if !ok {
			continue
		}
		newGot := relocate(gotAddr)
		if newGot == gotAddr {
			continue
		}
		na, nl, nd := encodeAdrpLdrAdd(pc, newGot, rd, ldr, add)
		byteOrder.PutUint32(data[off:], na)
		byteOrder.PutUint32(data[off+4:], nl)
		byteOrder.PutUint32(data[off+8:], nd)
	}
	b.Payload = data
}

func isAdrpWord(w uint32) bool { return (w>>24)&0x1f == 0x10 && (w>>31)&1 == 1 }

// decodeAdrpLdrAdd recognizes the standard AArch64 PLT GOT-load idiom:
//
//	ADRP  Xr, page
//	LDR   Xt, [Xr, #imm12*8]
//	ADD   Xr, Xr, #imm12lo
//
// and returns the absolute GOT slot address it resolves to.
func decodeAdrpLdrAdd(pc uint64, adrp, ldr, add uint32) (addr uint64, rd uint32, ok bool) {
	if !isAdrpWord(adrp) {
		return 0, 0, false
	}
	if ldr&0xffc00000 != 0xf9400000 { // LDR Xt, [Xn, #imm12]
		return 0, 0, false
	}
	if add&0xffc00000 != 0x91000000 { // ADD Xd, Xn, #imm12
		return 0, 0, false
	}
	rdAdrp := adrp & 0x1f
	rnLdr := (ldr >> 5) & 0x1f
	rnAdd := (add >> 5) & 0x1f
	rdAddOut := add & 0x1f
	if rnLdr != rdAdrp || rnAdd != rdAdrp || rdAddOut != rdAdrp {
		return 0, 0, false
	}
	immlo := (adrp >> 29) & 3
	immhi := (adrp >> 5) & 0x7ffff
	pageImm := signExtend64((int64(immhi)<<2)|int64(immlo), 21)
	page := uint64(int64(pc&^0xfff) + pageImm*4096)
	ldrImm12 := (ldr >> 10) & 0xfff
	return page + uint64(ldrImm12)*8, rdAdrp, true
}

func encodeAdrpLdrAdd(pc, newAddr uint64, rd uint32, ldrWord, addWord uint32) (adrp, ldr, add uint32) {
	page := newAddr &^ 0xfff
	pageDelta := int64(page) - int64(pc&^0xfff)
	pageImm := pageDelta / 4096
	immlo := uint32(pageImm) & 3
	immhi := (uint32(pageImm) >> 2) & 0x7ffff
	adrp = (1 << 31) | (immlo << 29) | (0x10 << 24) | (immhi << 5) | rd

	lowInLdr := newAddr & 0xfff
	ldrImm12 := lowInLdr / 8
	// Rn (bits 9:5) already equals rd and Rt (bits 4:0) is untouched; only
	// the scaled immediate changes.
	ldr = (ldrWord &^ (0xfff << 10)) | (uint32(ldrImm12) << 10)

	// Rd and Rn (bits 4:0 and 9:5) already both equal rd; the ADD's #imm12
	// carries the same low-page offset as the LDR (unscaled), so Xr ends up
	// holding the GOT slot address.
	add = (addWord &^ (0xfff << 10)) | (uint32(newAddr&0xfff) << 10)
	return adrp, ldr, add
}

func signExtend64(v int64, bits uint) int64 {
	shift := 64 - bits
	return (v << shift) >> shift
}

// buildAliasRanges matches donor global data symbols (STT_OBJECT,
// STB_GLOBAL or STB_WEAK) against target symbols of the same name and
// size, and records the donor range as an alias of the target's existing
// value: once merged, code that referenced the donor's copy
// resolves to the target's, rather than to a duplicate.
func buildAliasRanges(target, donor *ElfImage) []aliasRange {
	dsym, dstr := donor.Dynsym(), donor.Dynstr()
	if dsym == nil || dstr == nil {
		return nil
	}
	var out []aliasRange
	for _, s := range dsym.Syms {
		if s.Shndx == types.SHN_UNDEF || s.Type() != types.STT_OBJECT || s.Size == 0 {
			continue
		}
		if s.Bind() != types.STB_GLOBAL && s.Bind() != types.STB_WEAK {
			continue
		}
		name := dstr.String(s.NameOff)
		if name == "" {
			continue
		}
		ts, ok := ResolveSymbol(target, name)
		if !ok || ts.Size != s.Size {
			continue
		}
		out = append(out, aliasRange{donorStart: s.Value, size: s.Size, targetValue: ts.Value})
	}
	return out
}

// mirrorDonorText copies donor's .text payload, after repatching, into a
// new target section named .text.vmp, giving downstream
// translation and coverage reporting a stable, by-name handle on the
// merged donor code without disturbing target's own .text layout.
func mirrorDonorText(target, donor *ElfImage, relocate arm64patch.Relocate) {
	dt := donor.Section(".text")
	if dt == nil {
		return
	}
	db := dt.Base()
	if !db.Flags.Alloc() || db.Type == types.SHT_NOBITS || len(db.Payload) == 0 {
		return
	}
	patched, _ := arm64patch.Patch(db.Payload, db.Addr, relocate)
	off, vaddr := target.placeDonorLoad(patched, donorExecFlags(db.Flags), db.AddrAlign, 0)
	target.Sections = append(target.Sections, &GenericSection{SectionBase: SectionBase{
		NameIndex: target.internSectionName(".text.vmp"),
		Name:      ".text.vmp",
		Type:      types.SHT_PROGBITS,
		Flags:     db.Flags,
		Addr:      vaddr,
		Offset:    off,
		Size:      uint64(len(patched)),
		AddrAlign: db.AddrAlign,
		Payload:   patched,
	}})
}

func donorExecFlags(f types.SFlag) types.PFlag {
	pf := types.PF_R
	if f.Write() {
		pf |= types.PF_W
	}
	if f.ExecInstr() {
		pf |= types.PF_X
	}
	return pf
}

// mergeStaticSymbols appends donor's non-local .symtab entries into
// target's .symtab (creating nothing if target has none), translating
// each symbol's section index to SHN_ABS and its value through relocate,
// and interning its name in target's .strtab.
func mergeStaticSymbols(target, donor *ElfImage, relocate arm64patch.Relocate) error {
	dsym := donor.Symtab()
	if dsym == nil {
		return nil
	}
	var dstr *StrTabSection
	if s := donor.Section(".strtab"); s != nil {
		dstr, _ = s.(*StrTabSection)
	}
	if dstr == nil {
		return vmerr.Format("inject: merge symbols", fmt.Errorf("donor .symtab present without .strtab"))
	}

	tsymSec := target.Symtab()
	if tsymSec == nil {
		return nil // nothing to merge into; target carries no static symbol table
	}
	var tstr *StrTabSection
	if s := target.Section(".strtab"); s != nil {
		tstr, _ = s.(*StrTabSection)
	}
	if tstr == nil {
		return vmerr.Format("inject: merge symbols", fmt.Errorf("target .symtab present without .strtab"))
	}

	for _, s := range dsym.Syms {
		if s.Shndx == types.SHN_UNDEF || s.Bind() == types.STB_LOCAL {
			continue
		}
		name := dstr.String(s.NameOff)
		if name == "" {
			continue
		}
		if _, ok := ResolveSymbol(target, name); ok {
			continue // already present (e.g. aliased data symbol): don't duplicate
		}
		nameOff := tstr.AppendIfAbsent(name)
		merged := &types.Sym{
			NameOff: nameOff,
			Info:    types.STInfo(s.Bind(), s.Type()),
			Other:   s.Other,
			Shndx:   types.SHN_ABS,
			Value:   relocate(s.Value),
			Size:    s.Size,
		}
		tsymSec.Syms = append(tsymSec.Syms, merged)
	}
	target.MarkDirty()
	return nil
}
