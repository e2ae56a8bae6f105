package patchbay

import (
	"encoding/binary"
	"fmt"
	"strings"

	vmpelf "github.com/aarch64vmp/vmptool"
	"github.com/aarch64vmp/vmptool/internal/vlog"
	"github.com/aarch64vmp/vmptool/internal/vmerr"
	"github.com/aarch64vmp/vmptool/types"
)

// SectionName is the reserved section the protected host carries for this
// tool to edit in place.
const SectionName = ".vmp_patchbay"

// Alias is one export-name -> implementation-symbol pair to append to the
// host's dynamic symbol table.
type Alias struct {
	Export string
	Impl   string
}

// Options controls an alias pass.
type Options struct {
	// AllowValidateFail downgrades a failed post-patch validation from a
	// hard error to a logged warning.
	AllowValidateFail bool
	// OnlyFunJava restricts bulk aliasing to donor exports whose names
	// start with "fun_" or "Java_".
	OnlyFunJava bool
}

// ExportAliases appends alias dynamic symbols to file's host image by
// rebuilding .dynsym/.dynstr/.gnu.hash/.hash/.gnu.version inside the
// reserved patchbay sub-regions, rewriting DT_* to point there, updating
// the affected section headers, and recomputing the patchbay CRC32. The
// input slice is not modified; the returned slice is a patched copy.
//
// This is deliberately an in-place byte edit, not a model reconstruction:
// the patchbay's whole point is that every region it needs was reserved at
// link time, so nothing in the file moves and the dynamic linker's view of
// segment layout is untouched.
func ExportAliases(file []byte, aliases []Alias, opts Options) ([]byte, error) {
	img, err := vmpelf.Load(file)
	if err != nil {
		return nil, err
	}

	pb := img.Section(SectionName)
	if pb == nil {
		return nil, vmerr.Input("patchbay", fmt.Errorf("no %s section in input", SectionName))
	}
	pbBase := pb.Base()
	hdr, err := UnmarshalHeader(pbBase.Payload)
	if err != nil {
		return nil, vmerr.Format("patchbay", err)
	}
	if hdr.Magic != Magic {
		return nil, vmerr.Format("patchbay", fmt.Errorf("bad patchbay magic %#x", hdr.Magic))
	}
	if hdr.Version != Version {
		return nil, vmerr.Format("patchbay", fmt.Errorf("unsupported patchbay version %d", hdr.Version))
	}
	for _, r := range hdr.regions() {
		if err := checkRegionLayout(hdr, r, pbBase.Size); err != nil {
			return nil, vmerr.Format("patchbay", err)
		}
	}

	dynsym := img.Dynsym()
	dynstr := img.Dynstr()
	dyn := img.Dynamic()
	if dynsym == nil || dynstr == nil || dyn == nil {
		return nil, vmerr.Format("patchbay", fmt.Errorf("input lacks .dynsym/.dynstr/.dynamic"))
	}

	syms := make([]*types.Sym, len(dynsym.Syms))
	for i, s := range dynsym.Syms {
		cp := *s
		syms[i] = &cp
	}
	strPool := append([]byte(nil), dynstr.Payload...)
	versym := loadVersym(img)
	hadSysvHash := img.Section(".hash") != nil

	appended := 0
	for _, a := range aliases {
		if hasDefinedExport(syms, strPool, a.Export) {
			vlog.Debugf("patchbay: %s already exported, skipping", a.Export)
			continue
		}
		impl, ok := resolveImpl(img, a.Impl)
		if !ok {
			return nil, vmerr.Input("patchbay", fmt.Errorf("impl symbol %q not found", a.Impl))
		}
		if impl.Value == 0 {
			return nil, vmerr.Input("patchbay", fmt.Errorf("impl symbol %q has zero value", a.Impl))
		}
		typ := impl.Type()
		if typ == types.STT_NOTYPE {
			typ = types.STT_FUNC
		}
		nameOff := appendString(&strPool, a.Export)
		syms = append(syms, &types.Sym{
			NameOff: nameOff,
			Info:    types.STInfo(types.STB_GLOBAL, typ),
			Shndx:   impl.Shndx,
			Value:   impl.Value,
			Size:    impl.Size,
		})
		if versym != nil {
			versym = append(versym, 1) // VER_NDX_GLOBAL
		}
		appended++
	}
	vlog.Infof("patchbay: %d alias(es) appended (%d requested)", appended, len(aliases))

	names := make([]string, len(syms))
	for i, s := range syms {
		names[i] = cstring(strPool, s.NameOff)
	}
	gnuHash := vmpelf.BuildGnuHash(names, 1)
	var sysvHash []byte
	if hadSysvHash && hdr.SysvHashCap > 0 {
		sysvHash = vmpelf.BuildSysvHash(names)
	}

	dynsymBytes := make([]byte, 0, len(syms)*types.SymSize)
	for _, s := range syms {
		dynsymBytes = append(dynsymBytes, s.Marshal(binary.LittleEndian)...)
	}
	var versymBytes []byte
	if versym != nil {
		versymBytes = make([]byte, len(versym)*2)
		for i, v := range versym {
			binary.LittleEndian.PutUint16(versymBytes[i*2:], v)
		}
	}

	out := append([]byte(nil), file...)
	pbOff := pbBase.Offset
	pbAddr := pbBase.Addr

	writes := []struct {
		name     string
		off, cap uint32
		data     []byte
		used     *uint32
	}{
		{"dynsym", hdr.DynsymOff, hdr.DynsymCap, dynsymBytes, &hdr.UsedDynsym},
		{"dynstr", hdr.DynstrOff, hdr.DynstrCap, strPool, &hdr.UsedDynstr},
		{"gnu_hash", hdr.GnuHashOff, hdr.GnuHashCap, gnuHash, &hdr.UsedGnuhash},
		{"sysv_hash", hdr.SysvHashOff, hdr.SysvHashCap, sysvHash, &hdr.UsedSysvhash},
		{"versym", hdr.VersymOff, hdr.VersymCap, versymBytes, &hdr.UsedVersym},
	}
	for _, w := range writes {
		if len(w.data) == 0 {
			continue
		}
		if uint32(len(w.data)) > w.cap {
			return nil, vmerr.Capacity("patchbay", fmt.Errorf("%s needs %d bytes, region capacity is %d", w.name, len(w.data), w.cap))
		}
		abs := pbOff + uint64(w.off)
		copy(out[abs:], w.data)
		for i := abs + uint64(len(w.data)); i < abs+uint64(w.cap); i++ {
			out[i] = 0
		}
		*w.used = uint32(len(w.data))
	}

	// Snapshot the pre-patch DT_* pointers before redirecting them, so an
	// out-of-band tool can undo this edit from the header alone.
	origTags := []struct {
		tag  types.DTag
		slot *uint64
	}{
		{types.DT_SYMTAB, &hdr.OrigDtSymtab},
		{types.DT_STRTAB, &hdr.OrigDtStrtab},
		{types.DT_GNU_HASH, &hdr.OrigDtGnuHash},
		{types.DT_HASH, &hdr.OrigDtHash},
		{types.DT_VERSYM, &hdr.OrigDtVersym},
	}
	for _, ot := range origTags {
		if *ot.slot != 0 {
			continue
		}
		if v, ok := dyn.Get(ot.tag); ok {
			*ot.slot = v
		}
	}

	dyn.Set(types.DT_SYMTAB, pbAddr+uint64(hdr.DynsymOff))
	dyn.Set(types.DT_STRTAB, pbAddr+uint64(hdr.DynstrOff))
	dyn.Set(types.DT_STRSZ, uint64(len(strPool)))
	dyn.Set(types.DT_SYMENT, types.SymSize)
	dyn.Set(types.DT_GNU_HASH, pbAddr+uint64(hdr.GnuHashOff))
	if versymBytes != nil {
		dyn.Set(types.DT_VERSYM, pbAddr+uint64(hdr.VersymOff))
	}
	if sysvHash != nil {
		dyn.Set(types.DT_HASH, pbAddr+uint64(hdr.SysvHashOff))
	}
	origDynSize := dyn.Base().Size
	dyn.SyncHeader()
	if uint64(len(dyn.Payload)) > origDynSize {
		return nil, vmerr.Capacity("patchbay", fmt.Errorf(".dynamic grew past its reserved size"))
	}
	copy(out[dyn.Base().Offset:], dyn.Payload)

	// Point the affected section headers into the patchbay regions so
	// section-level tooling agrees with the dynamic view.
	dynstrIdx := img.SectionIndex(".dynstr")
	shEdits := []struct {
		name          string
		off           uint32
		size, entsize uint64
		link          uint32
	}{
		{".dynsym", hdr.DynsymOff, uint64(len(dynsymBytes)), types.SymSize, uint32(dynstrIdx)},
		{".dynstr", hdr.DynstrOff, uint64(len(strPool)), 0, 0},
		{".gnu.hash", hdr.GnuHashOff, uint64(len(gnuHash)), 0, uint32(img.SectionIndex(".dynsym"))},
	}
	if versymBytes != nil {
		shEdits = append(shEdits, struct {
			name          string
			off           uint32
			size, entsize uint64
			link          uint32
		}{".gnu.version", hdr.VersymOff, uint64(len(versymBytes)), 2, uint32(img.SectionIndex(".dynsym"))})
	}
	if sysvHash != nil {
		shEdits = append(shEdits, struct {
			name          string
			off           uint32
			size, entsize uint64
			link          uint32
		}{".hash", hdr.SysvHashOff, uint64(len(sysvHash)), 4, uint32(img.SectionIndex(".dynsym"))})
	}
	for _, e := range shEdits {
		idx := img.SectionIndex(e.name)
		if idx < 0 {
			continue
		}
		sh := img.Sections[idx].Base()
		sh.Offset = pbOff + uint64(e.off)
		sh.Addr = pbAddr + uint64(e.off)
		sh.Size = e.size
		sh.EntSize = e.entsize
		if e.link != 0 {
			sh.Link = e.link
		}
		shOff := img.Header.Shoff + uint64(idx)*types.ShdrSize
		copy(out[shOff:], shdrBytes(sh))
	}

	used := hdr.TakeoverSlotUsed + uint32(appended)
	if used > hdr.TakeoverSlotTotal {
		used = hdr.TakeoverSlotTotal
	}
	hdr.TakeoverSlotUsed = used
	if used > 64 {
		hdr.TakeoverSlotBitmapLo = ^uint64(0)
		hdr.TakeoverSlotBitmapHi = bitmaskForCount(used - 64)
	} else {
		hdr.TakeoverSlotBitmapLo = bitmaskForCount(used)
		hdr.TakeoverSlotBitmapHi = 0
	}
	hdr.Flags |= flagDynsymPatched | flagDynstrPatched

	hdr.CRC32 = 0
	copy(out[pbOff:], hdr.Marshal())
	crc, err := computeCRC32(out, pbOff, hdr)
	if err != nil {
		return nil, vmerr.Format("patchbay", err)
	}
	hdr.CRC32 = crc
	copy(out[pbOff:], hdr.Marshal())

	if err := validatePatched(out); err != nil {
		if !opts.AllowValidateFail {
			return nil, err
		}
		vlog.Warnf("patchbay: validation failed, continuing: %v", err)
	}
	return out, nil
}

// ExportAliasesFromDonor is the bulk mode: every defined dynamic export of
// donor that input does not already export becomes an alias for implName.
// With Options.OnlyFunJava only donor exports named fun_* or Java_* are
// taken.
func ExportAliasesFromDonor(file, donor []byte, implName string, opts Options) ([]byte, error) {
	dimg, err := vmpelf.Load(donor)
	if err != nil {
		return nil, err
	}
	img, err := vmpelf.Load(file)
	if err != nil {
		return nil, err
	}
	inputDynsym := img.Dynsym()
	inputDynstr := img.Dynstr()
	ddynsym := dimg.Dynsym()
	ddynstr := dimg.Dynstr()
	if ddynsym == nil || ddynstr == nil {
		return nil, vmerr.Format("patchbay", fmt.Errorf("donor lacks .dynsym/.dynstr"))
	}

	var aliases []Alias
	for i, s := range ddynsym.Syms {
		if i == 0 || s.Shndx == types.SHN_UNDEF {
			continue
		}
		if b := s.Bind(); b != types.STB_GLOBAL && b != types.STB_WEAK {
			continue
		}
		name := ddynstr.String(s.NameOff)
		if name == "" {
			continue
		}
		if opts.OnlyFunJava && !strings.HasPrefix(name, "fun_") && !strings.HasPrefix(name, "Java_") {
			continue
		}
		if inputDynsym != nil && inputDynstr != nil && hasDefinedExport(inputDynsym.Syms, inputDynstr.Payload, name) {
			continue
		}
		aliases = append(aliases, Alias{Export: name, Impl: implName})
	}
	vlog.Infof("patchbay: %d donor export(s) selected for aliasing", len(aliases))
	return ExportAliases(file, aliases, opts)
}

func validatePatched(out []byte) error {
	img, err := vmpelf.Load(out)
	if err != nil {
		return vmerr.Validation("patchbay: reload", err)
	}
	return vmpelf.Validate(img)
}

func hasDefinedExport(syms []*types.Sym, strPool []byte, name string) bool {
	for i, s := range syms {
		if i == 0 || s.Shndx == types.SHN_UNDEF {
			continue
		}
		if cstring(strPool, s.NameOff) == name {
			return true
		}
	}
	return false
}

// resolveImpl prefers the static symbol table over the dynamic one: a
// takeover slot is usually a local implementation detail, not an export.
func resolveImpl(img *vmpelf.ElfImage, name string) (*types.Sym, bool) {
	if sym, ok := lookup(img.Symtab(), strTab(img, ".strtab"), name); ok {
		return sym, true
	}
	return lookup(img.Dynsym(), img.Dynstr(), name)
}

func strTab(img *vmpelf.ElfImage, name string) *vmpelf.StrTabSection {
	if s := img.Section(name); s != nil {
		if st, ok := s.(*vmpelf.StrTabSection); ok {
			return st
		}
	}
	return nil
}

func lookup(syms *vmpelf.SymbolSection, strtab *vmpelf.StrTabSection, name string) (*types.Sym, bool) {
	if syms == nil || strtab == nil {
		return nil, false
	}
	for i, s := range syms.Syms {
		if i == 0 || s.Shndx == types.SHN_UNDEF {
			continue
		}
		if strtab.String(s.NameOff) == name {
			return s, true
		}
	}
	return nil, false
}

func appendString(pool *[]byte, name string) uint32 {
	off := uint32(len(*pool))
	*pool = append(*pool, []byte(name)...)
	*pool = append(*pool, 0)
	return off
}

func cstring(pool []byte, off uint32) string {
	if int(off) >= len(pool) {
		return ""
	}
	end := off
	for int(end) < len(pool) && pool[end] != 0 {
		end++
	}
	return string(pool[off:end])
}

func loadVersym(img *vmpelf.ElfImage) []uint16 {
	s := img.Section(".gnu.version")
	if s == nil {
		return nil
	}
	payload := s.Base().Payload
	out := make([]uint16, len(payload)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(payload[i*2:])
	}
	return out
}

func shdrBytes(b *vmpelf.SectionBase) []byte {
	sh := types.Shdr{
		NameOff: b.NameIndex, Type: b.Type, Flags: b.Flags, Addr: b.Addr,
		Offset: b.Offset, Size: b.Size, Link: b.Link, Info: b.Info,
		AddrAlign: b.AddrAlign, EntSize: b.EntSize,
	}
	return sh.Marshal(binary.LittleEndian)
}
