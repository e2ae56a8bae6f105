package vmpelf

import (
	"fmt"

	"github.com/aarch64vmp/vmptool/internal/vmerr"
	"github.com/aarch64vmp/vmptool/types"
)

// Relocate maps an old virtual address to its new one. Addresses the
// closure doesn't recognize should be returned unchanged.
type Relocate func(oldVaddr uint64) uint64

// RewriteAddresses walks the dynamic table, every
// rel/rela section, DT_RELR, and the Android APS2 packed tables, rewriting
// every address-bearing field through relocate.
func RewriteAddresses(img *ElfImage, relocate Relocate) error {
	rewriteDynamicPointers(img, relocate)

	for _, s := range img.Sections {
		if sec, ok := s.(*RelocationSection); ok {
			rewriteRelocations(sec, relocate)
		}
	}

	if err := rewriteRelr(img, relocate); err != nil {
		return err
	}
	if err := rewriteAndroidTag(img, relocate, types.DT_ANDROID_REL, types.DT_ANDROID_RELSZ, false); err != nil {
		return err
	}
	if err := rewriteAndroidTag(img, relocate, types.DT_ANDROID_RELA, types.DT_ANDROID_RELASZ, true); err != nil {
		return err
	}

	img.MarkDirty()
	return nil
}

func rewriteDynamicPointers(img *ElfImage, relocate Relocate) {
	if d := img.Dynamic(); d != nil {
		for _, e := range d.Entries {
			if types.PointerTags[e.Tag] {
				e.Val = relocate(e.Val)
			}
		}
		return
	}

	// No section model for .dynamic: fall back to the PT_DYNAMIC range of
	// the raw file image.
	segs := img.SegmentsOfType(types.PT_DYNAMIC)
	if len(segs) == 0 {
		return
	}
	seg := segs[0]
	if seg.Offset+seg.Filesz > uint64(len(img.Raw)) {
		return
	}
	n := int(seg.Filesz / types.DynSize)
	for i := 0; i < n; i++ {
		off := seg.Offset + uint64(i)*types.DynSize
		d := types.UnmarshalDyn(img.Raw[off:], byteOrder)
		if d.Tag == types.DT_NULL {
			break
		}
		if types.PointerTags[d.Tag] {
			d.Val = relocate(d.Val)
			copy(img.Raw[off:off+types.DynSize], d.Marshal(byteOrder))
		}
	}
}

func rewriteRelocations(sec *RelocationSection, relocate Relocate) {
	if sec.IsAddend() {
		for _, r := range sec.Relas {
			r.Offset = relocate(r.Offset)
			if addendRewritten(r.Type(), r.Sym()) {
				r.Addend = int64(relocate(uint64(r.Addend)))
			}
		}
		return
	}
	for _, r := range sec.Rels {
		r.Offset = relocate(r.Offset)
	}
}

// addendRewritten reports whether a relocation's addend is itself a
// relocated address.
func addendRewritten(relType, sym uint32) bool {
	switch relType {
	case types.R_AARCH64_RELATIVE:
		return sym == 0
	case types.R_AARCH64_IRELATIVE, types.R_AARCH64_ABS64,
		types.R_AARCH64_GLOB_DAT, types.R_AARCH64_JUMP_SLOT, types.R_AARCH64_TLSDESC:
		return true
	}
	return false
}

func sectionForVaddr(img *ElfImage, addr uint64) Section {
	for _, s := range img.Sections {
		b := s.Base()
		if b.Flags.Alloc() && addr >= b.Addr && addr < b.Addr+b.Size {
			return s
		}
	}
	return nil
}

func patchSlotValue(img *ElfImage, oldAddr uint64, relocate Relocate) {
	off, ok := img.FileOffsetForVaddr(oldAddr)
	if ok && off+8 <= uint64(len(img.Raw)) {
		old := byteOrder.Uint64(img.Raw[off:])
		byteOrder.PutUint64(img.Raw[off:], relocate(old))
		return
	}
	// No PT_LOAD-mapped file bytes: write through the ALLOC section
	// payload that contains the address instead.
	sec := sectionForVaddr(img, oldAddr)
	if sec == nil {
		return
	}
	b := sec.Base()
	rel := oldAddr - b.Addr
	if b.Type == types.SHT_NOBITS || rel+8 > uint64(len(b.Payload)) {
		return
	}
	byteOrder.PutUint64(b.Payload[rel:], relocate(byteOrder.Uint64(b.Payload[rel:])))
}

// --- DT_RELR ---------------------------------------------------------

func rewriteRelr(img *ElfImage, relocate Relocate) error {
	d := img.Dynamic()
	if d == nil {
		return nil
	}
	relrAddr, hasRelr := d.Get(types.DT_RELR)
	if !hasRelr {
		return nil
	}
	relrSz, hasSz := d.Get(types.DT_RELRSZ)
	if !hasSz {
		return vmerr.Format("elf: relr", fmt.Errorf("DT_RELR present without DT_RELRSZ"))
	}

	sec := sectionForVaddr(img, relrAddr)
	if sec == nil {
		return vmerr.Format("elf: relr", fmt.Errorf("DT_RELR address %#x not mapped by any section", relrAddr))
	}
	base := sec.Base()
	start := relrAddr - base.Addr
	if start+relrSz > uint64(len(base.Payload)) {
		return vmerr.Format("elf: relr", fmt.Errorf("DT_RELR range exceeds section size"))
	}
	stream := base.Payload[start : start+relrSz]

	slots, err := decodeRelr(stream)
	if err != nil {
		return vmerr.Format("elf: relr decode", err)
	}

	for _, addr := range slots {
		patchSlotValue(img, addr, relocate)
	}

	newSlots := make([]uint64, len(slots))
	for i, a := range slots {
		newSlots[i] = relocate(a)
	}
	encoded := encodeRelr(newSlots)
	if len(encoded) > len(stream) {
		return vmerr.Capacity("elf: relr encode", fmt.Errorf("re-encoded RELR stream %d bytes exceeds original %d", len(encoded), len(stream)))
	}
	copy(base.Payload[start:], encoded)
	for i := len(encoded); i < len(stream); i++ {
		base.Payload[int(start)+i] = 0
	}
	return nil
}

// decodeRelr expands the compressed DT_RELR stream into the list of
// addresses it relocates, in stream order.
func decodeRelr(stream []byte) ([]uint64, error) {
	if len(stream)%8 != 0 {
		return nil, fmt.Errorf("relr stream length %d not a multiple of 8", len(stream))
	}
	n := len(stream) / 8
	out := make([]uint64, 0, n)
	var offset uint64
	for i := 0; i < n; i++ {
		entry := byteOrder.Uint64(stream[i*8:])
		if entry&1 == 0 {
			offset = entry
			out = append(out, offset)
			offset += 8
			continue
		}
		base := offset
		bits := entry >> 1
		for j := uint64(0); bits != 0; j++ {
			if bits&1 != 0 {
				out = append(out, base+j*8)
			}
			bits >>= 1
		}
		offset = base + 63*8
	}
	return out, nil
}

// encodeRelr re-derives a compressed DT_RELR stream from a sorted address
// list, grouping runs of consecutive 8-byte slots into bitmap words exactly
// as decodeRelr expects to unpack them.
func encodeRelr(addrs []uint64) []byte {
	var out []byte
	put := func(v uint64) {
		b := make([]byte, 8)
		byteOrder.PutUint64(b, v)
		out = append(out, b...)
	}
	i := 0
	for i < len(addrs) {
		base := addrs[i]
		put(base)
		i++
		offset := base + 8
		for i < len(addrs) && addrs[i] >= offset && addrs[i] < offset+63*8 {
			var bitmap uint64
			winStart := offset
			for i < len(addrs) && addrs[i] < winStart+63*8 {
				d := addrs[i] - winStart
				if d%8 != 0 {
					break
				}
				bitmap |= 1 << (d / 8)
				i++
			}
			if bitmap == 0 {
				break
			}
			put((bitmap << 1) | 1)
			offset = winStart + 63*8
		}
	}
	return out
}

// --- Android APS2 packed relocations ---------------------------------

type packedRel struct {
	Offset    uint64
	Info      uint64
	HasAddend bool
	Addend    int64
}

const (
	groupedByInfoFlag       = 1
	groupedByOffsetDeltaFlag = 2
	groupedByAddendFlag     = 4
	groupHasAddendFlag      = 8
)

func rewriteAndroidTag(img *ElfImage, relocate Relocate, ptrTag, szTag types.DTag, hasAddend bool) error {
	d := img.Dynamic()
	if d == nil {
		return nil
	}
	addr, ok := d.Get(ptrTag)
	if !ok {
		return nil
	}
	sz, ok := d.Get(szTag)
	if !ok {
		return vmerr.Format("elf: android packed reloc", fmt.Errorf("%v present without size tag", ptrTag))
	}

	sec := sectionForVaddr(img, addr)
	if sec == nil {
		return vmerr.Format("elf: android packed reloc", fmt.Errorf("address %#x not mapped by any section", addr))
	}
	base := sec.Base()
	start := addr - base.Addr
	if start+sz > uint64(len(base.Payload)) {
		return vmerr.Format("elf: android packed reloc", fmt.Errorf("range exceeds section size"))
	}
	stream := base.Payload[start : start+sz]

	relocs, err := decodeAPS2(stream, hasAddend)
	if err != nil {
		return vmerr.Format("elf: android packed reloc decode", err)
	}

	for i := range relocs {
		relocs[i].Offset = relocate(relocs[i].Offset)
		if hasAddend {
			typ := types.RelType(relocs[i].Info)
			sym := types.RelSym(relocs[i].Info)
			if addendRewritten(typ, sym) {
				relocs[i].Addend = int64(relocate(uint64(relocs[i].Addend)))
			}
		} else {
			patchSlotValue(img, relocs[i].Offset, relocate)
		}
	}

	for i := 1; i < len(relocs); i++ {
		if relocs[i].Offset < relocs[i-1].Offset {
			return vmerr.Format("elf: android packed reloc", fmt.Errorf("offsets not monotone after rewrite"))
		}
	}

	encoded := encodeAPS2(relocs, hasAddend)
	if len(encoded) > len(stream) {
		return vmerr.Capacity("elf: android packed reloc encode", fmt.Errorf("re-encoded stream %d bytes exceeds original %d", len(encoded), len(stream)))
	}
	copy(base.Payload[start:], encoded)
	for i := len(encoded); i < len(stream); i++ {
		base.Payload[int(start)+i] = 0
	}
	return nil
}

func decodeAPS2(stream []byte, hasAddend bool) ([]packedRel, error) {
	if len(stream) < 4 || string(stream[:4]) != "APS2" {
		return nil, fmt.Errorf("missing APS2 magic")
	}
	r := &lebReader{data: stream, pos: 4}

	relocCount, err := r.sleb()
	if err != nil {
		return nil, err
	}
	offset, err := r.sleb()
	if err != nil {
		return nil, err
	}

	var addend int64
	relocs := make([]packedRel, 0, relocCount)
	for int64(len(relocs)) < relocCount {
		groupSize, err := r.sleb()
		if err != nil {
			return nil, err
		}
		groupFlags, err := r.sleb()
		if err != nil {
			return nil, err
		}

		var groupOffsetDelta, groupInfo int64
		if groupFlags&groupedByOffsetDeltaFlag != 0 {
			if groupOffsetDelta, err = r.sleb(); err != nil {
				return nil, err
			}
		}
		if groupFlags&groupedByInfoFlag != 0 {
			if groupInfo, err = r.sleb(); err != nil {
				return nil, err
			}
		}
		if hasAddend {
			if groupFlags&groupHasAddendFlag != 0 && groupFlags&groupedByAddendFlag != 0 {
				d, err := r.sleb()
				if err != nil {
					return nil, err
				}
				addend += d
			} else if groupFlags&groupHasAddendFlag == 0 {
				addend = 0
			}
		}

		for i := int64(0); i < groupSize; i++ {
			if groupFlags&groupedByOffsetDeltaFlag != 0 {
				offset += groupOffsetDelta
			} else {
				d, err := r.sleb()
				if err != nil {
					return nil, err
				}
				offset += d
			}
			var info int64
			if groupFlags&groupedByInfoFlag != 0 {
				info = groupInfo
			} else {
				if info, err = r.sleb(); err != nil {
					return nil, err
				}
			}
			if hasAddend && groupFlags&groupHasAddendFlag != 0 && groupFlags&groupedByAddendFlag == 0 {
				d, err := r.sleb()
				if err != nil {
					return nil, err
				}
				addend += d
			}
			relocs = append(relocs, packedRel{Offset: uint64(offset), Info: uint64(info), HasAddend: hasAddend, Addend: addend})
		}
	}
	return relocs, nil
}

func encodeAPS2(relocs []packedRel, hasAddend bool) []byte {
	out := append([]byte(nil), "APS2"...)
	out = appendSleb(out, int64(len(relocs)))
	var offset int64
	if len(relocs) > 0 {
		offset = int64(relocs[0].Offset)
	}
	out = appendSleb(out, offset)

	var addend int64
	i := 0
	for i < len(relocs) {
		delta := int64(relocs[i].Offset) - offset
		j := i + 1
		sameInfo := true
		for j < len(relocs) {
			d := int64(relocs[j].Offset) - int64(relocs[j-1].Offset)
			if d != delta {
				break
			}
			if relocs[j].Info != relocs[i].Info {
				sameInfo = false
			}
			j++
		}
		groupSize := j - i

		var flags int64 = groupedByOffsetDeltaFlag
		if sameInfo {
			flags |= groupedByInfoFlag
		}
		if hasAddend {
			flags |= groupHasAddendFlag
		}

		out = appendSleb(out, int64(groupSize))
		out = appendSleb(out, flags)
		out = appendSleb(out, delta)
		if sameInfo {
			out = appendSleb(out, int64(relocs[i].Info))
		}
		for k := i; k < j; k++ {
			offset += delta
			if !sameInfo {
				out = appendSleb(out, int64(relocs[k].Info))
			}
			if hasAddend {
				ad := relocs[k].Addend - addend
				addend = relocs[k].Addend
				out = appendSleb(out, ad)
			}
		}
		i = j
	}
	return out
}

// --- LEB128 ------------------------------------------------------------

type lebReader struct {
	data []byte
	pos  int
}

func (r *lebReader) sleb() (int64, error) {
	var result int64
	var shift uint
	var b byte
	for {
		if r.pos >= len(r.data) {
			return 0, fmt.Errorf("sleb128: truncated stream")
		}
		b = r.data[r.pos]
		r.pos++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

func appendSleb(out []byte, v int64) []byte {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}
