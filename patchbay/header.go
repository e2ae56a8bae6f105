// Package patchbay implements the patchbay export aliaser: an
// in-place editor for a reserved ".vmp_patchbay" section that appends alias
// dynamic symbols by rebuilding .dynsym/.dynstr/.gnu.hash/.hash/.gnu.version
// inside pre-allocated sub-regions, rewriting DT_* to point there, and
// recomputing a CRC32 over the patchbay payload.
package patchbay

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Magic/version for the patchbay header. The layout is fixed so a
// patchbay reserved by one build of the protected host is still
// recognized by this tool.
const (
	Magic   uint32 = 0x42504d56 // "VMPB" little-endian
	Version uint16 = 1

	// HeaderSize is sizeof(PatchBayHeader): the layout below has no
	// padding under encoding/binary's field-by-field marshaling, so this
	// also equals the number of bytes Marshal/Unmarshal consume.
	HeaderSize = 148

	flagDynsymPatched = 0x1
	flagDynstrPatched = 0x2
)

// Header is the packed record at the start of the reserved section.
// Five capacity-bounded sub-regions (dynsym, dynstr, gnuhash,
// sysvhash, versym) live after the header inside the reserved
// ".vmp_patchbay" section; each off/cap pair names where a sub-region
// starts (relative to the section) and how many bytes it reserves.
type Header struct {
	Magic       uint32
	Version     uint16
	Flags       uint16
	TotalSize   uint32
	HeaderSize  uint32
	PayloadSize uint32

	DynsymOff, DynsymCap   uint32
	DynstrOff, DynstrCap   uint32
	GnuHashOff, GnuHashCap uint32
	SysvHashOff, SysvHashCap uint32
	VersymOff, VersymCap   uint32

	TakeoverSlotTotal uint32
	TakeoverSlotUsed  uint32

	OrigDtSymtab   uint64
	OrigDtStrtab   uint64
	OrigDtGnuHash  uint64
	OrigDtHash     uint64
	OrigDtVersym   uint64

	UsedDynsym   uint32
	UsedDynstr   uint32
	UsedGnuhash  uint32
	UsedSysvhash uint32
	UsedVersym   uint32

	TakeoverSlotBitmapLo uint64
	TakeoverSlotBitmapHi uint64

	CRC32 uint32
}

// crc32FieldOffset is CRC32's byte offset within the marshaled header: it
// is the header's last field, so this is always HeaderSize-4.
const crc32FieldOffset = HeaderSize - 4

// Marshal serializes h in packed little-endian field order. Every field
// is written at its own width with no padding, so the on-disk layout is
// exactly HeaderSize bytes.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	o := binary.LittleEndian
	o.PutUint32(buf[0:], h.Magic)
	o.PutUint16(buf[4:], h.Version)
	o.PutUint16(buf[6:], h.Flags)
	o.PutUint32(buf[8:], h.TotalSize)
	o.PutUint32(buf[12:], h.HeaderSize)
	o.PutUint32(buf[16:], h.PayloadSize)
	o.PutUint32(buf[20:], h.DynsymOff)
	o.PutUint32(buf[24:], h.DynsymCap)
	o.PutUint32(buf[28:], h.DynstrOff)
	o.PutUint32(buf[32:], h.DynstrCap)
	o.PutUint32(buf[36:], h.GnuHashOff)
	o.PutUint32(buf[40:], h.GnuHashCap)
	o.PutUint32(buf[44:], h.SysvHashOff)
	o.PutUint32(buf[48:], h.SysvHashCap)
	o.PutUint32(buf[52:], h.VersymOff)
	o.PutUint32(buf[56:], h.VersymCap)
	o.PutUint32(buf[60:], h.TakeoverSlotTotal)
	o.PutUint32(buf[64:], h.TakeoverSlotUsed)
	o.PutUint64(buf[68:], h.OrigDtSymtab)
	o.PutUint64(buf[76:], h.OrigDtStrtab)
	o.PutUint64(buf[84:], h.OrigDtGnuHash)
	o.PutUint64(buf[92:], h.OrigDtHash)
	o.PutUint64(buf[100:], h.OrigDtVersym)
	o.PutUint32(buf[108:], h.UsedDynsym)
	o.PutUint32(buf[112:], h.UsedDynstr)
	o.PutUint32(buf[116:], h.UsedGnuhash)
	o.PutUint32(buf[120:], h.UsedSysvhash)
	o.PutUint32(buf[124:], h.UsedVersym)
	o.PutUint64(buf[128:], h.TakeoverSlotBitmapLo)
	o.PutUint64(buf[136:], h.TakeoverSlotBitmapHi)
	o.PutUint32(buf[144:], h.CRC32)
	return buf
}

// UnmarshalHeader reads a Header from the start of b.
func UnmarshalHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("patchbay: truncated header: %d bytes", len(b))
	}
	o := binary.LittleEndian
	h := &Header{
		Magic:       o.Uint32(b[0:]),
		Version:     o.Uint16(b[4:]),
		Flags:       o.Uint16(b[6:]),
		TotalSize:   o.Uint32(b[8:]),
		HeaderSize:  o.Uint32(b[12:]),
		PayloadSize: o.Uint32(b[16:]),

		DynsymOff: o.Uint32(b[20:]), DynsymCap: o.Uint32(b[24:]),
		DynstrOff: o.Uint32(b[28:]), DynstrCap: o.Uint32(b[32:]),
		GnuHashOff: o.Uint32(b[36:]), GnuHashCap: o.Uint32(b[40:]),
		SysvHashOff: o.Uint32(b[44:]), SysvHashCap: o.Uint32(b[48:]),
		VersymOff: o.Uint32(b[52:]), VersymCap: o.Uint32(b[56:]),

		TakeoverSlotTotal: o.Uint32(b[60:]),
		TakeoverSlotUsed:  o.Uint32(b[64:]),

		OrigDtSymtab:  o.Uint64(b[68:]),
		OrigDtStrtab:  o.Uint64(b[76:]),
		OrigDtGnuHash: o.Uint64(b[84:]),
		OrigDtHash:    o.Uint64(b[92:]),
		OrigDtVersym:  o.Uint64(b[100:]),

		UsedDynsym:   o.Uint32(b[108:]),
		UsedDynstr:   o.Uint32(b[112:]),
		UsedGnuhash:  o.Uint32(b[116:]),
		UsedSysvhash: o.Uint32(b[120:]),
		UsedVersym:   o.Uint32(b[124:]),

		TakeoverSlotBitmapLo: o.Uint64(b[128:]),
		TakeoverSlotBitmapHi: o.Uint64(b[136:]),

		CRC32: o.Uint32(b[144:]),
	}
	return h, nil
}

// bitmaskForCount returns the low count bits set, clamped to all-ones for
// count >= 64.
func bitmaskForCount(count uint32) uint64 {
	if count == 0 {
		return 0
	}
	if count >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << count) - 1
}

// region names one of the five capacity-bounded sub-regions for bounds
// checking, shared between layout validation (before write) and CRC
// computation (after write).
type region struct {
	name     string
	off, cap uint32
}

func (h *Header) regions() []region {
	return []region{
		{"dynsym", h.DynsymOff, h.DynsymCap},
		{"dynstr", h.DynstrOff, h.DynstrCap},
		{"gnu_hash", h.GnuHashOff, h.GnuHashCap},
		{"sysv_hash", h.SysvHashOff, h.SysvHashCap},
		{"versym", h.VersymOff, h.VersymCap},
	}
}

// checkRegionLayout validates a sub-region sits after the header and
// within the patchbay section's total/reserved bounds. cap==0 means the
// region is unused and always passes.
func checkRegionLayout(h *Header, r region, sectionCap uint64) error {
	if r.cap == 0 {
		return nil
	}
	if r.off < h.HeaderSize {
		return fmt.Errorf("%s off before header", r.name)
	}
	end := uint64(r.off) + uint64(r.cap)
	if end > uint64(h.TotalSize) || end > sectionCap {
		return fmt.Errorf("%s range out of patchbay", r.name)
	}
	return nil
}

// computeCRC32 computes the patchbay checksum: CRC32/IEEE over
// the header blob (with the crc32 field zeroed) followed by each region's
// [off, off+used) bytes in dynsym/dynstr/gnuhash/sysvhash/versym order.
// fileBytes is the whole file; patchbayOff is the ".vmp_patchbay" section's
// file offset.
func computeCRC32(fileBytes []byte, patchbayOff uint64, h *Header) (uint32, error) {
	if uint64(h.HeaderSize) < HeaderSize || uint64(h.TotalSize) < uint64(h.HeaderSize) {
		return 0, fmt.Errorf("patchbay header/section bounds invalid for crc")
	}
	if patchbayOff > uint64(len(fileBytes)) || uint64(h.TotalSize) > uint64(len(fileBytes))-patchbayOff {
		return 0, fmt.Errorf("patchbay header/section bounds invalid for crc")
	}

	headerBlob := make([]byte, h.HeaderSize)
	copy(headerBlob, fileBytes[patchbayOff:patchbayOff+uint64(h.HeaderSize)])
	for i := 0; i < 4; i++ {
		headerBlob[crc32FieldOffset+i] = 0
	}

	usedRegions := []struct {
		off, cap, used uint32
		name           string
	}{
		{h.DynsymOff, h.DynsymCap, h.UsedDynsym, "dynsym"},
		{h.DynstrOff, h.DynstrCap, h.UsedDynstr, "dynstr"},
		{h.GnuHashOff, h.GnuHashCap, h.UsedGnuhash, "gnuhash"},
		{h.SysvHashOff, h.SysvHashCap, h.UsedSysvhash, "sysvhash"},
		{h.VersymOff, h.VersymCap, h.UsedVersym, "versym"},
	}
	for _, r := range usedRegions {
		if r.cap == 0 {
			continue
		}
		if r.off < h.HeaderSize {
			return 0, fmt.Errorf("patchbay region invalid for crc: %s off before header", r.name)
		}
		if uint64(r.off)+uint64(r.cap) > uint64(h.TotalSize) {
			return 0, fmt.Errorf("patchbay region invalid for crc: %s cap out of total", r.name)
		}
		if r.used > r.cap {
			return 0, fmt.Errorf("patchbay region invalid for crc: %s used exceeds cap", r.name)
		}
	}

	sum := crc32.NewIEEE()
	sum.Write(headerBlob)
	for _, r := range usedRegions {
		if r.used == 0 {
			continue
		}
		absOff := patchbayOff + uint64(r.off)
		sum.Write(fileBytes[absOff : absOff+uint64(r.used)])
	}
	return sum.Sum32(), nil
}
