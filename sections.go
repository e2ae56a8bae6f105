package vmpelf

import (
	"bytes"
	"fmt"

	"github.com/aarch64vmp/vmptool/types"
)

// Section is the polymorphic section interface. Each concrete type below
// carries its own parsed payload; SyncHeader reconciles that parsed form
// back into Base().Payload and the header size/entsize fields.
type Section interface {
	Base() *SectionBase
	// SyncHeader re-derives size/entsize from the parsed payload and
	// writes it back into the raw payload bytes.
	SyncHeader()
}

// SectionBase is the common header every section subtype embeds.
type SectionBase struct {
	NameIndex uint32
	Name      string
	Type      types.SType
	Flags     types.SFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	AddrAlign uint64
	EntSize   uint64
	Payload   []byte
}

func (b *SectionBase) Base() *SectionBase { return b }

func (b *SectionBase) toShdr() *types.Shdr {
	return &types.Shdr{
		NameOff: b.NameIndex, Type: b.Type, Flags: b.Flags, Addr: b.Addr,
		Offset: b.Offset, Size: b.Size, Link: b.Link, Info: b.Info,
		AddrAlign: b.AddrAlign, EntSize: b.EntSize,
	}
}

// GenericSection is used for any sh_type this model doesn't specialize;
// unknown section types are accepted rather than rejected.
type GenericSection struct{ SectionBase }

func (s *GenericSection) SyncHeader() { s.Size = uint64(len(s.Payload)) }

// StrTabSection holds a NUL-delimited string pool (.dynstr/.shstrtab/...).
type StrTabSection struct {
	SectionBase
}

func (s *StrTabSection) SyncHeader() { s.Size = uint64(len(s.Payload)) }

// String looks up the NUL-terminated string starting at off.
func (s *StrTabSection) String(off uint32) string {
	if int(off) >= len(s.Payload) {
		return ""
	}
	end := bytes.IndexByte(s.Payload[off:], 0)
	if end < 0 {
		return string(s.Payload[off:])
	}
	return string(s.Payload[off : int(off)+end])
}

// AppendIfAbsent returns the offset of name in the pool, appending it
// (with its NUL terminator) if not already present.
func (s *StrTabSection) AppendIfAbsent(name string) uint32 {
	if off, ok := s.find(name); ok {
		return off
	}
	if len(s.Payload) == 0 {
		s.Payload = append(s.Payload, 0) // reserve offset 0 as the empty string
	}
	off := uint32(len(s.Payload))
	s.Payload = append(s.Payload, []byte(name)...)
	s.Payload = append(s.Payload, 0)
	s.Size = uint64(len(s.Payload))
	return off
}

func (s *StrTabSection) find(name string) (uint32, bool) {
	needle := append([]byte(name), 0)
	idx := bytes.Index(s.Payload, needle)
	for idx >= 0 {
		// Must start right after a NUL (or at 0) to be a real entry,
		// not a coincidental substring match.
		if idx == 0 || s.Payload[idx-1] == 0 {
			return uint32(idx), true
		}
		next := bytes.Index(s.Payload[idx+1:], needle)
		if next < 0 {
			break
		}
		idx = idx + 1 + next
	}
	return 0, false
}

// SymbolSection parses payload into a vector of Elf64_Sym (.symtab/.dynsym).
// The zeroth entry is reserved (undefined), per the data model.
type SymbolSection struct {
	SectionBase
	Syms []*types.Sym
}

func (s *SymbolSection) SyncHeader() {
	s.EntSize = types.SymSize
	buf := make([]byte, 0, len(s.Syms)*types.SymSize)
	for _, sym := range s.Syms {
		buf = append(buf, sym.Marshal(byteOrder)...)
	}
	s.Payload = buf
	s.Size = uint64(len(buf))
}

func parseSymbols(payload []byte) []*types.Sym {
	n := len(payload) / types.SymSize
	out := make([]*types.Sym, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.UnmarshalSym(payload[i*types.SymSize:], byteOrder))
	}
	if len(out) == 0 {
		out = append(out, &types.Sym{})
	}
	return out
}

// DynamicSection parses payload into a vector of Elf64_Dyn, terminated by
// DT_NULL on serialization.
type DynamicSection struct {
	SectionBase
	Entries []*types.Dyn
}

func (s *DynamicSection) SyncHeader() {
	s.EntSize = types.DynSize
	buf := make([]byte, 0, (len(s.Entries)+1)*types.DynSize)
	sawNull := false
	for _, d := range s.Entries {
		buf = append(buf, d.Marshal(byteOrder)...)
		if d.Tag == types.DT_NULL {
			sawNull = true
			break
		}
	}
	if !sawNull {
		buf = append(buf, (&types.Dyn{Tag: types.DT_NULL}).Marshal(byteOrder)...)
	}
	s.Payload = buf
	s.Size = uint64(len(buf))
}

// Get returns the value of the first entry with the given tag.
func (s *DynamicSection) Get(tag types.DTag) (uint64, bool) {
	for _, d := range s.Entries {
		if d.Tag == tag {
			return d.Val, true
		}
	}
	return 0, false
}

// Set overwrites the value of the first entry with the given tag, or
// appends a new entry (before DT_NULL) if absent.
func (s *DynamicSection) Set(tag types.DTag, val uint64) {
	for _, d := range s.Entries {
		if d.Tag == tag {
			d.Val = val
			return
		}
	}
	ent := &types.Dyn{Tag: tag, Val: val}
	for i, d := range s.Entries {
		if d.Tag == types.DT_NULL {
			s.Entries = append(s.Entries[:i], append([]*types.Dyn{ent}, s.Entries[i:]...)...)
			return
		}
	}
	s.Entries = append(s.Entries, ent)
}

func parseDynamic(payload []byte) []*types.Dyn {
	n := len(payload) / types.DynSize
	out := make([]*types.Dyn, 0, n)
	for i := 0; i < n; i++ {
		d := types.UnmarshalDyn(payload[i*types.DynSize:], byteOrder)
		out = append(out, d)
		if d.Tag == types.DT_NULL {
			break
		}
	}
	return out
}

// RelocationSection parses payload into Elf64_Rela[] (SHT_RELA) or
// Elf64_Rel[] (SHT_REL).
type RelocationSection struct {
	SectionBase
	Relas []*types.Rela // used when Type == SHT_RELA
	Rels  []*types.Rel  // used when Type == SHT_REL
}

func (s *RelocationSection) IsAddend() bool { return s.Type == types.SType(types.SHT_RELA) }

func (s *RelocationSection) SyncHeader() {
	if s.Type == types.SHT_RELA {
		s.EntSize = types.RelaSize
		buf := make([]byte, 0, len(s.Relas)*types.RelaSize)
		for _, r := range s.Relas {
			buf = append(buf, r.Marshal(byteOrder)...)
		}
		s.Payload = buf
		s.Size = uint64(len(buf))
		return
	}
	s.EntSize = types.RelSize
	buf := make([]byte, 0, len(s.Rels)*types.RelSize)
	for _, r := range s.Rels {
		buf = append(buf, r.Marshal(byteOrder)...)
	}
	s.Payload = buf
	s.Size = uint64(len(buf))
}

func parseRelocations(payload []byte, isRela bool) ([]*types.Rela, []*types.Rel) {
	if isRela {
		n := len(payload) / types.RelaSize
		out := make([]*types.Rela, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, types.UnmarshalRela(payload[i*types.RelaSize:], byteOrder))
		}
		return out, nil
	}
	n := len(payload) / types.RelSize
	out := make([]*types.Rel, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, types.UnmarshalRel(payload[i*types.RelSize:], byteOrder))
	}
	return nil, out
}

// newSection routes a parsed Shdr + payload to its subclass by sh_type,
// with a few well-known names promoting an otherwise-generic type.
func newSection(name string, sh *types.Shdr, payload []byte) Section {
	base := SectionBase{
		NameIndex: sh.NameOff, Name: name, Type: sh.Type, Flags: sh.Flags,
		Addr: sh.Addr, Offset: sh.Offset, Size: sh.Size, Link: sh.Link,
		Info: sh.Info, AddrAlign: sh.AddrAlign, EntSize: sh.EntSize,
		Payload: payload,
	}
	switch sh.Type {
	case types.SHT_STRTAB:
		return &StrTabSection{SectionBase: base}
	case types.SHT_SYMTAB, types.SHT_DYNSYM:
		return &SymbolSection{SectionBase: base, Syms: parseSymbols(payload)}
	case types.SHT_DYNAMIC:
		return &DynamicSection{SectionBase: base, Entries: parseDynamic(payload)}
	case types.SHT_RELA:
		relas, _ := parseRelocations(payload, true)
		return &RelocationSection{SectionBase: base, Relas: relas}
	case types.SHT_REL:
		_, rels := parseRelocations(payload, false)
		return &RelocationSection{SectionBase: base, Rels: rels}
	default:
		// Well-known names parsed even when sh_type doesn't already
		// disambiguate them (some stripped binaries carry string
		// tables typed SHT_PROGBITS).
		switch name {
		case ".dynstr", ".strtab", ".shstrtab":
			return &StrTabSection{SectionBase: base}
		}
		return &GenericSection{SectionBase: base}
	}
}

func (b *SectionBase) String() string {
	return fmt.Sprintf("%-16s type=%#x flags=%v addr=%#x off=%#x size=%#x",
		b.Name, uint32(b.Type), b.Flags, b.Addr, b.Offset, b.Size)
}
