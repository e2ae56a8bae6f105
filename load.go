package vmpelf

import (
	"fmt"
	"os"

	"github.com/aarch64vmp/vmptool/internal/vmerr"
	"github.com/aarch64vmp/vmptool/types"
)

// Open reads path and parses it into an ElfImage.
func Open(path string) (*ElfImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerr.Input("elf: open", err)
	}
	return Load(data)
}

// Load parses raw ELF64/AArch64 bytes into a mutable model. Payload for
// non-NOBITS sections is copied out of data so later edits never alias the
// caller's buffer.
func Load(data []byte) (*ElfImage, error) {
	if len(data) < types.FileHeaderSize {
		return nil, vmerr.Format("elf: load", fmt.Errorf("truncated header: %d bytes", len(data)))
	}
	hdr, err := types.UnmarshalFileHeader(data, byteOrder)
	if err != nil {
		return nil, vmerr.Format("elf: load", err)
	}
	if err := hdr.Validate(); err != nil {
		return nil, vmerr.Format("elf: load", err)
	}

	img := &ElfImage{Header: *hdr}

	phdrs, err := loadPhdrs(data, hdr)
	if err != nil {
		return nil, vmerr.Format("elf: load phdrs", err)
	}
	img.Phdrs = phdrs

	sections, err := loadSections(data, hdr)
	if err != nil {
		return nil, vmerr.Format("elf: load shdrs", err)
	}
	img.Sections = sections

	img.Raw = append([]byte(nil), data...)
	img.Dirty = false
	return img, nil
}

func loadPhdrs(data []byte, hdr *types.FileHeader) ([]*types.Phdr, error) {
	if hdr.Phnum == 0 {
		return nil, nil
	}
	entsize := uint64(hdr.Phentsize)
	if entsize == 0 {
		entsize = types.PhdrSize
	}
	end := hdr.Phoff + entsize*uint64(hdr.Phnum)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("program header table out of range: off=%#x num=%d size=%d", hdr.Phoff, hdr.Phnum, len(data))
	}
	out := make([]*types.Phdr, 0, hdr.Phnum)
	for i := uint16(0); i < hdr.Phnum; i++ {
		off := hdr.Phoff + uint64(i)*entsize
		out = append(out, types.UnmarshalPhdr(data[off:off+types.PhdrSize], byteOrder))
	}
	return out, nil
}

func loadSections(data []byte, hdr *types.FileHeader) ([]Section, error) {
	if hdr.Shnum == 0 {
		return nil, nil
	}
	entsize := uint64(hdr.Shentsize)
	if entsize == 0 {
		entsize = types.ShdrSize
	}
	end := hdr.Shoff + entsize*uint64(hdr.Shnum)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("section header table out of range: off=%#x num=%d size=%d", hdr.Shoff, hdr.Shnum, len(data))
	}

	raw := make([]*types.Shdr, 0, hdr.Shnum)
	for i := uint16(0); i < hdr.Shnum; i++ {
		off := hdr.Shoff + uint64(i)*entsize
		raw = append(raw, types.UnmarshalShdr(data[off:off+types.ShdrSize], byteOrder))
	}

	var shstrtab []byte
	if int(hdr.Shstrndx) < len(raw) {
		s := raw[hdr.Shstrndx]
		if s.Type != types.SHT_NOBITS && s.Offset+s.Size <= uint64(len(data)) {
			shstrtab = data[s.Offset : s.Offset+s.Size]
		}
	}

	out := make([]Section, 0, len(raw))
	for _, sh := range raw {
		name := cstringAt(shstrtab, sh.NameOff)
		var payload []byte
		if sh.Type != types.SHT_NOBITS {
			if sh.Offset+sh.Size > uint64(len(data)) {
				return nil, fmt.Errorf("section %q payload out of range: off=%#x size=%#x", name, sh.Offset, sh.Size)
			}
			payload = append([]byte(nil), data[sh.Offset:sh.Offset+sh.Size]...)
		}
		out = append(out, newSection(name, sh, payload))
	}
	return out, nil
}

func cstringAt(pool []byte, off uint32) string {
	if int(off) >= len(pool) {
		return ""
	}
	end := off
	for int(end) < len(pool) && pool[end] != 0 {
		end++
	}
	return string(pool[off:end])
}
