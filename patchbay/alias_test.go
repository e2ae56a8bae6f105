package patchbay_test

import (
	"bytes"
	"testing"

	vmpelf "github.com/aarch64vmp/vmptool"
	"github.com/aarch64vmp/vmptool/internal/elftest"
	"github.com/aarch64vmp/vmptool/patchbay"
	"github.com/aarch64vmp/vmptool/types"
)

func hostWithPatchbay(t *testing.T) []byte {
	t.Helper()
	return elftest.Build(elftest.Options{
		Code: bytes.Repeat([]byte{0xc0, 0x03, 0x5f, 0xd6}, 8),
		Dynsyms: []elftest.Symbol{
			{Name: "existing_export", Value: elftest.TextAddr, Size: 4, Type: types.STT_FUNC},
		},
		Statics: []elftest.Symbol{
			{Name: "vm_takeover_slot_0000", Value: elftest.TextAddr + 4, Size: 4, Type: types.STT_FUNC},
		},
		Patchbay: patchbay.BuildReserved(24*64, 1024, 512, 0, 256, 16),
	})
}

func donorImage() []byte {
	return elftest.Build(elftest.Options{
		Code: bytes.Repeat([]byte{0xc0, 0x03, 0x5f, 0xd6}, 8),
		Dynsyms: []elftest.Symbol{
			{Name: "fun_alpha", Value: elftest.TextAddr, Size: 4, Type: types.STT_FUNC},
			{Name: "Java_com_example_run", Value: elftest.TextAddr + 4, Size: 4, Type: types.STT_FUNC},
			{Name: "plain_export", Value: elftest.TextAddr + 8, Size: 4, Type: types.STT_FUNC},
			{Name: "existing_export", Value: elftest.TextAddr + 12, Size: 4, Type: types.STT_FUNC},
		},
	})
}

func dynsymNames(t *testing.T, img *vmpelf.ElfImage) map[string]*types.Sym {
	t.Helper()
	dynsym := img.Dynsym()
	dynstr := img.Dynstr()
	if dynsym == nil || dynstr == nil {
		t.Fatal("patched image lacks .dynsym/.dynstr")
	}
	out := map[string]*types.Sym{}
	for i, s := range dynsym.Syms {
		if i == 0 {
			continue
		}
		out[dynstr.String(s.NameOff)] = s
	}
	return out
}

func TestExportAliasesAppendsSymbols(t *testing.T) {
	host := hostWithPatchbay(t)
	out, err := patchbay.ExportAliases(host, []patchbay.Alias{
		{Export: "fun_new_entry", Impl: "vm_takeover_slot_0000"},
		{Export: "existing_export", Impl: "vm_takeover_slot_0000"}, // already present, skipped
	}, patchbay.Options{})
	if err != nil {
		t.Fatalf("export aliases: %v", err)
	}

	img, err := vmpelf.Load(out)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	syms := dynsymNames(t, img)
	alias, ok := syms["fun_new_entry"]
	if !ok {
		t.Fatal("appended alias missing from rebuilt dynsym")
	}
	if alias.Value != elftest.TextAddr+4 {
		t.Errorf("alias value %#x, want impl address %#x", alias.Value, uint64(elftest.TextAddr+4))
	}
	if alias.Bind() != types.STB_GLOBAL || alias.Type() != types.STT_FUNC {
		t.Errorf("alias info bind=%v type=%v", alias.Bind(), alias.Type())
	}
	if existing, ok := syms["existing_export"]; !ok || existing.Value != elftest.TextAddr {
		t.Error("pre-existing export disturbed")
	}

	// DT_SYMTAB must now point inside the patchbay section.
	pb := img.Section(patchbay.SectionName).Base()
	if v, ok := img.Dynamic().Get(types.DT_SYMTAB); !ok || v < pb.Addr || v >= pb.Addr+pb.Size {
		t.Errorf("DT_SYMTAB %#x does not point into the patchbay [%#x,%#x)", v, pb.Addr, pb.Addr+pb.Size)
	}

	// The header CRC and used counters must be updated.
	hdr, err := patchbay.UnmarshalHeader(pb.Payload)
	if err != nil {
		t.Fatalf("patchbay header: %v", err)
	}
	if hdr.UsedDynsym == 0 || hdr.UsedDynstr == 0 || hdr.UsedGnuhash == 0 {
		t.Errorf("used counters not set: %+v", hdr)
	}
	if hdr.TakeoverSlotUsed != 1 {
		t.Errorf("takeover_slot_used = %d, want 1", hdr.TakeoverSlotUsed)
	}
	if hdr.TakeoverSlotBitmapLo != 1 {
		t.Errorf("bitmap_lo = %#x, want 1", hdr.TakeoverSlotBitmapLo)
	}
	if hdr.Flags&0x3 != 0x3 {
		t.Errorf("patched flags not set: %#x", hdr.Flags)
	}
	if hdr.CRC32 == 0 {
		t.Error("CRC not written")
	}
	if hdr.OrigDtSymtab == 0 {
		t.Error("original DT_SYMTAB not preserved in header")
	}
}

func TestExportAliasesMissingImplFails(t *testing.T) {
	host := hostWithPatchbay(t)
	if _, err := patchbay.ExportAliases(host, []patchbay.Alias{
		{Export: "fun_x", Impl: "no_such_symbol"},
	}, patchbay.Options{}); err == nil {
		t.Fatal("expected missing-impl error")
	}
}

func TestExportAliasesCapacityError(t *testing.T) {
	tiny := elftest.Build(elftest.Options{
		Dynsyms: []elftest.Symbol{
			{Name: "existing_export", Value: elftest.TextAddr, Size: 4, Type: types.STT_FUNC},
		},
		Statics: []elftest.Symbol{
			{Name: "impl", Value: elftest.TextAddr, Size: 4, Type: types.STT_FUNC},
		},
		Patchbay: patchbay.BuildReserved(types.SymSize, 8, 64, 0, 8, 4),
	})
	if _, err := patchbay.ExportAliases(tiny, []patchbay.Alias{
		{Export: "fun_much_too_long_for_the_region", Impl: "impl"},
	}, patchbay.Options{}); err == nil {
		t.Fatal("expected capacity error")
	}
}

func TestExportAliasesFromDonorFiltersAndSkips(t *testing.T) {
	host := hostWithPatchbay(t)
	out, err := patchbay.ExportAliasesFromDonor(host, donorImage(), "vm_takeover_slot_0000", patchbay.Options{
		OnlyFunJava: true,
	})
	if err != nil {
		t.Fatalf("bulk alias: %v", err)
	}
	img, err := vmpelf.Load(out)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	syms := dynsymNames(t, img)

	implAddr := uint64(elftest.TextAddr + 4)
	for _, name := range []string{"fun_alpha", "Java_com_example_run"} {
		s, ok := syms[name]
		if !ok {
			t.Errorf("donor export %s not aliased", name)
			continue
		}
		if s.Value != implAddr {
			t.Errorf("%s points at %#x, want impl %#x", name, s.Value, implAddr)
		}
	}
	if _, ok := syms["plain_export"]; ok {
		t.Error("non fun_/Java_ donor export aliased despite --only-fun-java")
	}
	if s := syms["existing_export"]; s == nil || s.Value != elftest.TextAddr {
		t.Error("already-present export was re-aliased")
	}
}

func TestExportAliasesSecondRunIsStable(t *testing.T) {
	host := hostWithPatchbay(t)
	aliases := []patchbay.Alias{{Export: "fun_new_entry", Impl: "vm_takeover_slot_0000"}}
	once, err := patchbay.ExportAliases(host, aliases, patchbay.Options{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	twice, err := patchbay.ExportAliases(once, aliases, patchbay.Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Error("second run with the same aliases changed the image")
	}
}
