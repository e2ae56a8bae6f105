package vmpelf

import (
	"testing"

	"github.com/aarch64vmp/vmptool/internal/elftest"
	"github.com/aarch64vmp/vmptool/types"
	"github.com/google/go-cmp/cmp"
)

func testImage(t *testing.T) *ElfImage {
	t.Helper()
	data := elftest.Build(elftest.Options{
		Code: []byte{
			0x00, 0x00, 0x01, 0x8b, // add x0, x0, x1
			0xc0, 0x03, 0x5f, 0xd6, // ret
		},
		Dynsyms: []elftest.Symbol{
			{Name: "fun_add", Value: elftest.TextAddr, Size: 8, Type: types.STT_FUNC},
		},
		Statics: []elftest.Symbol{
			{Name: "local_helper", Value: elftest.TextAddr + 4, Size: 4, Type: types.STT_FUNC},
		},
	})
	img, err := Load(data)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return img
}

func TestLoadRoutesSectionTypes(t *testing.T) {
	img := testImage(t)

	if img.Dynsym() == nil {
		t.Fatal("no .dynsym model")
	}
	if got := len(img.Dynsym().Syms); got != 2 {
		t.Errorf(".dynsym entries = %d, want 2 (reserved + fun_add)", got)
	}
	if img.Dynstr() == nil {
		t.Fatal("no .dynstr model")
	}
	if img.Dynamic() == nil {
		t.Fatal("no .dynamic model")
	}
	if v, ok := img.Dynamic().Get(types.DT_SYMTAB); !ok || v != img.Dynsym().Base().Addr {
		t.Errorf("DT_SYMTAB = %#x, want %#x", v, img.Dynsym().Base().Addr)
	}
	if _, ok := img.Section(".gnu.hash").(*GenericSection); !ok {
		t.Errorf(".gnu.hash should parse as a generic section")
	}
}

func TestLoadRejectsTruncated(t *testing.T) {
	if _, err := Load([]byte{0x7f, 'E', 'L', 'F'}); err == nil {
		t.Fatal("expected truncated-header error")
	}
}

func TestResolveSymbolSearchesDynsymAndSymtab(t *testing.T) {
	img := testImage(t)
	sym, ok := ResolveSymbol(img, "fun_add")
	if !ok {
		t.Fatal("fun_add not resolved")
	}
	if sym.Value != elftest.TextAddr {
		t.Errorf("fun_add value = %#x, want %#x", sym.Value, uint64(elftest.TextAddr))
	}
	if _, ok := ResolveSymbol(img, "local_helper"); !ok {
		t.Error("local_helper (static) not resolved")
	}
	if _, ok := ResolveSymbol(img, "missing"); ok {
		t.Error("resolved a symbol that does not exist")
	}
}

func TestStrTabAppendIfAbsent(t *testing.T) {
	img := testImage(t)
	strs := img.Dynstr()
	existing := strs.AppendIfAbsent("fun_add")
	if strs.String(existing) != "fun_add" {
		t.Errorf("existing lookup broken: %q", strs.String(existing))
	}
	before := len(strs.Payload)
	again := strs.AppendIfAbsent("fun_add")
	if again != existing || len(strs.Payload) != before {
		t.Error("AppendIfAbsent duplicated an existing name")
	}
	fresh := strs.AppendIfAbsent("fun_new")
	if strs.String(fresh) != "fun_new" {
		t.Errorf("appended name reads back as %q", strs.String(fresh))
	}
}

func TestReconstructKeepsImageValid(t *testing.T) {
	img := testImage(t)
	img.MarkDirty()
	if err := img.Reconstruct(); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if img.Dirty {
		t.Error("dirty flag not cleared after reconstruct")
	}
	if err := Validate(img); err != nil {
		t.Fatalf("validate after reconstruct: %v", err)
	}

	// Page congruence and LOAD non-overlap must hold for every PT_LOAD.
	loads := img.SegmentsOfType(types.PT_LOAD)
	if len(loads) == 0 {
		t.Fatal("no PT_LOAD after reconstruct")
	}
	for _, p := range loads {
		if p.Align != 0 && p.Offset%p.Align != p.Vaddr%p.Align {
			t.Errorf("congruence violated: off=%#x vaddr=%#x align=%#x", p.Offset, p.Vaddr, p.Align)
		}
	}

	reparsed, err := Load(img.Raw)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(reparsed.Phdrs) != len(img.Phdrs) || len(reparsed.Sections) != len(img.Sections) {
		t.Errorf("reparse table counts differ: pht %d/%d sht %d/%d",
			len(reparsed.Phdrs), len(img.Phdrs), len(reparsed.Sections), len(img.Sections))
	}
}

func TestDynamicSetInsertsBeforeNull(t *testing.T) {
	img := testImage(t)
	d := img.Dynamic()
	d.Set(types.DT_HASH, 0x1234)
	d.SyncHeader()

	reparsed := parseDynamic(d.Payload)
	found := false
	for _, e := range reparsed {
		if e.Tag == types.DT_HASH {
			found = true
			if e.Val != 0x1234 {
				t.Errorf("DT_HASH = %#x, want 0x1234", e.Val)
			}
		}
	}
	if !found {
		t.Fatal("appended tag lost across SyncHeader (dropped after DT_NULL?)")
	}
	if last := reparsed[len(reparsed)-1]; last.Tag != types.DT_NULL {
		t.Errorf("dynamic table not DT_NULL-terminated, last tag %d", last.Tag)
	}
}

func TestSectionSegmentMapping(t *testing.T) {
	img := testImage(t)
	mapping := SectionSegmentMapping(img)
	if idx, ok := mapping[".text"]; !ok || idx < 0 {
		t.Errorf(".text not mapped to a PT_LOAD: %d", idx)
	}
	if idx, ok := mapping[".dynamic"]; !ok || idx < 0 {
		t.Errorf(".dynamic not mapped to a PT_LOAD: %d", idx)
	}
	if diff := cmp.Diff(mapping[".dynsym"], mapping[".text"]); diff != "" {
		t.Errorf(".dynsym and .text should share the RX LOAD:\n%s", diff)
	}
}
