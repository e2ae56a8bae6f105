package vmpelf

import (
	"bytes"
	"testing"

	"github.com/aarch64vmp/vmptool/internal/elftest"
	"github.com/aarch64vmp/vmptool/types"
)

func loadBuilt(t *testing.T, o elftest.Options) *ElfImage {
	t.Helper()
	img, err := Load(elftest.Build(o))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return img
}

func injectFixtures(t *testing.T) (target, donor *ElfImage) {
	t.Helper()
	target = loadBuilt(t, elftest.Options{
		Code: []byte{
			0x00, 0x00, 0x01, 0x8b, // add x0, x0, x1
			0xc0, 0x03, 0x5f, 0xd6, // ret
		},
		Dynsyms: []elftest.Symbol{
			{Name: "target_entry", Value: elftest.TextAddr, Size: 8, Type: types.STT_FUNC},
		},
		Statics: []elftest.Symbol{
			{Name: "target_local", Value: elftest.TextAddr, Size: 8, Type: types.STT_FUNC},
		},
	})
	donor = loadBuilt(t, elftest.Options{
		Code: bytes.Repeat([]byte{0xc0, 0x03, 0x5f, 0xd6}, 4),
		Dynsyms: []elftest.Symbol{
			{Name: "donor_entry", Value: elftest.TextAddr, Size: 4, Type: types.STT_FUNC},
		},
		Statics: []elftest.Symbol{
			{Name: "donor_helper", Value: elftest.TextAddr + 4, Size: 4, Type: types.STT_FUNC},
			{Name: "test1", Value: elftest.TextAddr + 8, Size: 4, Type: types.STT_FUNC},
			{Name: "test2", Value: elftest.TextAddr + 12, Size: 4, Type: types.STT_FUNC},
		},
	})
	return target, donor
}

func TestInjectMergesDonorLoads(t *testing.T) {
	target, donor := injectFixtures(t)
	before := len(target.SegmentsOfType(types.PT_LOAD))

	if err := Inject(target, donor, InjectOptions{}); err != nil {
		t.Fatalf("inject: %v", err)
	}

	after := len(target.SegmentsOfType(types.PT_LOAD))
	if after <= before {
		t.Errorf("no donor LOADs appended: %d -> %d", before, after)
	}

	if target.Section(".text.vmp") == nil {
		t.Error("donor .text not mirrored as .text.vmp")
	}

	// Merged statics resolve to relocated donor addresses inside the
	// injected LOADs.
	sym, ok := ResolveSymbol(target, "donor_helper")
	if !ok {
		t.Fatal("donor_helper not merged into target .symtab")
	}
	if target.LoadSegmentForVaddr(sym.Value) == nil {
		t.Errorf("merged symbol value %#x not mapped by any PT_LOAD", sym.Value)
	}

	// Target's own exports must be untouched.
	own, ok := ResolveSymbol(target, "target_entry")
	if !ok || own.Value != elftest.TextAddr {
		t.Errorf("target_entry disturbed: %+v", own)
	}

	if err := Validate(target); err != nil {
		t.Errorf("post-inject validate: %v", err)
	}
}

func TestInjectRequireDonorTestSymbols(t *testing.T) {
	target, donor := injectFixtures(t)
	if err := Inject(target, donor, InjectOptions{RequireDonorTestSymbols: true}); err != nil {
		t.Errorf("donor defines test1/test2, inject should pass: %v", err)
	}

	target2, _ := injectFixtures(t)
	bare := loadBuilt(t, elftest.Options{
		Dynsyms: []elftest.Symbol{
			{Name: "donor_entry", Value: elftest.TextAddr, Size: 4, Type: types.STT_FUNC},
		},
	})
	if err := Inject(target2, bare, InjectOptions{RequireDonorTestSymbols: true}); err == nil {
		t.Error("expected missing test1/test2 failure")
	}
}

func TestInjectRejectsEmptyDonor(t *testing.T) {
	target, _ := injectFixtures(t)
	empty := &ElfImage{Header: target.Header}
	if err := Inject(target, empty, InjectOptions{}); err == nil {
		t.Error("expected no-loadable-segments failure")
	}
}
