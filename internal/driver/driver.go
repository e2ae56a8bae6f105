// Package driver orchestrates the toolchain pipeline: load the input
// ELF, select functions, translate each, dump the text/binary forms, write
// the payload bundle, splice it into a host, and optionally run the
// patchbay aliaser over the result. The cmd/vmpc binary is a thin flag
// wrapper around Run.
package driver

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	vmpelf "github.com/aarch64vmp/vmptool"
	"github.com/aarch64vmp/vmptool/bundle"
	"github.com/aarch64vmp/vmptool/coverage"
	"github.com/aarch64vmp/vmptool/internal/vlog"
	"github.com/aarch64vmp/vmptool/internal/vmerr"
	"github.com/aarch64vmp/vmptool/internal/vmtranslate"
	"github.com/aarch64vmp/vmptool/patchbay"
	"github.com/aarch64vmp/vmptool/types"
)

// Options is the full driver configuration, one field per CLI flag.
type Options struct {
	InputSo   string
	OutputDir string

	Functions  []string
	AnalyzeAll bool

	CoverageOnly bool

	ExpandedSoName   string
	SharedBranchFile string
	CoverageReport   string

	HostSo  string
	FinalSo string

	PatchDonorSo             string
	PatchImplSymbol          string
	PatchAllExports          bool
	PatchNoAllowValidateFail bool
}

// target is one selected function: its name, ELF virtual address and body.
type target struct {
	name string
	addr uint64
	code []byte
}

// translated pairs a target with its IR once translation succeeded.
type translated struct {
	target
	fn *vmtranslate.FunctionIR
}

// Run executes the pipeline. Translation failures are per-function (they
// surface in the coverage report and drop the function from the bundle);
// everything else is fatal.
func Run(opts Options) error {
	if opts.InputSo == "" {
		return vmerr.Input("driver", fmt.Errorf("--input-so is required"))
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return vmerr.Input("driver", err)
	}
	stem := strings.TrimSuffix(filepath.Base(opts.InputSo), ".so")
	if opts.ExpandedSoName == "" {
		opts.ExpandedSoName = stem + "_expand.so"
	}
	if opts.SharedBranchFile == "" {
		opts.SharedBranchFile = "branch_addr_list.txt"
	}
	if opts.CoverageReport == "" {
		opts.CoverageReport = "coverage_report.md"
	}

	img, err := vmpelf.Open(opts.InputSo)
	if err != nil {
		return err
	}
	targets, err := selectTargets(img, opts)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return vmerr.Input("driver", fmt.Errorf("no functions selected; use --function or --analyze-all"))
	}
	vlog.Infof("driver: %d function(s) selected from %s", len(targets), opts.InputSo)

	// Coverage rows are produced for every target, including ones whose
	// translation fails below; the per-function verdict lives in the row.
	reports := make([]coverage.FunctionCoverage, 0, len(targets))
	for _, t := range targets {
		reports = append(reports, coverage.Analyze(t.name, t.addr, t.code))
	}
	var covBuf bytes.Buffer
	if err := coverage.WriteReport(&covBuf, reports); err != nil {
		return vmerr.Format("driver: coverage", err)
	}
	if err := writeAtomic(filepath.Join(opts.OutputDir, opts.CoverageReport), covBuf.Bytes()); err != nil {
		return err
	}
	if opts.CoverageOnly {
		return nil
	}

	var good []translated
	for _, t := range targets {
		fn, err := vmtranslate.Translate(t.addr, t.code)
		if err != nil {
			vlog.Warnf("driver: %s: %v", t.name, err)
			continue
		}
		good = append(good, translated{target: t, fn: fn})
	}
	if len(good) == 0 {
		return vmerr.Input("driver", fmt.Errorf("no function translated successfully"))
	}

	shared := sharedCallTable(good)
	for _, g := range good {
		if err := g.fn.RemapBLToShared(shared); err != nil {
			return vmerr.Format("driver: remap", err)
		}
	}
	if err := writeAtomic(filepath.Join(opts.OutputDir, opts.SharedBranchFile), renderBranchList(shared)); err != nil {
		return err
	}

	var payloads []bundle.Payload
	for _, g := range good {
		var txt bytes.Buffer
		if err := vmtranslate.WriteText(&txt, g.fn); err != nil {
			return vmerr.Format("driver: dump text", err)
		}
		if err := writeAtomic(filepath.Join(opts.OutputDir, g.name+".txt"), txt.Bytes()); err != nil {
			return err
		}
		enc, err := checkedEncode(g.fn)
		if err != nil {
			return err
		}
		if err := writeAtomic(filepath.Join(opts.OutputDir, g.name+".bin"), enc); err != nil {
			return err
		}
		payloads = append(payloads, bundle.Payload{FunAddr: g.addr, Encoded: enc})
	}

	bundleBytes, err := bundle.Write(payloads, shared)
	if err != nil {
		return err
	}
	expanded := append(append([]byte(nil), img.Raw...), bundleBytes...)
	if err := writeAtomic(filepath.Join(opts.OutputDir, opts.ExpandedSoName), expanded); err != nil {
		return err
	}
	vlog.Infof("driver: wrote %s (%d payloads, %d shared branch addrs)",
		opts.ExpandedSoName, len(payloads), len(shared))

	finalPath := ""
	if opts.HostSo != "" {
		host, err := os.ReadFile(opts.HostSo)
		if err != nil {
			return vmerr.Input("driver: host", err)
		}
		embedded, err := bundle.Embed(host, bundleBytes)
		if err != nil {
			return err
		}
		finalPath = opts.FinalSo
		if finalPath == "" {
			finalPath = opts.HostSo
		}
		if err := writeAtomic(finalPath, embedded); err != nil {
			return err
		}
		vlog.Infof("driver: embedded bundle into %s", finalPath)
	}

	if opts.PatchDonorSo != "" {
		if opts.PatchImplSymbol == "" {
			return vmerr.Input("driver", fmt.Errorf("--patch-impl-symbol is required with --patch-donor-so"))
		}
		patchInput := opts.InputSo
		if finalPath != "" {
			patchInput = finalPath
		}
		in, err := os.ReadFile(patchInput)
		if err != nil {
			return vmerr.Input("driver: patchbay input", err)
		}
		donor, err := os.ReadFile(opts.PatchDonorSo)
		if err != nil {
			return vmerr.Input("driver: patchbay donor", err)
		}
		out, err := patchbay.ExportAliasesFromDonor(in, donor, opts.PatchImplSymbol, patchbay.Options{
			AllowValidateFail: !opts.PatchNoAllowValidateFail,
			OnlyFunJava:       !opts.PatchAllExports,
		})
		if err != nil {
			return err
		}
		patched := filepath.Join(opts.OutputDir, "libvmengine_patch.so")
		if err := writeAtomic(patched, out); err != nil {
			return err
		}
		vlog.Infof("driver: wrote %s", patched)
	}
	return nil
}

func selectTargets(img *vmpelf.ElfImage, opts Options) ([]target, error) {
	if opts.AnalyzeAll {
		return allFunctions(img), nil
	}
	var out []target
	for _, name := range opts.Functions {
		sym, ok := vmpelf.ResolveSymbol(img, name)
		if !ok {
			return nil, vmerr.Input("driver", fmt.Errorf("function %q not found", name))
		}
		t, err := targetFromSym(img, name, sym)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func allFunctions(img *vmpelf.ElfImage) []target {
	tabs := []struct {
		syms   *vmpelf.SymbolSection
		strtab string
	}{
		{img.Symtab(), ".strtab"},
		{img.Dynsym(), ".dynstr"},
	}
	seen := map[string]bool{}
	var out []target
	for _, tab := range tabs {
		if tab.syms == nil {
			continue
		}
		strs, ok := img.Section(tab.strtab).(*vmpelf.StrTabSection)
		if !ok {
			continue
		}
		for i, s := range tab.syms.Syms {
			if i == 0 || s.Type() != types.STT_FUNC || s.Size == 0 || s.Shndx == types.SHN_UNDEF {
				continue
			}
			name := strs.String(s.NameOff)
			if name == "" || seen[name] {
				continue
			}
			t, err := targetFromSym(img, name, s)
			if err != nil {
				vlog.Warnf("driver: skipping %s: %v", name, err)
				continue
			}
			seen[name] = true
			out = append(out, t)
		}
	}
	return out
}

func targetFromSym(img *vmpelf.ElfImage, name string, sym *types.Sym) (target, error) {
	if sym.Size == 0 {
		return target{}, vmerr.Input("driver", fmt.Errorf("function %q has zero size", name))
	}
	off, ok := img.FileOffsetForVaddr(sym.Value)
	if !ok {
		return target{}, vmerr.Format("driver", fmt.Errorf("function %q at %#x is not mapped by any PT_LOAD", name, sym.Value))
	}
	if off+sym.Size > uint64(len(img.Raw)) {
		return target{}, vmerr.Format("driver", fmt.Errorf("function %q body out of file range", name))
	}
	code := append([]byte(nil), img.Raw[off:off+sym.Size]...)
	return target{name: name, addr: sym.Value, code: code}, nil
}

// sharedCallTable collects every BL target across the translated functions
// in input order, first appearance wins, no duplicates.
func sharedCallTable(fns []translated) []uint64 {
	seen := map[uint64]bool{}
	var out []uint64
	for _, g := range fns {
		for _, addr := range g.fn.CallTargets {
			if seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

// checkedEncode produces the bundle-ready encoded form, verifying that
// decode(encode(f)) re-encodes to identical bytes before anything is
// written to disk.
func checkedEncode(fn *vmtranslate.FunctionIR) ([]byte, error) {
	enc := vmtranslate.EncodeBundle(fn)
	dec, err := vmtranslate.DecodeBundle(enc)
	if err != nil {
		return nil, vmerr.Format("driver: encode round-trip", err)
	}
	if !bytes.Equal(vmtranslate.EncodeBundle(dec), enc) {
		return nil, vmerr.Format("driver: encode round-trip", fmt.Errorf("re-encoded bytes differ for fun_addr %#x", fn.Addr))
	}
	return enc, nil
}

func renderBranchList(addrs []uint64) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "static const uint64_t branch_addr_count = %d;\n", len(addrs))
	if len(addrs) == 0 {
		b.WriteString("uint64_t branch_addr_list[] = { };\n")
		return b.Bytes()
	}
	b.WriteString("uint64_t branch_addr_list[] = {\n")
	for _, a := range addrs {
		fmt.Fprintf(&b, "    0x%X,\n", a)
	}
	b.WriteString("};\n")
	return b.Bytes()
}

// writeAtomic writes data to path via a sibling temp file and rename, so a
// failed run never leaves a partially written output.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return vmerr.Input("driver: write", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return vmerr.Input("driver: write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return vmerr.Input("driver: write", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return vmerr.Input("driver: write", err)
	}
	return nil
}
