package driver_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aarch64vmp/vmptool/bundle"
	"github.com/aarch64vmp/vmptool/internal/driver"
	"github.com/aarch64vmp/vmptool/internal/elftest"
	"github.com/aarch64vmp/vmptool/types"
)

func writeDemoSo(t *testing.T, dir string) string {
	t.Helper()
	code := []byte{
		// fun_add: add x0, x0, x1; ret
		0x00, 0x00, 0x01, 0x8b,
		0xc0, 0x03, 0x5f, 0xd6,
		// fun_bad: fmov d0, x0 (untranslatable); ret
		0x00, 0x00, 0x67, 0x9e,
		0xc0, 0x03, 0x5f, 0xd6,
	}
	data := elftest.Build(elftest.Options{
		Code: code,
		Dynsyms: []elftest.Symbol{
			{Name: "fun_add", Value: elftest.TextAddr, Size: 8, Type: types.STT_FUNC},
			{Name: "fun_bad", Value: elftest.TextAddr + 8, Size: 8, Type: types.STT_FUNC},
		},
	})
	path := filepath.Join(dir, "demo.so")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCoverageOnlyRun(t *testing.T) {
	dir := t.TempDir()
	input := writeDemoSo(t, dir)
	err := driver.Run(driver.Options{
		InputSo:      input,
		OutputDir:    dir,
		Functions:    []string{"fun_add", "fun_bad"},
		CoverageOnly: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	report, err := os.ReadFile(filepath.Join(dir, "coverage_report.md"))
	if err != nil {
		t.Fatalf("coverage report missing: %v", err)
	}
	text := string(report)
	if !strings.Contains(text, "| fun_add | 2 | 2 | 0 | yes |") {
		t.Errorf("fun_add row wrong:\n%s", text)
	}
	if !strings.Contains(text, "| fun_bad |") || !strings.Contains(text, "| no |") {
		t.Errorf("fun_bad row wrong:\n%s", text)
	}

	for _, name := range []string{"fun_add.txt", "fun_add.bin", "demo_expand.so"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			t.Errorf("coverage-only run produced %s", name)
		}
	}
}

func TestBundleRun(t *testing.T) {
	dir := t.TempDir()
	input := writeDemoSo(t, dir)
	err := driver.Run(driver.Options{
		InputSo:   input,
		OutputDir: dir,
		Functions: []string{"fun_add"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, name := range []string{"fun_add.txt", "fun_add.bin", "branch_addr_list.txt", "coverage_report.md"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing output %s: %v", name, err)
		}
	}

	branchList, err := os.ReadFile(filepath.Join(dir, "branch_addr_list.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(branchList), "branch_addr_count = 0") {
		t.Errorf("branch list should be empty for a BL-free function:\n%s", branchList)
	}

	inputBytes, _ := os.ReadFile(input)
	expanded, err := os.ReadFile(filepath.Join(dir, "demo_expand.so"))
	if err != nil {
		t.Fatalf("expanded so missing: %v", err)
	}
	if !bytes.HasPrefix(expanded, inputBytes) {
		t.Fatal("expanded so does not begin with the input bytes")
	}
	tail := expanded[len(inputBytes):]
	if !bytes.HasPrefix(tail, []byte("VMBH")) {
		t.Errorf("bundle tail does not start with VMBH: % x", tail[:4])
	}
	entries, _, err := bundle.Read(tail)
	if err != nil {
		t.Fatalf("bundle read: %v", err)
	}
	if len(entries) != 1 || entries[0].FunAddr != elftest.TextAddr {
		t.Errorf("bundle entries = %+v, want one at %#x", entries, uint64(elftest.TextAddr))
	}
}

func TestPartialTranslationFailureStillBundles(t *testing.T) {
	dir := t.TempDir()
	input := writeDemoSo(t, dir)
	err := driver.Run(driver.Options{
		InputSo:   input,
		OutputDir: dir,
		Functions: []string{"fun_add", "fun_bad"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	inputBytes, _ := os.ReadFile(input)
	expanded, err := os.ReadFile(filepath.Join(dir, "demo_expand.so"))
	if err != nil {
		t.Fatalf("expanded so missing: %v", err)
	}
	entries, _, err := bundle.Read(expanded[len(inputBytes):])
	if err != nil {
		t.Fatalf("bundle read: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("failing function must stay out of the bundle, got %d entries", len(entries))
	}
	if _, err := os.Stat(filepath.Join(dir, "fun_bad.bin")); err == nil {
		t.Error("failing function produced a .bin")
	}
}

func TestEmbedRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	input := writeDemoSo(t, dir)
	hostPath := filepath.Join(dir, "host.so")
	if err := os.WriteFile(hostPath, []byte("host image bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	run := func() []byte {
		t.Helper()
		err := driver.Run(driver.Options{
			InputSo:   input,
			OutputDir: dir,
			Functions: []string{"fun_add"},
			HostSo:    hostPath,
		})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		data, err := os.ReadFile(hostPath)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	first := run()
	if !bundle.HasPayload(first) {
		t.Fatal("embedded host has no payload footer")
	}
	second := run()
	if !bytes.Equal(first, second) {
		t.Error("re-running the embed step changed the host bytes")
	}
}

func TestRunRejectsMissingFunction(t *testing.T) {
	dir := t.TempDir()
	input := writeDemoSo(t, dir)
	err := driver.Run(driver.Options{
		InputSo:   input,
		OutputDir: dir,
		Functions: []string{"no_such_fun"},
	})
	if err == nil {
		t.Fatal("expected missing-function error")
	}
}

func TestAnalyzeAllSelectsNamedFunctions(t *testing.T) {
	dir := t.TempDir()
	input := writeDemoSo(t, dir)
	err := driver.Run(driver.Options{
		InputSo:      input,
		OutputDir:    dir,
		AnalyzeAll:   true,
		CoverageOnly: true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	report, err := os.ReadFile(filepath.Join(dir, "coverage_report.md"))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"fun_add", "fun_bad"} {
		if !strings.Contains(string(report), name) {
			t.Errorf("analyze-all report lacks %s", name)
		}
	}
}
