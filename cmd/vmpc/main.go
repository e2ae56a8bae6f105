// Command vmpc is the virtualization toolchain driver: it translates
// selected AArch64 functions out of a shared object into VM bytecode,
// bundles the result onto the .so, optionally splices the bundle into a
// host .so and runs the patchbay export aliaser over it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/aarch64vmp/vmptool/internal/driver"
	"github.com/aarch64vmp/vmptool/internal/flagutil"
	"github.com/aarch64vmp/vmptool/internal/vlog"
	"github.com/aarch64vmp/vmptool/internal/vmerr"
)

const (
	exitOK         = 0
	exitCLI        = 1
	exitInput      = 2
	exitProcessing = 3
	exitPatching   = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("vmpc", flag.ContinueOnError)
	var opts driver.Options
	var functions flagutil.StringList
	var verbose bool

	fs.StringVar(&opts.InputSo, "input-so", "", "input shared object (required)")
	fs.StringVar(&opts.OutputDir, "output-dir", ".", "output directory")
	fs.Var(&functions, "function", "function to protect (repeatable)")
	fs.BoolVar(&opts.AnalyzeAll, "analyze-all", false, "select every named function in the ELF")
	fs.BoolVar(&opts.CoverageOnly, "coverage-only", false, "emit only the coverage report")
	fs.StringVar(&opts.ExpandedSoName, "expanded-so", "", "expanded .so file name")
	fs.StringVar(&opts.SharedBranchFile, "shared-branch-file", "", "shared branch address list file name")
	fs.StringVar(&opts.CoverageReport, "coverage-report", "", "coverage report file name")
	fs.StringVar(&opts.HostSo, "host-so", "", "host .so to embed the bundle into")
	fs.StringVar(&opts.FinalSo, "final-so", "", "override for the embedded output path")
	fs.StringVar(&opts.PatchDonorSo, "patch-donor-so", "", "donor .so for the patchbay alias step")
	fs.StringVar(&opts.PatchImplSymbol, "patch-impl-symbol", "", "implementation symbol every alias resolves to")
	fs.BoolVar(&opts.PatchAllExports, "patch-all-exports", false, "alias every donor export, not only fun_*/Java_*")
	fs.BoolVar(&opts.PatchNoAllowValidateFail, "patch-no-allow-validate-fail", false, "treat a failed post-patch validation as fatal")
	fs.BoolVar(&verbose, "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitCLI
	}
	opts.Functions = functions.Values
	if verbose {
		vlog.Init(vlog.LevelDebug)
	}

	if err := driver.Run(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	var in *vmerr.InputError
	if errors.As(err, &in) {
		return exitInput
	}
	var capErr *vmerr.CapacityError
	var valErr *vmerr.ValidationError
	if errors.As(err, &capErr) || errors.As(err, &valErr) {
		return exitPatching
	}
	return exitProcessing
}
