// Command patchbay-tool applies export aliases to a protected host .so
// through its reserved .vmp_patchbay section. Two subcommands, routed by
// the first argument:
//
//	export_alias_patchbay INPUT OUTPUT [--allow-validate-fail] NAME=IMPL...
//	export_alias_from_patchbay INPUT DONOR OUTPUT IMPL [--allow-validate-fail] [--only-fun-java]
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aarch64vmp/vmptool/internal/vmerr"
	"github.com/aarch64vmp/vmptool/patchbay"
)

const (
	exitOK       = 0
	exitCLI      = 1
	exitInput    = 2
	exitPatching = 5
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitCLI
	}
	switch args[0] {
	case "export_alias_patchbay":
		return exportAlias(args[1:])
	case "export_alias_from_patchbay":
		return exportAliasFromDonor(args[1:])
	case "-h", "--help":
		usage()
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
	usage()
	return exitCLI
}

func exportAlias(args []string) int {
	var opts patchbay.Options
	var positional []string
	var aliases []patchbay.Alias
	for _, a := range args {
		switch {
		case a == "--allow-validate-fail":
			opts.AllowValidateFail = true
		case strings.Contains(a, "="):
			name, impl, _ := strings.Cut(a, "=")
			if name == "" || impl == "" {
				fmt.Fprintf(os.Stderr, "bad alias %q, want NAME=IMPL\n", a)
				return exitCLI
			}
			aliases = append(aliases, patchbay.Alias{Export: name, Impl: impl})
		default:
			positional = append(positional, a)
		}
	}
	if len(positional) != 2 || len(aliases) == 0 {
		usage()
		return exitCLI
	}
	input, output := positional[0], positional[1]

	data, err := os.ReadFile(input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInput
	}
	out, err := patchbay.ExportAliases(data, aliases, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInput
	}
	return exitOK
}

func exportAliasFromDonor(args []string) int {
	var opts patchbay.Options
	var positional []string
	for _, a := range args {
		switch a {
		case "--allow-validate-fail":
			opts.AllowValidateFail = true
		case "--only-fun-java":
			opts.OnlyFunJava = true
		default:
			positional = append(positional, a)
		}
	}
	if len(positional) != 4 {
		usage()
		return exitCLI
	}
	input, donor, output, impl := positional[0], positional[1], positional[2], positional[3]

	data, err := os.ReadFile(input)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInput
	}
	donorData, err := os.ReadFile(donor)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInput
	}
	out, err := patchbay.ExportAliasesFromDonor(data, donorData, impl, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCode(err)
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitInput
	}
	return exitOK
}

func exitCode(err error) int {
	var in *vmerr.InputError
	if errors.As(err, &in) {
		return exitInput
	}
	return exitPatching
}

func usage() {
	fmt.Fprint(os.Stderr, `usage:
  patchbay-tool export_alias_patchbay INPUT OUTPUT [--allow-validate-fail] NAME=IMPL...
  patchbay-tool export_alias_from_patchbay INPUT DONOR OUTPUT IMPL [--allow-validate-fail] [--only-fun-java]
`)
}
