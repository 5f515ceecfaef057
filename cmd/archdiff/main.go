// Command archdiff reports how two rootfs tar.gz archives differ: the
// paths unique to each, paths that moved between them, and paths whose
// mode changed.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ivoronin/fwunify/internal/archdiff"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	root := newArchDiffCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type archDiffOptions struct {
	noPerms    bool
	noExamples bool
}

func newArchDiffCmd() *cobra.Command {
	opts := &archDiffOptions{}

	cmd := &cobra.Command{
		Use:     "archdiff <archive1> [<archive2>]",
		Short:   "Diff the file manifests of two rootfs archives",
		Version: version,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			a1, a2 := resolveArgs(args)
			return runArchDiff(a1, a2, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.noPerms, "no-perms", false, "Skip mode-change reporting")
	cmd.Flags().BoolVar(&opts.noExamples, "no-examples", false, "Only print counts, not the offending paths")

	return cmd
}

// resolveArgs implements the single-argument shortcut: passing a
// ".rootfs." archive alone diffs it against the same extractor run's
// first binwalk candidate, derived by substring replacement.
func resolveArgs(args []string) (string, string) {
	if len(args) == 2 {
		return args[0], args[1]
	}
	return args[0], strings.Replace(args[0], ".rootfs.", ".binwalk.0.", 1)
}

func runArchDiff(archive1, archive2 string, opts *archDiffOptions) error {
	details1, err := archdiff.ExtractDetails(archive1)
	if err != nil {
		return err
	}
	details2, err := archdiff.ExtractDetails(archive2)
	if err != nil {
		return err
	}

	result := archdiff.Diff(details1, details2)

	if len(result.UniqueToA) > 0 {
		fmt.Printf("%d paths unique to %s:\n", len(result.UniqueToA), archive1)
		if !opts.noExamples {
			for _, p := range result.UniqueToA {
				fmt.Printf("\t%s\n", p)
			}
		}
	}

	if len(result.UniqueToB) > 0 {
		fmt.Printf("%d paths unique to %s:\n", len(result.UniqueToB), archive2)
		if !opts.noExamples {
			for _, p := range result.UniqueToB {
				fmt.Printf("\t%s\n", p)
			}
		}
	}

	if len(result.Moved) > 0 {
		fmt.Printf("%d paths with the same content but a different location:\n", len(result.Moved))
		if !opts.noExamples {
			for _, m := range result.Moved {
				fmt.Printf("\t%s ==> %s\n", m.From, m.To)
			}
		}
	}

	if opts.noPerms {
		return nil
	}

	for path, modes := range result.PermDiffs {
		changes := archdiff.CompareModes(modes[0], modes[1])
		fmt.Printf("%s: %s -> %s (%s)\n", path, archdiff.FormatMode(modes[0]), archdiff.FormatMode(modes[1]), changes)
	}

	return nil
}
