// Command fw2tar runs the full pipeline from a firmware blob to a
// single unified rootfs archive: extract (unblob/binwalk) → find
// candidate filesystems → archive each → unify → render (spec §2, §6).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ivoronin/fwunify/internal/archiver"
	"github.com/ivoronin/fwunify/internal/cache"
	"github.com/ivoronin/fwunify/internal/extractor"
	"github.com/ivoronin/fwunify/internal/finder"
	"github.com/ivoronin/fwunify/internal/loader"
	"github.com/ivoronin/fwunify/internal/renderer"
	"github.com/ivoronin/fwunify/internal/types"
	"github.com/ivoronin/fwunify/internal/unifier"
)

var version = "dev"

func main() {
	// Rendered file modes come straight from tar headers written through
	// os.MkdirAll/os.OpenFile; an inherited umask would silently mask
	// bits out of them before internal/archiver reads them back (spec §6).
	syscall.Umask(0)
	os.Exit(run())
}

func run() int {
	root := newFw2TarCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

type fw2tarOptions struct {
	extractors     string
	scratchDir     string
	verbose        bool
	primaryLimit   int
	secondaryLimit int
	force          bool
	workers        int
}

func newFw2TarCmd() *cobra.Command {
	opts := &fw2tarOptions{
		extractors:     "unblob,binwalk",
		primaryLimit:   5,
		secondaryLimit: 5,
		workers:        runtime.NumCPU(),
	}

	cmd := &cobra.Command{
		Use:     "fw2tar <infile> [<outfile_base>] [<scratch_dir>]",
		Short:   "Extract and unify a firmware image into a single rootfs archive",
		Version: version,
		Args:    cobra.RangeArgs(1, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			infile := args[0]
			outfileBase := strings.TrimSuffix(filepath.Base(infile), filepath.Ext(infile))
			outfileBase = filepath.Join(filepath.Dir(infile), outfileBase)
			if len(args) >= 2 {
				outfileBase = args[1]
			}
			if len(args) == 3 {
				opts.scratchDir = args[2]
			}
			return runFw2Tar(infile, outfileBase, opts)
		},
	}

	cmd.Flags().StringVar(&opts.extractors, "extractors", opts.extractors, "Comma-separated extractors to run (unblob,binwalk)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print extractor and unification progress")
	cmd.Flags().IntVar(&opts.primaryLimit, "primary_limit", opts.primaryLimit, "Max root-like candidates archived per extractor")
	cmd.Flags().IntVar(&opts.secondaryLimit, "secondary_limit", opts.secondaryLimit, "Max non-root-like candidates archived per extractor")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite existing output files")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel workers for loading/finding")

	return cmd
}

func runFw2Tar(infile, outfileBase string, opts *fw2tarOptions) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("fw2tar requires effective UID 0 (run under fakeroot if unprivileged)")
	}

	scratchDir := opts.scratchDir
	if scratchDir == "" {
		var err error
		scratchDir, err = os.MkdirTemp("", "fw2tar-*")
		if err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(scratchDir) }()
	}

	extractors := strings.Split(opts.extractors, ",")
	for i := range extractors {
		extractors[i] = strings.TrimSpace(extractors[i])
	}

	if opts.verbose {
		fmt.Fprintf(os.Stderr, "extracting %s with %s...\n", infile, strings.Join(extractors, ", "))
	}

	ctx := context.Background()
	extractResults, err := extractor.Run(ctx, infile, extractors, scratchDir, extractor.DefaultMaxWait, extractor.DefaultFollowUpWait)
	if err != nil {
		return err
	}

	branches := make(map[string]unifier.Result)
	branchOK := make(map[string]bool)

	for _, er := range extractResults {
		if er.Err != nil {
			fmt.Fprintf(os.Stderr, "error: extractor %s: %v\n", er.Extractor, er.Err)
			continue
		}

		archiveDir, archives, err := archiveCandidates(er.Extractor, er.OutputDir, outfileBase, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", er.Extractor, err)
			continue
		}
		if len(archives) == 0 {
			continue
		}

		repo := types.NewFilesystemRepository()
		c, err := cache.Open("")
		if err != nil {
			return err
		}
		errs := make(chan error, 100)
		go func() {
			for e := range errs {
				fmt.Fprintf(os.Stderr, "error: %v\n", e)
			}
		}()
		loader.LoadAll(repo, archives, opts.workers, opts.verbose, errs, c)
		close(errs)
		_ = c.Close()

		result, ok := unifier.Unify(repo)
		if !ok {
			continue
		}

		branchOut := fmt.Sprintf("%s.%s.rootfs.tar.gz", outfileBase, er.Extractor)
		if opts.force {
			_ = os.Remove(branchOut)
		}
		if err := renderer.Render(repo, result.Mounts, archiveDir, branchOut); err != nil {
			fmt.Fprintf(os.Stderr, "error: render %s branch: %v\n", er.Extractor, err)
			continue
		}

		branches[er.Extractor] = result
		branchOK[er.Extractor] = true
	}

	reason, bestResult, bestExtractor := decide(extractors, branches, branchOK)

	outPath := outfileBase + ".rootfs.tar.gz"
	if reason != "nofs" {
		src := fmt.Sprintf("%s.%s.rootfs.tar.gz", outfileBase, bestExtractor)
		if opts.force {
			_ = os.Remove(outPath)
		} else if _, err := os.Stat(outPath); err == nil {
			return fmt.Errorf("%s: %w", outPath, renderer.ErrOutputExists)
		}
		if err := os.Rename(src, outPath); err != nil {
			return fmt.Errorf("promote best candidate: %w", err)
		}
		for _, mp := range bestResult.Mounts.MountPoints() {
			fmt.Printf("%s: %s\n", mp, bestResult.Mounts[mp])
		}
	}

	if err := os.WriteFile(outfileBase+".txt", []byte(reason+"\n"), 0o644); err != nil {
		return fmt.Errorf("write decision file: %w", err)
	}

	if reason == "nofs" {
		return fmt.Errorf("no candidate filesystem qualified as a root in any extractor branch")
	}
	return nil
}

// archiveCandidates runs the finder over an extractor's output directory
// and archives the top primaryLimit root-like and secondaryLimit
// non-root-like candidates as <outfile_base>.<extractor>.<idx>.tar.gz.
func archiveCandidates(extractorName, outputDir, outfileBase string, opts *fw2tarOptions) (string, []string, error) {
	candidates := finder.New(outputDir, 0, opts.workers).Run()

	var rootLike, other []finder.Candidate
	for _, c := range candidates {
		if c.RootLike {
			rootLike = append(rootLike, c)
		} else {
			other = append(other, c)
		}
	}
	if len(rootLike) > opts.primaryLimit {
		rootLike = rootLike[:opts.primaryLimit]
	}
	if len(other) > opts.secondaryLimit {
		other = other[:opts.secondaryLimit]
	}
	selected := append(rootLike, other...)

	archiveDir := filepath.Dir(outfileBase)
	var archives []string
	for idx, c := range selected {
		out := fmt.Sprintf("%s.%s.%d.tar.gz", outfileBase, extractorName, idx)
		if err := archiver.WriteDeterministicTarGz(c.Path, out); err != nil {
			return "", nil, fmt.Errorf("archive candidate %d: %w", idx, err)
		}
		archives = append(archives, out)
	}
	return archiveDir, archives, nil
}

// decide computes the §6 decision-reason string by comparing the best
// mount map produced by each extractor branch.
func decide(extractors []string, branches map[string]unifier.Result, ok map[string]bool) (string, unifier.Result, string) {
	var succeeded []string
	for _, e := range extractors {
		if ok[e] {
			succeeded = append(succeeded, e)
		}
	}

	if len(succeeded) == 0 {
		return "nofs", unifier.Result{}, ""
	}
	if len(succeeded) == 1 {
		return "only_" + succeeded[0], branches[succeeded[0]], succeeded[0]
	}

	first := branches[succeeded[0]]
	allIdentical := true
	var diffTags []string
	var fileCountDiffExtractor string

	for _, e := range succeeded[1:] {
		r := branches[e]
		if !mountMapsEqual(first.Mounts, r.Mounts) {
			allIdentical = false
			diffTags = append(diffTags, "mountpoints")
		}
		if first.Score != r.Score {
			allIdentical = false
			fileCountDiffExtractor = e
		}
	}

	if allIdentical {
		return "identical", best(succeeded, branches), succeeded[0]
	}
	if fileCountDiffExtractor != "" && len(diffTags) == 0 {
		return "distinct_file_count_" + fileCountDiffExtractor, best(succeeded, branches), bestExtractorName(succeeded, branches)
	}
	return "distinct", best(succeeded, branches), bestExtractorName(succeeded, branches)
}

func mountMapsEqual(a, b types.MountMap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// best returns the highest-scoring branch result across succeeded
// extractors.
func best(succeeded []string, branches map[string]unifier.Result) unifier.Result {
	bestName := bestExtractorName(succeeded, branches)
	return branches[bestName]
}

func bestExtractorName(succeeded []string, branches map[string]unifier.Result) string {
	bestName := succeeded[0]
	for _, e := range succeeded[1:] {
		if branches[e].Score > branches[bestName].Score {
			bestName = e
		}
	}
	return bestName
}
