// Command unify assembles a single root filesystem from a directory of
// per-candidate tar.gz archives (spec §6).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ivoronin/fwunify/internal/cache"
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
	root := newUnifyCmd()
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

type unifyOptions struct {
	workers    int
	cacheFile  string
	force      bool
	noProgress bool
}

func newUnifyCmd() *cobra.Command {
	opts := &unifyOptions{workers: runtime.NumCPU()}

	cmd := &cobra.Command{
		Use:     "unify <input_path> <output_path> [<tmp_dir>]",
		Short:   "Unify firmware candidate filesystems into one rootfs archive",
		Version: version,
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(_ *cobra.Command, args []string) error {
			tmpDir := ""
			if len(args) == 3 {
				tmpDir = args[2]
			}
			return runUnify(args[0], args[1], tmpDir, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel workers")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to loader cache file (enables caching)")
	cmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite the output archive if it already exists")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")

	return cmd
}

// drainErrors consumes errors from a channel and writes them to stderr.
func drainErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "\r\033[Kerror: %v\n", err)
	}
}

func runUnify(inputPath, outputPath, tmpDir string, opts *unifyOptions) error {
	if tmpDir != "" {
		if err := os.MkdirAll(tmpDir, 0o755); err != nil {
			return fmt.Errorf("create tmp dir: %w", err)
		}
		if err := os.Setenv("TMPDIR", tmpDir); err != nil {
			return fmt.Errorf("set TMPDIR: %w", err)
		}
	}

	archiveDir, archives, err := discoverArchives(inputPath)
	if err != nil {
		return fmt.Errorf("discover candidate archives: %w", err)
	}
	if len(archives) == 0 {
		return fmt.Errorf("no candidate archives found under %s", inputPath)
	}

	c, err := cache.Open(opts.cacheFile)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() { _ = c.Close() }()

	showProgress := !opts.noProgress

	errs := make(chan error, 100)
	go drainErrors(errs)
	defer close(errs)

	repo := types.NewFilesystemRepository()
	loader.LoadAll(repo, archives, opts.workers, showProgress, errs, c)

	result, ok := unifier.Unify(repo)
	if !ok {
		return fmt.Errorf("no candidate filesystem qualifies as a root")
	}

	if opts.force {
		if rmErr := os.Remove(outputPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove existing output: %w", rmErr)
		}
	}

	if err := renderer.Render(repo, result.Mounts, archiveDir, outputPath); err != nil {
		return fmt.Errorf("render output: %w", err)
	}

	for _, mp := range result.Mounts.MountPoints() {
		fmt.Printf("%s: %s\n", mp, result.Mounts[mp])
	}

	return nil
}

// discoverArchives resolves input_path per spec §6: a directory is
// globbed directly; a single archive file has its directory scanned
// using a glob base derived by stripping the archive's trailing
// extension group (".tar.gz", plus a numeric candidate index if
// present, matching fw2tar's <base>.<extractor>.<idx>.tar.gz naming).
func discoverArchives(inputPath string) (string, []string, error) {
	info, err := os.Stat(inputPath)
	if err != nil {
		return "", nil, err
	}

	if info.IsDir() {
		matches, err := filepath.Glob(filepath.Join(inputPath, "*.tar.gz"))
		if err != nil {
			return "", nil, err
		}
		return inputPath, matches, nil
	}

	dir := filepath.Dir(inputPath)
	base := globBase(filepath.Base(inputPath))

	matches, err := filepath.Glob(filepath.Join(dir, base+"*.tar.gz"))
	if err != nil {
		return "", nil, err
	}
	if len(matches) == 0 {
		matches, err = filepath.Glob(filepath.Join(dir, "*.tar.gz"))
		if err != nil {
			return "", nil, err
		}
	}
	return dir, matches, nil
}

// globBase strips name's ".tar.gz" suffix, then a further trailing
// ".<digits>" candidate index if present.
func globBase(name string) string {
	name = strings.TrimSuffix(name, ".tar.gz")
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		if _, err := strconv.Atoi(name[idx+1:]); err == nil {
			name = name[:idx]
		}
	}
	return name
}
