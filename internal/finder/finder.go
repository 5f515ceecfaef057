// Package finder walks extractor output and ranks plausible root
// filesystems.
//
// # Architecture Overview
//
// Mirrors the fan-out/fan-in directory walk used by dupedog's scanner,
// generalized from "collect matching files" to "collect per-directory
// cumulative stats, bottom-up." Each directory is visited by its own
// goroutine, bounded by a semaphore; a directory's goroutine waits for
// its children's goroutines (via their returned stats) before computing
// its own root-like classification and cumulative totals, so stats
// naturally aggregate from leaves to root without a separate collector
// stage.
//
// # Why This Design?
//
//   - Semaphore bounds concurrent directory reads, as in dupedog's walker.
//   - Stats aggregate on the call stack (post-order), no shared counters
//     needed across directories — only the result slice is shared.
//   - A mutex-guarded slice collects candidates (spec's "synchronized
//     shared list" pattern).
package finder

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/ivoronin/fwunify/internal/types"
)

// Candidate is one directory considered as a potential filesystem.
type Candidate struct {
	Path        string
	Size        int64
	NFiles      int
	Executables int
	RootLike    bool
}

var excludedSuffixes = []string{
	"_extract", ".uncompressed", ".unknown", "0.tar", "cpio-root", "squashfs-root",
}

var excludedPrefixes = []string{"squashfs-root-", "cpio-root-"}

var keyDirs = []string{"bin", "etc", "lib", "usr", "var"}
var criticalFiles = []string{"bin/sh", "etc/passwd"}

// minRequiredMarkers is ceil((len(keyDirs)+len(criticalFiles))/2), per
// spec §4.1: 4 for the current marker lists.
var minRequiredMarkers = (len(keyDirs) + len(criticalFiles) + 1) / 2

// Finder walks a directory tree and ranks candidate filesystems.
//
// Designed for single-use: create with New, call Run once.
type Finder struct {
	root           string
	minExecutables int
	workers        int

	sem     types.Semaphore
	mu      sync.Mutex
	results []Candidate
}

// New creates a Finder over root. minExecutables is the minimum
// execute-bit-set file count required for a root-like candidate to
// survive (default 10 when <= 0). workers bounds concurrent directory
// reads.
func New(root string, minExecutables, workers int) *Finder {
	if minExecutables <= 0 {
		minExecutables = 10
	}
	if workers <= 0 {
		workers = 1
	}
	return &Finder{root: root, minExecutables: minExecutables, workers: workers}
}

// Run walks the tree and returns candidates ordered by (RootLike desc,
// Executables desc, Size desc), per spec §4.1.
func (f *Finder) Run() []Candidate {
	f.sem = types.NewSemaphore(f.workers)
	f.results = nil

	_, _ = f.walk(f.root)

	out := make([]Candidate, len(f.results))
	copy(out, f.results)
	sort.Slice(out, func(i, j int) bool {
		if out[i].RootLike != out[j].RootLike {
			return out[i].RootLike
		}
		if out[i].Executables != out[j].Executables {
			return out[i].Executables > out[j].Executables
		}
		return out[i].Size > out[j].Size
	})
	return out
}

type dirStats struct {
	size   int64
	nfiles int
	execs  int
}

// walk computes cumulative stats for dir, recursing into subdirectories
// (bounded by f.sem) and skipping excluded/symlinked entries per spec.
// I/O errors on individual entries are IO-skip: logged nowhere (no error
// channel in this simplified candidate-walk — matches the "skip the
// entry and continue" contract without a caller-visible side channel,
// since the original fw2tar.py walk silently absorbs FileNotFoundError
// the same way).
func (f *Finder) walk(dir string) (dirStats, bool) {
	f.sem.Acquire()
	entries, err := os.ReadDir(dir)
	f.sem.Release()
	if err != nil {
		return dirStats{}, false
	}

	var stats dirStats
	var subdirs, topDirs, topFiles []string

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, entry := range entries {
		name := entry.Name()
		if isExcludedName(name) {
			continue
		}
		full := filepath.Join(dir, name)

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.Mode()&os.ModeSymlink != 0 {
			mu.Lock()
			stats.nfiles++
			stats.size += info.Size()
			topFiles = append(topFiles, name)
			mu.Unlock()
			continue
		}

		if entry.IsDir() {
			subdirs = append(subdirs, full)
			topDirs = append(topDirs, name)
			continue
		}

		stats.nfiles++
		stats.size += info.Size()
		if info.Mode()&0o111 != 0 {
			stats.execs++
		}
		topFiles = append(topFiles, name)
	}

	childStats := make([]dirStats, len(subdirs))
	for i, sub := range subdirs {
		wg.Add(1)
		go func(i int, sub string) {
			defer wg.Done()
			s, ok := f.walk(sub)
			if ok {
				mu.Lock()
				childStats[i] = s
				mu.Unlock()
			}
		}(i, sub)
	}
	wg.Wait()

	for _, cs := range childStats {
		stats.size += cs.size
		stats.nfiles += cs.nfiles
		stats.execs += cs.execs
	}

	// Every walked directory becomes a candidate record; only the
	// root-like classification is executable-gated (spec §4.1: "reject
	// root-like candidates with fewer executables than the threshold"
	// demotes a marker-qualifying directory to auxiliary, it doesn't
	// drop the record).
	rootLike := f.isRootLike(dir, topDirs) && stats.execs >= f.minExecutables
	f.mu.Lock()
	f.results = append(f.results, Candidate{
		Path:        dir,
		Size:        stats.size,
		NFiles:      stats.nfiles,
		Executables: stats.execs,
		RootLike:    rootLike,
	})
	f.mu.Unlock()

	return stats, true
}

// isRootLike checks the marker threshold against this directory's
// direct subdirectory names and the presence of critical files, per
// spec §4.1.
func (f *Finder) isRootLike(dir string, topDirs []string) bool {
	present := make(map[string]struct{}, len(topDirs))
	for _, d := range topDirs {
		present[d] = struct{}{}
	}

	count := 0
	for _, kd := range keyDirs {
		if _, ok := present[kd]; ok {
			count++
		}
	}
	for _, cf := range criticalFiles {
		if _, err := os.Stat(filepath.Join(dir, cf)); err == nil {
			count++
		}
	}

	return count >= minRequiredMarkers
}

func isExcludedName(name string) bool {
	for _, suf := range excludedSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	for _, pre := range excludedPrefixes {
		if strings.HasPrefix(name, pre) {
			return true
		}
	}
	return false
}

// String renders a Candidate for CLI summaries.
func (c Candidate) String() string {
	return c.Path + ": " + strconv.FormatInt(c.Size, 10) + " bytes, " +
		strconv.Itoa(c.NFiles) + " files, " + strconv.Itoa(c.Executables) + " executables"
}
