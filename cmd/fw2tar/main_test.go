package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ivoronin/fwunify/internal/types"
	"github.com/ivoronin/fwunify/internal/unifier"
)

func mkfile(t *testing.T, path string, size int, exec bool) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	if exec {
		if err := os.Chmod(path, 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func countArchives(t *testing.T, archiveDir, pattern string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(archiveDir, pattern))
	if err != nil {
		t.Fatal(err)
	}
	return len(matches)
}

// TestArchiveCandidatesCapsSecondaryLimit exercises a directory with
// both a root-like candidate and several auxiliary (non-root-like)
// ones, proving --secondary_limit actually truncates the auxiliary
// group instead of being a no-op.
func TestArchiveCandidatesCapsSecondaryLimit(t *testing.T) {
	root := t.TempDir()
	outputDir := filepath.Join(root, "extracted")

	rfs := filepath.Join(outputDir, "rootfs")
	for i := 0; i < 12; i++ {
		mkfile(t, filepath.Join(rfs, "bin", "tool"+string(rune('a'+i))), 10, true)
	}
	mkfile(t, filepath.Join(rfs, "etc", "passwd"), 5, false)
	mkfile(t, filepath.Join(rfs, "etc", "fstab"), 5, false)
	mkfile(t, filepath.Join(rfs, "lib", "libc.so"), 5, false)
	mkfile(t, filepath.Join(rfs, "usr", "share", "x"), 5, false)
	mkfile(t, filepath.Join(rfs, "var", "log", "x"), 5, false)

	for i := 0; i < 5; i++ {
		mkfile(t, filepath.Join(outputDir, "aux"+string(rune('0'+i)), "data.bin"), 5, false)
	}

	outfileBase := filepath.Join(root, "firmware")
	opts := &fw2tarOptions{primaryLimit: 5, secondaryLimit: 2, workers: 2}

	archiveDir, archives, err := archiveCandidates("unblob", outputDir, outfileBase, opts)
	if err != nil {
		t.Fatal(err)
	}
	if archiveDir != root {
		t.Fatalf("archiveDir = %q, want %q", archiveDir, root)
	}

	// 1 root-like candidate + secondaryLimit(2) auxiliary ones, not all
	// of the (at least 6) auxiliary candidates the tree actually has.
	if len(archives) != 3 {
		t.Fatalf("expected secondary_limit to cap auxiliary archives to 2 (3 total), got %d: %v", len(archives), archives)
	}
	if got := countArchives(t, root, "firmware.unblob.*.tar.gz"); got != 3 {
		t.Fatalf("expected 3 archive files on disk, found %d", got)
	}
}

func TestDecideNoFsWhenNoExtractorSucceeded(t *testing.T) {
	reason, _, _ := decide([]string{"unblob", "binwalk"}, map[string]unifier.Result{}, map[string]bool{})
	if reason != "nofs" {
		t.Fatalf("reason = %q, want nofs", reason)
	}
}

func TestDecideOnlyExtractorWhenExactlyOneSucceeded(t *testing.T) {
	branches := map[string]unifier.Result{
		"unblob": {Mounts: types.MountMap{"./": "root.tar.gz"}, Score: 10},
	}
	ok := map[string]bool{"unblob": true}

	reason, result, name := decide([]string{"unblob", "binwalk"}, branches, ok)
	if reason != "only_unblob" {
		t.Fatalf("reason = %q, want only_unblob", reason)
	}
	if name != "unblob" || result.Score != 10 {
		t.Fatalf("unexpected winner: %q %+v", name, result)
	}
}

func TestDecideIdenticalWhenMountsAndScoresMatch(t *testing.T) {
	mounts := types.MountMap{"./": "root.tar.gz", "./mnt/": "overlay.tar.gz"}
	branches := map[string]unifier.Result{
		"unblob":  {Mounts: mounts, Score: 20},
		"binwalk": {Mounts: mounts, Score: 20},
	}
	ok := map[string]bool{"unblob": true, "binwalk": true}

	reason, _, _ := decide([]string{"unblob", "binwalk"}, branches, ok)
	if reason != "identical" {
		t.Fatalf("reason = %q, want identical", reason)
	}
}

func TestDecideDistinctFileCountWhenOnlyScoreDiffers(t *testing.T) {
	mounts := types.MountMap{"./": "root.tar.gz"}
	branches := map[string]unifier.Result{
		"unblob":  {Mounts: mounts, Score: 20},
		"binwalk": {Mounts: mounts, Score: 25},
	}
	ok := map[string]bool{"unblob": true, "binwalk": true}

	reason, _, winner := decide([]string{"unblob", "binwalk"}, branches, ok)
	if reason != "distinct_file_count_binwalk" {
		t.Fatalf("reason = %q, want distinct_file_count_binwalk", reason)
	}
	if winner != "binwalk" {
		t.Fatalf("winner = %q, want binwalk (higher score)", winner)
	}
}

func TestDecideDistinctWhenMountsDiffer(t *testing.T) {
	branches := map[string]unifier.Result{
		"unblob":  {Mounts: types.MountMap{"./": "root.tar.gz"}, Score: 20},
		"binwalk": {Mounts: types.MountMap{"./": "root.tar.gz", "./mnt/": "x.tar.gz"}, Score: 22},
	}
	ok := map[string]bool{"unblob": true, "binwalk": true}

	reason, _, winner := decide([]string{"unblob", "binwalk"}, branches, ok)
	if reason != "distinct" {
		t.Fatalf("reason = %q, want distinct", reason)
	}
	if winner != "binwalk" {
		t.Fatalf("winner = %q, want binwalk (higher score)", winner)
	}
}
