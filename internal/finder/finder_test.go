package finder

import (
	"os"
	"path/filepath"
	"testing"
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

func TestFinderClassifiesRootLike(t *testing.T) {
	root := t.TempDir()
	rfs := filepath.Join(root, "squashfs-root")
	// squashfs-root is an excluded name, so use a plain directory name
	rfs = filepath.Join(root, "fs1")

	for i := 0; i < 12; i++ {
		mkfile(t, filepath.Join(rfs, "bin", "tool"+string(rune('a'+i))), 10, true)
	}
	mkfile(t, filepath.Join(rfs, "etc", "passwd"), 5, false)
	mkfile(t, filepath.Join(rfs, "etc", "fstab"), 5, false)
	mkfile(t, filepath.Join(rfs, "lib", "libc.so"), 5, false)
	mkfile(t, filepath.Join(rfs, "usr", "share", "x"), 5, false)
	mkfile(t, filepath.Join(rfs, "var", "log", "x"), 5, false)

	f := New(root, 10, 2)
	cands := f.Run()

	found := false
	for _, c := range cands {
		if c.Path == rfs {
			found = true
			if !c.RootLike {
				t.Errorf("expected %s to be root-like", rfs)
			}
			if c.Executables < 10 {
				t.Errorf("expected at least 10 executables, got %d", c.Executables)
			}
		}
	}
	if !found {
		t.Fatalf("expected %s among candidates: %+v", rfs, cands)
	}
}

func TestFinderRejectsLowExecutableCount(t *testing.T) {
	root := t.TempDir()
	rfs := filepath.Join(root, "fs1")

	mkfile(t, filepath.Join(rfs, "bin", "sh"), 5, true)
	mkfile(t, filepath.Join(rfs, "etc", "passwd"), 5, false)
	mkfile(t, filepath.Join(rfs, "etc", "fstab"), 5, false)
	mkfile(t, filepath.Join(rfs, "lib", "libc.so"), 5, false)
	mkfile(t, filepath.Join(rfs, "usr", "share", "x"), 5, false)

	f := New(root, 10, 2)
	cands := f.Run()

	found := false
	for _, c := range cands {
		if c.Path == rfs {
			found = true
			if c.RootLike {
				t.Fatalf("expected %s to be demoted to auxiliary for too few executables, got %+v", rfs, c)
			}
		}
	}
	if !found {
		t.Fatalf("expected %s to still appear as an auxiliary candidate: %+v", rfs, cands)
	}
}

func TestFinderExcludesExtractionArtifacts(t *testing.T) {
	root := t.TempDir()
	excluded := filepath.Join(root, "foo_extract")
	for i := 0; i < 15; i++ {
		mkfile(t, filepath.Join(excluded, "bin", "tool"+string(rune('a'+i))), 10, true)
	}
	mkfile(t, filepath.Join(excluded, "etc", "passwd"), 5, false)
	mkfile(t, filepath.Join(excluded, "usr", "share", "x"), 5, false)

	f := New(root, 10, 2)
	cands := f.Run()
	// The scan root itself is still a (non-root-like) candidate record;
	// what must not appear is anything from inside the excluded subtree.
	if len(cands) != 1 || cands[0].Path != root {
		t.Fatalf("expected only the scan root as a candidate, got %+v", cands)
	}
	if cands[0].NFiles != 0 || cands[0].RootLike {
		t.Fatalf("expected the excluded subtree to be neither walked nor counted, got %+v", cands[0])
	}
}

func TestFinderOrdering(t *testing.T) {
	root := t.TempDir()

	big := filepath.Join(root, "big")
	for i := 0; i < 20; i++ {
		mkfile(t, filepath.Join(big, "bin", "tool"+string(rune('a'+i))), 1000, true)
	}
	mkfile(t, filepath.Join(big, "etc", "passwd"), 5, false)
	mkfile(t, filepath.Join(big, "etc", "fstab"), 5, false)
	mkfile(t, filepath.Join(big, "usr", "x"), 5, false)
	mkfile(t, filepath.Join(big, "var", "x"), 5, false)

	small := filepath.Join(root, "small")
	for i := 0; i < 10; i++ {
		mkfile(t, filepath.Join(small, "bin", "tool"+string(rune('a'+i))), 10, true)
	}
	mkfile(t, filepath.Join(small, "etc", "passwd"), 5, false)
	mkfile(t, filepath.Join(small, "etc", "fstab"), 5, false)
	mkfile(t, filepath.Join(small, "usr", "x"), 5, false)
	mkfile(t, filepath.Join(small, "var", "x"), 5, false)

	f := New(root, 10, 2)
	cands := f.Run()
	if len(cands) < 2 {
		t.Fatalf("expected at least 2 candidates, got %+v", cands)
	}
	if cands[0].Path != big {
		t.Fatalf("expected %s ranked first, got %+v", big, cands)
	}
}
