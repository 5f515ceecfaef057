package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ivoronin/fwunify/internal/types"
)

func sampleFilesystem() *types.FilesystemInfo {
	fs := types.NewFilesystemInfo("root.tar.gz")
	fs.AddPath("./etc")
	fs.AddPath("./etc/passwd")
	fs.AddPath("./bin/sh")
	fs.AddLink("./bin/sh", "busybox")
	fs.AddReference("/usr/lib/libfoo.so.1")
	fs.Size = 4096
	return fs
}

func TestDisabledCacheIsNoop(t *testing.T) {
	c, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	mt := time.Unix(1000, 0)
	c.StoreFilesystem(sampleFilesystem(), 4096, mt)
	if _, ok := c.LookupFilesystem("root.tar.gz", 4096, mt); ok {
		t.Fatal("expected no hit from a disabled cache")
	}
}

func TestStoreThenLookupWithinSameSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loader.db")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	mt := time.Unix(1000, 0)
	want := sampleFilesystem()
	c.StoreFilesystem(want, 4096, mt)

	got, ok := c.LookupFilesystem("root.tar.gz", 4096, mt)
	if !ok {
		t.Fatal("expected a hit after storing in the same session's write database")
	}
	assertSameFilesystem(t, want, got)
}

func TestCachePersistsAcrossSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loader.db")
	mt := time.Unix(1000, 0)
	want := sampleFilesystem()

	c1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c1.StoreFilesystem(want, 4096, mt)
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c2.Close() }()

	got, ok := c2.LookupFilesystem("root.tar.gz", 4096, mt)
	if !ok {
		t.Fatal("expected a hit from the persisted database")
	}
	assertSameFilesystem(t, want, got)
}

func TestLookupMissesOnSizeOrMtimeChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loader.db")
	mt := time.Unix(1000, 0)

	c1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	c1.StoreFilesystem(sampleFilesystem(), 4096, mt)
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c2.Close() }()

	if _, ok := c2.LookupFilesystem("root.tar.gz", 4097, mt); ok {
		t.Fatal("expected a size change to invalidate the cache entry")
	}
	if _, ok := c2.LookupFilesystem("root.tar.gz", 4096, mt.Add(time.Second)); ok {
		t.Fatal("expected an mtime change to invalidate the cache entry")
	}
}

func TestOnlyLookedUpEntriesSurviveSelfCleaning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loader.db")
	mt := time.Unix(1000, 0)

	c1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	stale := types.NewFilesystemInfo("stale.tar.gz")
	stale.AddPath("./etc")
	c1.StoreFilesystem(stale, 10, mt)
	if err := c1.Close(); err != nil {
		t.Fatal(err)
	}

	// Second session never looks up stale.tar.gz: it must not survive
	// into the next generation of the database.
	c2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := c2.Close(); err != nil {
		t.Fatal(err)
	}

	c3, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c3.Close() }()

	if _, ok := c3.LookupFilesystem("stale.tar.gz", 10, mt); ok {
		t.Fatal("expected an entry never looked up in the prior session to be dropped")
	}
}

func assertSameFilesystem(t *testing.T, want, got *types.FilesystemInfo) {
	t.Helper()
	if got.Name != want.Name {
		t.Fatalf("Name = %q, want %q", got.Name, want.Name)
	}
	if got.Size != want.Size {
		t.Fatalf("Size = %d, want %d", got.Size, want.Size)
	}
	for p := range want.Paths {
		if !got.HasPath(p) {
			t.Fatalf("missing path %q after round-trip", p)
		}
	}
	for p, target := range want.Links {
		if got.Links[p] != target {
			t.Fatalf("link %q = %q, want %q", p, got.Links[p], target)
		}
	}
	for ref := range want.References {
		if _, ok := got.References[ref]; !ok {
			t.Fatalf("missing reference %q after round-trip", ref)
		}
	}
}
