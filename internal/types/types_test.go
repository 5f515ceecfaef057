package types

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddPathRejectsMissingPrefix(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for path without ./ prefix")
		}
	}()
	fs := NewFilesystemInfo("root.tar.gz")
	fs.AddPath("bin/sh")
}

func TestAddLinkRequiresExistingPath(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for link added before its path")
		}
	}()
	fs := NewFilesystemInfo("root.tar.gz")
	fs.AddLink("./etc", "./config")
}

func TestAddLinkAfterPath(t *testing.T) {
	fs := NewFilesystemInfo("root.tar.gz")
	fs.AddPath("./etc")
	fs.AddLink("./etc", "./config")
	if fs.Links["./etc"] != "./config" {
		t.Fatalf("link not recorded")
	}
}

func TestAddReferenceRejectsWhitespace(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for whitespace reference")
		}
	}()
	fs := NewFilesystemInfo("root.tar.gz")
	fs.AddReference("/a b/c")
}

func TestRepositoryNamesSorted(t *testing.T) {
	repo := NewFilesystemRepository()
	repo.Put(NewFilesystemInfo("zebra.tar.gz"))
	repo.Put(NewFilesystemInfo("alpha.tar.gz"))
	repo.Put(NewFilesystemInfo("mango.tar.gz"))

	names := repo.Names()
	want := []string{"alpha.tar.gz", "mango.tar.gz", "zebra.tar.gz"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}

func TestMountMapMountPointsOrderedByDescendingLength(t *testing.T) {
	m := MountMap{
		"./":      "root.tar.gz",
		"./mnt/":  "second.tar.gz",
		"./etc/":  "third.tar.gz",
		"./mnt/a/": "fourth.tar.gz",
	}
	mps := m.MountPoints()
	for i := 1; i < len(mps); i++ {
		if len(mps[i-1]) < len(mps[i]) {
			t.Fatalf("MountPoints() not sorted by descending length: %v", mps)
		}
	}
	if mps[0] != "./mnt/a/" {
		t.Fatalf("expected longest mount point first, got %v", mps)
	}
}

func TestMountMapCloneIndependent(t *testing.T) {
	m := MountMap{"./": "root.tar.gz"}
	c := m.Clone()
	c["./mnt/"] = "second.tar.gz"
	if _, ok := m["./mnt/"]; ok {
		t.Fatal("clone mutation leaked into original")
	}
}

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)
	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()

			n := atomic.AddInt32(&inFlight, 1)
			for {
				max := atomic.LoadInt32(&maxSeen)
				if n <= max || atomic.CompareAndSwapInt32(&maxSeen, max, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	if maxSeen > 2 {
		t.Fatalf("semaphore allowed %d concurrent holders, want <= 2", maxSeen)
	}
}
