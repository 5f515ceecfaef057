// Package types provides the shared data model for the unification
// pipeline: FilesystemInfo, the repository that owns it, and the mount
// map that the unifier searches over.
package types

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FilesystemInfo is the record the unifier operates on for a single
// candidate filesystem archive.
//
// Every key in Links is also a key in Paths. Every entry in References
// has already passed the reference-validity filter (internal/loader) by
// the time it lands here. FilesystemInfo is built once by the loader and
// is treated as immutable afterwards; callers must not mutate the maps
// directly.
type FilesystemInfo struct {
	Name       string
	Paths      map[string]struct{}
	Links      map[string]string
	References map[string]struct{}
	Size       int64
}

// NewFilesystemInfo creates an empty FilesystemInfo for the given archive
// name.
func NewFilesystemInfo(name string) *FilesystemInfo {
	return &FilesystemInfo{
		Name:       name,
		Paths:      make(map[string]struct{}),
		Links:      make(map[string]string),
		References: make(map[string]struct{}),
	}
}

// AddPath records a normalized member path. Panics if path does not
// start with "./" — an Invariant-violation per spec §7.
func (f *FilesystemInfo) AddPath(path string) {
	if !strings.HasPrefix(path, "./") {
		panic(fmt.Sprintf("types: path %q does not start with ./", path))
	}
	f.Paths[path] = struct{}{}
}

// AddLink records a symlink/hardlink target for path, which must already
// have been added via AddPath.
func (f *FilesystemInfo) AddLink(path, target string) {
	if _, ok := f.Paths[path]; !ok {
		panic(fmt.Sprintf("types: link %q added before its path", path))
	}
	f.Links[path] = target
}

// AddReference records an externally referenced path. Panics if the
// reference contains whitespace — callers (internal/loader) are expected
// to have applied the reference validity filter before calling this.
func (f *FilesystemInfo) AddReference(ref string) {
	if strings.ContainsAny(ref, " \t\n\r") {
		panic(fmt.Sprintf("types: reference %q contains whitespace", ref))
	}
	f.References[ref] = struct{}{}
}

// HasPath reports whether path is a member of this filesystem.
func (f *FilesystemInfo) HasPath(path string) bool {
	_, ok := f.Paths[path]
	return ok
}

// SortedPaths returns Paths in deterministic ascending order.
func (f *FilesystemInfo) SortedPaths() []string {
	out := make([]string, 0, len(f.Paths))
	for p := range f.Paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FilesystemRepository is a set of FilesystemInfo indexed by name.
// Single-writer during loading (guarded by mu); treated as read-only
// during unification, per spec §3.
type FilesystemRepository struct {
	mu          sync.Mutex
	filesystems map[string]*FilesystemInfo
}

// NewFilesystemRepository creates an empty repository.
func NewFilesystemRepository() *FilesystemRepository {
	return &FilesystemRepository{filesystems: make(map[string]*FilesystemInfo)}
}

// Put inserts or replaces a filesystem by name.
func (r *FilesystemRepository) Put(fs *FilesystemInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filesystems[fs.Name] = fs
}

// Get retrieves a filesystem by name, or nil if absent.
func (r *FilesystemRepository) Get(name string) *FilesystemInfo {
	return r.filesystems[name]
}

// Names returns all filesystem names in sorted order, so that every
// consumer iterating the repository observes the same order (spec §5,
// §9: "sort filesystem names before use as iteration keys").
func (r *FilesystemRepository) Names() []string {
	out := make([]string, 0, len(r.filesystems))
	for name := range r.filesystems {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of filesystems in the repository.
func (r *FilesystemRepository) Len() int { return len(r.filesystems) }

// MountMap is an ordered-by-convention mapping from mount point to
// filesystem name. "./" is the root mount. It is the unifier's search
// state: cheap to clone, compared only by the unifier's scoring.
type MountMap map[string]string

// Clone returns a shallow copy of the mount map, safe to mutate
// independently of the original.
func (m MountMap) Clone() MountMap {
	out := make(MountMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MountPoints returns the mount points sorted by descending length, the
// order required to compute shadowing correctly (spec §4.3.6: "process
// mount points in order of descending mount-point length").
func (m MountMap) MountPoints() []string {
	out := make([]string, 0, len(m))
	for mp := range m {
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// Filesystems returns the set of filesystem names currently mounted.
func (m MountMap) Filesystems() map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for _, name := range m {
		out[name] = struct{}{}
	}
	return out
}

// Semaphore bounds the number of concurrent goroutines performing some
// operation, the same shape used throughout dupedog's scanner/verifier
// worker pools and reused here by internal/finder and internal/loader.
type Semaphore chan struct{}

// NewSemaphore creates a Semaphore allowing up to n concurrent holders.
// n<=0 is treated as 1.
func NewSemaphore(n int) Semaphore {
	if n <= 0 {
		n = 1
	}
	return make(Semaphore, n)
}

// Acquire blocks until a slot is available.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot.
func (s Semaphore) Release() { <-s }
