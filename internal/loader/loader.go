// Package loader reads per-candidate tar.gz archives into
// types.FilesystemInfo, extracting symlinks and scanning file contents
// for referenced paths (spec §4.2).
package loader

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ivoronin/fwunify/internal/cache"
	"github.com/ivoronin/fwunify/internal/progress"
	"github.com/ivoronin/fwunify/internal/types"
)

var htmlLikeSuffixes = []string{".html", ".htm", ".css", ".js"}

// Load reads a single tar.gz archive at path and populates repo with a
// FilesystemInfo named after the archive's base name.
func Load(repo *types.FilesystemRepository, archivePath string, c *cache.Cache) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%s: %w", archivePath, err)
	}
	defer func() { _ = gz.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	name := path.Base(archivePath)
	if cached, ok := c.LookupFilesystem(name, info.Size(), info.ModTime()); ok {
		repo.Put(cached)
		return nil
	}

	fs := types.NewFilesystemInfo(name)
	tr := tar.NewReader(gz)

	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: %w", archivePath, err)
		}
		total += hdr.Size

		member := normalizeMemberName(hdr.Name)
		if member == "." || member == "./" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			fs.AddPath(member)
			fs.AddLink(member, hdr.Linkname)
		case tar.TypeReg:
			fs.AddPath(member)
			content, err := io.ReadAll(io.LimitReader(tr, hdr.Size))
			if err != nil {
				continue // IO-skip: malformed member
			}
			for _, ref := range extractReferences(member, content) {
				safeAddReference(fs, ref)
			}
		case tar.TypeDir:
			fs.AddPath(member)
		default:
			// char/block/fifo: ignored, per spec §4.2
		}
	}
	fs.Size = total

	c.StoreFilesystem(fs, info.Size(), info.ModTime())
	repo.Put(fs)
	return nil
}

// safeAddReference guards against the rare path where a regex match
// happens to contain whitespace despite the validity filter (it
// shouldn't, given the filter's own whitespace check, but AddReference
// treats that as an Invariant-violation per spec §7, so callers that
// feed externally derived strings recover rather than crash the whole
// load).
func safeAddReference(fs *types.FilesystemInfo, ref string) {
	defer func() { _ = recover() }()
	fs.AddReference(ref)
}

// normalizeMemberName converts a tar member name into the archive-
// relative "./..." form used throughout the data model, with no
// trailing slash (spec §3).
func normalizeMemberName(name string) string {
	name = strings.TrimSuffix(name, "/")
	if name == "" || name == "." {
		return "./"
	}
	if strings.HasPrefix(name, "./") {
		return name
	}
	if strings.HasPrefix(name, "/") {
		return "." + name
	}
	return "./" + name
}

// extractReferences implements spec §4.2's reference-extraction
// algorithm for one file's content: ELF dynamic-section references
// when the content is an ELF file, the validated-regex string scan
// otherwise.
func extractReferences(memberName string, content []byte) []string {
	if len(content) >= 4 && string(content[:4]) == string(elfMagic) {
		if refs, err := parseELFReferences(content); err == nil {
			var out []string
			for _, r := range refs.references() {
				if isValidReference(r) {
					out = append(out, r)
				}
			}
			return out
		}
		// ELF-parse failure: fall through to string scan, per spec §7.
	}

	lower := strings.ToLower(memberName)
	for _, suf := range htmlLikeSuffixes {
		if strings.HasSuffix(lower, suf) {
			return nil
		}
	}

	if !utf8.Valid(content) {
		return nil
	}

	return extractRegexReferences(string(content))
}

// LoadAll loads every archive in archives into repo, in parallel up to
// workers concurrent archive reads — the same bounded fan-out shape as
// dupedog's verifier worker pool, applied across archives rather than
// across byte ranges of one file (a single tar stream is read
// sequentially, per spec §5).
func LoadAll(repo *types.FilesystemRepository, archives []string, workers int, showProgress bool, errCh chan<- error, c *cache.Cache) {
	if workers <= 0 {
		workers = 1
	}
	sem := types.NewSemaphore(workers)
	bar := progress.New(showProgress, int64(len(archives)))

	var wg sync.WaitGroup
	var mu sync.Mutex
	loaded := 0

	for _, a := range archives {
		wg.Add(1)
		go func(a string) {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()

			if err := Load(repo, a, c); err != nil && errCh != nil {
				errCh <- fmt.Errorf("load %s: %w", a, err)
			}

			mu.Lock()
			loaded++
			bar.Set(uint64(loaded))
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	bar.Finish(loadedStats(loaded))
}

type loadedStats int

func (s loadedStats) String() string { return fmt.Sprintf("loaded %d archives", int(s)) }
