// Package archiver assembles deterministic tar.gz archives, used both to
// package a single candidate filesystem and, via internal/renderer, to
// package the final unified tree. Both call sites must produce
// byte-identical archives given identical input trees (spec §6, §8).
package archiver

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// fixedModTime is the mtime stamped on every archive entry, per spec §6.
var fixedModTime = time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)

// defaultExcludeNames are matched against an entry's base name.
var defaultExcludeNames = []string{"0.tar", "squashfs-root"}

// defaultExcludeGlobs are matched against an entry's base name with
// filepath.Match.
var defaultExcludeGlobs = []string{"*_extract", "*.uncompressed", "*.unknown"}

type entry struct {
	archivePath string // archive-relative, begins with "./"
	fsPath      string // absolute path on disk
	info        fs.FileInfo
}

// WriteDeterministicTarGz walks dir and writes a deterministic tar.gz to
// outPath: entries sorted by name, fixed mtime, no xattrs, the
// exclusions from spec §6 plus any extra glob patterns in excludeExtra,
// "./" forced to mode 0o755, output file mode 0o644.
func WriteDeterministicTarGz(dir, outPath string, excludeExtra ...string) error {
	entries, err := collectEntries(dir, excludeExtra)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	gz := gzip.NewWriter(out) // zero-value Header: no Name, no ModTime stored (--no-name equivalent)
	defer func() { _ = gz.Close() }()

	tw := tar.NewWriter(gz)
	defer func() { _ = tw.Close() }()

	for _, e := range entries {
		if err := writeEntry(tw, e); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func collectEntries(dir string, excludeExtra []string) ([]entry, error) {
	var entries []entry

	rootInfo, err := os.Lstat(dir)
	if err != nil {
		return nil, err
	}
	entries = append(entries, entry{archivePath: "./", fsPath: dir, info: rootInfo})

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // IO-skip
		}
		if path == dir {
			return nil
		}

		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		archivePath := "./" + filepath.ToSlash(rel)

		if isExcluded(d.Name(), archivePath, excludeExtra) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		entries = append(entries, entry{archivePath: archivePath, fsPath: path, info: info})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].archivePath < entries[j].archivePath })
	return entries, nil
}

func isExcluded(name, archivePath string, extra []string) bool {
	if archivePath == "./dev" {
		return true
	}
	for _, n := range defaultExcludeNames {
		if name == n {
			return true
		}
	}
	for _, g := range defaultExcludeGlobs {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
	}
	for _, g := range extra {
		if ok, _ := filepath.Match(g, name); ok {
			return true
		}
		if ok, _ := filepath.Match(g, archivePath); ok {
			return true
		}
	}
	return false
}

func writeEntry(tw *tar.Writer, e entry) error {
	var link string
	mode := e.info.Mode()

	if mode&os.ModeSymlink != 0 {
		target, err := os.Readlink(e.fsPath)
		if err != nil {
			return err
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(e.info, link)
	if err != nil {
		return err
	}
	hdr.Name = e.archivePath
	if e.info.IsDir() && !strings.HasSuffix(hdr.Name, "/") && hdr.Name != "./" {
		hdr.Name += "/"
	}
	hdr.ModTime = fixedModTime
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	hdr.PAXRecords = nil
	hdr.Xattrs = nil //nolint:staticcheck // explicit: no extended attributes, per spec

	if e.archivePath == "./" {
		hdr.Mode = 0o755
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	if mode.IsRegular() {
		f, err := os.Open(e.fsPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
	}
	return nil
}
