// Package renderer extracts a chosen mount map into a scratch directory
// and packages the assembled tree into the final output archive (spec
// §4.4), grounded on unifyroot's FilesystemUnifier.create_archive: one
// temp directory, one "tar xf" per mount point, one final "tar czf" of
// the result.
package renderer

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/ivoronin/fwunify/internal/archiver"
	"github.com/ivoronin/fwunify/internal/types"
)

// ErrOutputExists is returned by Render when outPath already exists and
// force extraction was not requested — the write-once output policy of
// spec §5.
var ErrOutputExists = errors.New("renderer: output path already exists")

// Render extracts every mounted archive from archiveDir at its mount
// point inside a scratch directory, then packages the assembled tree
// into outPath. Mounts are extracted shortest-mount-point-first so a
// shorter mount's directories are already in place for a deeper one to
// graft into, though the invariant that actually matters — an inner
// mount must never clobber an already-written regular file — is
// enforced per-member via os.Lstat, not by extraction order.
func Render(repo *types.FilesystemRepository, mounts types.MountMap, archiveDir, outPath string) error {
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("%s: %w", outPath, ErrOutputExists)
	} else if !os.IsNotExist(err) {
		return err
	}

	scratch, err := os.MkdirTemp("", "fwunify-render-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	for _, mp := range orderedMountPoints(mounts) {
		fs := repo.Get(mounts[mp])
		if fs == nil {
			return fmt.Errorf("render: mount point %s refers to unknown filesystem %s", mp, mounts[mp])
		}

		dest, err := securejoin.SecureJoin(scratch, mp)
		if err != nil {
			return fmt.Errorf("resolve mount point %s: %w", mp, err)
		}
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("create mount point %s: %w", mp, err)
		}

		src := filepath.Join(archiveDir, fs.Name)
		if err := extractInto(src, dest); err != nil {
			return fmt.Errorf("extract %s at %s: %w", fs.Name, mp, err)
		}
	}

	if err := archiver.WriteDeterministicTarGz(scratch, outPath); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	return nil
}

// orderedMountPoints sorts mounts by ascending mount-point length, so
// the root is extracted first and a deeper mount's files never replace
// regular files an earlier, shallower mount already wrote.
func orderedMountPoints(mounts types.MountMap) []string {
	out := make([]string, 0, len(mounts))
	for mp := range mounts {
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) < len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// extractInto streams every member of the tar.gz at src into dest,
// resolving each member path with filepath-securejoin so a malicious
// archive-relative path (../escape, an absolute path, or a symlink
// escape) cannot write outside dest, and refusing to overwrite an
// already-written regular file — the cross-archive half of the
// no-clobber invariant; archive/tar's own directory-then-descendant
// ordering handles the within-archive half.
func extractInto(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := securejoin.SecureJoin(dest, hdr.Name)
		if err != nil {
			return fmt.Errorf("%s: %w", hdr.Name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if refusesOverwrite(target) {
				continue
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			if refusesOverwrite(target) {
				continue
			}
			linkTarget, err := securejoin.SecureJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return err
			}
		default:
			if refusesOverwrite(target) {
				continue
			}
			if err := writeRegularFile(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		}
	}
}

// refusesOverwrite reports whether target already exists as a regular
// file from an earlier mount's extraction — such a file must not be
// clobbered by a later, deeper mount (spec §4.4).
func refusesOverwrite(target string) bool {
	info, err := os.Lstat(target)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func writeRegularFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode|0o200)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	_, err = io.Copy(out, r)
	return err
}
