// Package unifier implements the core search that picks one filesystem
// as root and greedily grafts others at mount points that resolve the
// root's dangling references (spec §4.3).
//
// The search is grounded directly on unifyroot's FilesystemUnifier: same
// recursive try-from-mounts shape, same scoring rules, including the
// documented ambiguity in how a candidate's score is decided when it
// resolves only one or two references (the mostly-non-ASCII check
// decides first, then the long-suffix check overrides that decision
// whenever it triggers) — preserved here rather than "fixed", per
// design note.
package unifier

import (
	"path"
	"sort"
	"strings"

	"github.com/ivoronin/fwunify/internal/types"
)

// invalidMountRoots are mount points that must never be graft targets,
// by equality or by prefix, in their canonical trailing-slash form
// (spec §4.3.3, §9: ./tmp is authoritative despite being inconsistent
// across variants of the original).
var invalidMountRoots = []string{"./proc/", "./sys/", "./dev/", "./tmp/"}

// rootMarkers is the combined set of directories and files checked by
// could_be_root (spec §4.3.1).
var rootMarkers = []string{
	"./var", "./usr", "./run", "./bin", "./sbin", "./sys", "./tmp", "./etc",
	"./home", "./lib", "./media", "./mnt", "./opt", "./proc", "./dev",
	"./root", "./srv",
	"./etc/passwd", "./etc/fstab", "./bin/ls", "./bin/bash", "./bin/busybox",
}

const rootMarkerThreshold = 3

// unlikelyMountSubstrings flags compiler-sysroot / domain-name-looking
// mount point candidates that are never worth trying (spec §4.3.3).
var unlikelyMountSubstrings = []string{"-none-", "-gcc-", "-clang-", "-gnu"}

const maxMountPointLength = 30

// Result is the best mount map found, together with the score it
// achieved (spec §4.3.5's configuration_score).
type Result struct {
	Mounts types.MountMap
	Score  int
}

// Unify tries every filesystem in repo that passes could_be_root as a
// candidate root and returns the highest-scoring mount map found across
// all of them (spec §4.3.1).
func Unify(repo *types.FilesystemRepository) (Result, bool) {
	best := Result{Score: -1 << 62}
	found := false

	for _, name := range repo.Names() {
		fs := repo.Get(name)
		if !couldBeRoot(fs) {
			continue
		}
		initial := types.MountMap{"./": name}
		mounts, score := tryUnifyFrom(repo, initial)
		if !found || score > best.Score {
			found = true
			best = Result{Mounts: mounts, Score: score}
		}
	}

	return best, found
}

// couldBeRoot reports whether at least rootMarkerThreshold of
// rootMarkers are present in fs.Paths.
func couldBeRoot(fs *types.FilesystemInfo) bool {
	count := 0
	for _, marker := range rootMarkers {
		if fs.HasPath(marker) {
			count++
		}
	}
	return count >= rootMarkerThreshold
}

// tryUnifyFrom recursively grows mounts, accepting any addition that
// strictly improves the configuration score over what recursing further
// achieves (spec §4.3.2).
func tryUnifyFrom(repo *types.FilesystemRepository, mounts types.MountMap) (types.MountMap, int) {
	unresolved := unresolvedReferences(repo, mounts)
	mounted := mounts.Filesystems()

	var remaining []string
	for _, name := range repo.Names() {
		if _, ok := mounted[name]; !ok {
			remaining = append(remaining, name)
		}
	}

	bestScore := configurationScore(repo, mounts)
	bestConfig := mounts.Clone()

	symlinks := symlinkMap(repo, mounts)

	for _, name := range remaining {
		fs := repo.Get(name)
		mp, improvement := findBestMountPoint(repo, mounts, fs, unresolved, symlinks)
		if mp == "" || improvement <= 0 {
			continue
		}

		newMounts := mounts.Clone()
		newMounts[mp] = name

		newConfig, newScore := tryUnifyFrom(repo, newMounts)
		if newScore > bestScore {
			bestScore = newScore
			bestConfig = newConfig
		}
	}

	return bestConfig, bestScore
}

// symlinkMap computes, for every symlink inside every currently mounted
// filesystem, the absolute-style destination that symlink resolves to
// once grafted at its mount point (spec §4.3.2 step 4). Keys and values
// are plain absolute-style paths, not normalized mount points — this map
// is consulted only to rewrite a candidate mount point that happens to
// land on a symlink.
func symlinkMap(repo *types.FilesystemRepository, mounts types.MountMap) map[string]string {
	out := make(map[string]string)
	for _, mp := range mounts.MountPoints() {
		fs := repo.Get(mounts[mp])
		mpTrimmed := strings.TrimSuffix(mp, "/")

		for link, target := range fs.Links {
			rel := strings.TrimPrefix(link, "./")
			combined := mpTrimmed + "/" + rel
			if mpTrimmed == "." {
				combined = "./" + rel
			}
			dir := path.Dir(combined)

			var dest string
			if strings.HasPrefix(target, "/") {
				dest = target
			} else {
				dest = path.Join(dir, target)
			}
			if !strings.HasPrefix(dest, ".") {
				if strings.HasPrefix(dest, "/") {
					dest = "." + dest
				} else {
					dest = "./" + dest
				}
			}
			out[combined] = dest
		}
	}
	return out
}

// findBestMountPoint evaluates every potential mount point for fs and
// returns the one with the greatest score improvement (spec §4.3.2
// step 5, §4.3.4).
func findBestMountPoint(
	repo *types.FilesystemRepository,
	mounts types.MountMap,
	fs *types.FilesystemInfo,
	unresolved map[string]struct{},
	symlinks map[string]string,
) (string, int) {
	visible := visiblePaths(repo, mounts)
	candidates := potentialMountPoints(mounts, fs, unresolved, symlinks)

	bestMP := ""
	bestImprovement := 0

	for _, c := range candidates {
		// Resolution is checked against the pre-rewrite location: that's
		// where the unresolved reference's textual prefix actually lives.
		// Shadowing and the eventual mount map key use the post-rewrite
		// location: that's where the filesystem is physically grafted.
		resolved := resolvedPaths(visible, c.raw, fs, unresolved)
		lost := lostPaths(visible, c.final)

		improvement := scoreImprovement(c.raw, resolved, lost, len(fs.Paths))
		if improvement > bestImprovement {
			bestImprovement = improvement
			bestMP = c.final
		}
	}

	return bestMP, bestImprovement
}

// scoreImprovement implements the condition table of spec §4.3.4,
// including the overwrite ambiguity the design notes call out: the
// long-suffix check runs after the ASCII-content branch and, when it
// triggers, overwrites whatever that branch decided.
func scoreImprovement(mountPoint string, resolved, lost []string, totalFilesInMount int) int {
	if len(lost) > 5 {
		return 0
	}
	if len(resolved) > 2 {
		return len(resolved)
	}
	if len(resolved) == 0 {
		return -1
	}

	dotted := strings.TrimPrefix(mountPoint, ".")
	var b strings.Builder
	for _, ref := range resolved {
		b.WriteString(strings.ReplaceAll(ref, dotted, ""))
	}
	suffix := b.String()

	improvement := 0
	if !hasASCIILetterWord(suffix) {
		improvement = 0
	} else if totalFilesInMount < 10 {
		improvement = len(resolved)
	}

	if len(suffix) > 10 {
		improvement = len(resolved)
	}

	return improvement
}

// hasASCIILetterWord reports whether any whitespace-delimited word in s
// contains an ASCII letter — the Go-faithful reading of the "mostly
// non-ASCII-letters" noise check (spec §4.3.4).
func hasASCIILetterWord(s string) bool {
	for _, word := range strings.Fields(s) {
		for _, r := range word {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				return true
			}
		}
	}
	return false
}

// configurationScore sums the path counts of every mounted filesystem
// (spec §4.3.5).
func configurationScore(repo *types.FilesystemRepository, mounts types.MountMap) int {
	score := 0
	for _, name := range mounts {
		score += len(repo.Get(name).Paths)
	}
	return score
}

// visiblePaths computes, per mount point, the absolute-style paths it
// contributes after shadowing by longer mount points (spec §4.3.6).
func visiblePaths(repo *types.FilesystemRepository, mounts types.MountMap) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{})

	for _, mp := range mounts.MountPoints() {
		fs := repo.Get(mounts[mp])
		set := make(map[string]struct{})

		for _, p := range fs.SortedPaths() {
			full := joinMountPath(mp, p)
			if !shadowedByLongerMount(full, mp, out) {
				set[full] = struct{}{}
			}
		}
		out[mp] = set
	}

	return out
}

func shadowedByLongerMount(full, ownMountPoint string, visible map[string]map[string]struct{}) bool {
	for other := range visible {
		if other == ownMountPoint {
			continue
		}
		if strings.HasPrefix(full, other) {
			return true
		}
	}
	return false
}

// joinMountPath joins a mount point with a filesystem-relative path,
// producing an absolute-style result.
func joinMountPath(mountPoint, relPath string) string {
	rel := strings.TrimPrefix(relPath, "./")
	base := strings.TrimSuffix(mountPoint, "/")
	if rel == "" {
		if base == "" {
			return "."
		}
		return base
	}
	return base + "/" + rel
}

// lostPaths returns every currently visible path that would be shadowed
// by mounting something at mountPoint.
func lostPaths(visible map[string]map[string]struct{}, mountPoint string) []string {
	base := strings.TrimSuffix(mountPoint, "/")
	var lost []string
	for _, set := range visible {
		for p := range set {
			if strings.HasPrefix(p, base) {
				lost = append(lost, p)
			}
		}
	}
	return lost
}

// unresolvedReferences is the union of every mounted filesystem's
// references not satisfied by any currently visible path (spec §4.3.6).
func unresolvedReferences(repo *types.FilesystemRepository, mounts types.MountMap) map[string]struct{} {
	visible := visiblePaths(repo, mounts)
	out := make(map[string]struct{})

	for _, name := range mounts {
		fs := repo.Get(name)
		for ref := range fs.References {
			if !referenceResolved(ref, visible) {
				out[ref] = struct{}{}
			}
		}
	}
	return out
}

func referenceResolved(ref string, visible map[string]map[string]struct{}) bool {
	dotted := "." + ref
	for _, set := range visible {
		if _, ok := set[dotted]; ok {
			return true
		}
	}
	return false
}

// resolvedPaths returns the unresolved references that mounting fs at
// mountPoint would satisfy.
func resolvedPaths(visible map[string]map[string]struct{}, mountPoint string, fs *types.FilesystemInfo, unresolved map[string]struct{}) []string {
	var out []string
	for ref := range unresolved {
		if wouldBeResolved(visible, "."+ref, mountPoint, fs) {
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out
}

func wouldBeResolved(visible map[string]map[string]struct{}, unresolvedPath, mountPoint string, fs *types.FilesystemInfo) bool {
	for _, set := range visible {
		if _, ok := set[unresolvedPath]; ok {
			return false
		}
	}
	base := strings.TrimSuffix(mountPoint, "/")
	if !strings.HasPrefix(unresolvedPath, base) {
		return false
	}
	relative := strings.TrimPrefix(strings.TrimPrefix(unresolvedPath, base), "/")
	for _, fsPath := range fs.SortedPaths() {
		if strings.HasSuffix(fsPath, relative) {
			return true
		}
	}
	return false
}

// mountCandidate pairs a candidate mount point's pre-rewrite location
// (raw, where an unresolved reference's textual prefix actually lives)
// with its post-symlink-rewrite location (final, where the filesystem
// is physically grafted). Both are normalized to the canonical
// trailing-slash form.
type mountCandidate struct {
	raw   string
	final string
}

// potentialMountPoints finds every place fs could be grafted to resolve
// at least one unresolved reference, filtered by the rejection rules in
// spec §4.3.3, sorted by resolved-count descending then length
// ascending (spec §5's determinism requirement — the original's
// set-iteration order was not reproducible, so this ordering is
// specified rather than carried over verbatim).
func potentialMountPoints(mounts types.MountMap, fs *types.FilesystemInfo, unresolved map[string]struct{}, symlinks map[string]string) []mountCandidate {
	candidateSet := make(map[mountCandidate]struct{})

	for ref := range unresolved {
		unresolvedPath := "." + ref
		for _, fsPath := range fs.SortedPaths() {
			raw, ok := potentialMountPointPrefix(unresolvedPath, fsPath)
			if !ok || raw == "." {
				continue
			}

			final := resolveThroughSymlinks(raw, symlinks)
			if isUnlikelyMount(final) {
				continue
			}

			finalMP := normalizeMountPoint(final)
			if !isValidNewMountPoint(finalMP, mounts) {
				continue
			}
			candidateSet[mountCandidate{raw: normalizeMountPoint(raw), final: finalMP}] = struct{}{}
		}
	}

	candidates := make([]mountCandidate, 0, len(candidateSet))
	for c := range candidateSet {
		candidates = append(candidates, c)
	}

	return sortCandidatesByScore(candidates, fs, unresolved)
}

// sortCandidatesByScore ranks candidates by how many unresolved
// references they would resolve (descending), then by final mount
// point length (ascending), then lexically by final and raw mount
// point, so ties are broken deterministically.
func sortCandidatesByScore(candidates []mountCandidate, fs *types.FilesystemInfo, unresolved map[string]struct{}) []mountCandidate {
	type scored struct {
		c     mountCandidate
		count int
	}

	out := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, scored{c: c, count: countResolvable(c.raw, fs, unresolved)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		if len(out[i].c.final) != len(out[j].c.final) {
			return len(out[i].c.final) < len(out[j].c.final)
		}
		if out[i].c.final != out[j].c.final {
			return out[i].c.final < out[j].c.final
		}
		return out[i].c.raw < out[j].c.raw
	})

	result := make([]mountCandidate, len(out))
	for i, s := range out {
		result[i] = s.c
	}
	return result
}

// countResolvable counts how many unresolved references would be
// resolved by mounting fs at mountPoint, ignoring existing visibility —
// used only to rank candidates before the final, visibility-aware
// scoring pass in findBestMountPoint.
func countResolvable(mountPoint string, fs *types.FilesystemInfo, unresolved map[string]struct{}) int {
	base := strings.TrimSuffix(mountPoint, "/")
	count := 0
	for ref := range unresolved {
		unresolvedPath := "." + ref
		if !strings.HasPrefix(unresolvedPath, base) {
			continue
		}
		relative := strings.TrimPrefix(strings.TrimPrefix(unresolvedPath, base), "/")
		for _, fsPath := range fs.SortedPaths() {
			if strings.HasSuffix(fsPath, relative) {
				count++
				break
			}
		}
	}
	return count
}

// resolveThroughSymlinks iteratively rewrites mp through symlinks until
// stable or a cycle is detected, bounded to len(symlinks) steps (spec
// §9: treat a cycle as "no rewrite").
func resolveThroughSymlinks(mp string, symlinks map[string]string) string {
	seen := make(map[string]struct{})
	cur := mp
	for i := 0; i < len(symlinks); i++ {
		next, ok := symlinks[cur]
		if !ok {
			return cur
		}
		if _, looped := seen[cur]; looped {
			return mp
		}
		seen[cur] = struct{}{}
		cur = next
	}
	return cur
}

// potentialMountPointPrefix computes the prefix of unresolvedPath that,
// once stripped, leaves exactly fsPath — the candidate mount point that
// would make fsPath satisfy unresolvedPath (spec §4.3.3). The result is
// not yet normalized to the canonical trailing-slash mount point form.
func potentialMountPointPrefix(unresolvedPath, fsPath string) (string, bool) {
	suffix := strings.TrimPrefix(fsPath, ".")
	if suffix == "" || !strings.HasSuffix(unresolvedPath, suffix) {
		return "", false
	}
	return strings.TrimSuffix(unresolvedPath, suffix), true
}

// isUnlikelyMount rejects domain-name-looking and compiler-sysroot-
// looking mount point candidates (spec §4.3.3).
func isUnlikelyMount(mp string) bool {
	if strings.Contains(mp, "www.") || strings.HasSuffix(mp, ".com") || strings.Contains(mp, ".com/") {
		return true
	}
	for _, s := range unlikelyMountSubstrings {
		if strings.Contains(mp, s) {
			return true
		}
	}
	return len(mp) > maxMountPointLength
}

// isValidNewMountPoint rejects a candidate equal to an existing mount
// point, one that an existing mount point is nested beneath, or one of
// the invariant-invalid roots (spec §4.3.3). mp must already be in canonical trailing-slash form.
func isValidNewMountPoint(mp string, mounts types.MountMap) bool {
	for _, invalid := range invalidMountRoots {
		if mp == invalid || strings.HasPrefix(mp, invalid) {
			return false
		}
	}
	for existing := range mounts {
		if existing == mp {
			return false
		}
		if strings.HasPrefix(existing, mp) {
			return false
		}
	}
	return true
}

// normalizeMountPoint ensures mp begins with "./" and ends with "/",
// the canonical mount-point form used throughout the data model (spec
// glossary: "Mount point").
func normalizeMountPoint(mp string) string {
	if !strings.HasPrefix(mp, "./") {
		if strings.HasPrefix(mp, "/") {
			mp = "." + mp
		} else {
			mp = "./" + mp
		}
	}
	if !strings.HasSuffix(mp, "/") {
		mp += "/"
	}
	return mp
}
