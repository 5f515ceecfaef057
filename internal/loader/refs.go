package loader

import (
	"bytes"
	"debug/elf"
	"regexp"
	"strconv"
	"strings"
)

// pathRefRegexp matches a path-looking reference starting at a '/',
// per spec §4.2: a first segment of 3-255 characters excluding a
// restrictive character set, followed by zero or more additional
// slash-delimited segments whose exclusion set also rejects ( ) % and ;.
var pathRefRegexp = regexp.MustCompile(`/[^/\x00\n<>"'!:? ]{3,255}(?:/[^/\x00\n<>()%"'!;:? ]+)*`)

var invalidRefChars = " \t\n^$%*{}`+,=\\"

// isValidReference applies the reference-validity filter from spec
// §4.2, verbatim.
func isValidReference(ref string) bool {
	if !(len(ref) > 3 && len(ref) < 255) {
		return false
	}

	if isPurelyNumeric(strings.ReplaceAll(ref, "/", "")) {
		return false
	}

	if strings.HasSuffix(ref, ".c") {
		return false
	}

	if len(strings.Split(ref, "/")) < 3 {
		return false
	}

	if strings.HasPrefix(ref, "/www.") || strings.Contains(ref, ".com/") {
		return false
	}

	parts := strings.Split(ref, "/")
	if len(parts) > 1 && isDottedQuad(parts[1]) {
		return false
	}

	if strings.ContainsAny(ref, invalidRefChars) {
		return false
	}

	return true
}

func isPurelyNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isDottedQuad(s string) bool {
	octets := strings.Split(s, ".")
	if len(octets) != 4 {
		return false
	}
	for _, o := range octets {
		if o == "" {
			return false
		}
		if _, err := strconv.Atoi(o); err != nil {
			return false
		}
	}
	return true
}

// extractRegexReferences finds and validates all path-looking
// references in content.
func extractRegexReferences(content string) []string {
	var out []string
	for _, m := range pathRefRegexp.FindAllString(content, -1) {
		if isValidReference(m) {
			out = append(out, m)
		}
	}
	return out
}

var elfMagic = []byte{0x7F, 'E', 'L', 'F'}

// elfReferences describes the references an ELF file's dynamic section
// and interpreter imply, per spec §4.2 step 2.
type elfReferences struct {
	interp string
	needed []string
	rpath  string
}

// parseELFReferences parses content as an ELF file and extracts
// DT_NEEDED/DT_RPATH and the .interp section. Returns an error if
// content isn't a well-formed ELF; callers fall through to the string
// scan on error, matching the ELF-parse error kind in spec §7.
func parseELFReferences(content []byte) (*elfReferences, error) {
	f, err := elf.NewFile(bytes.NewReader(content))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	refs := &elfReferences{}

	if needed, err := f.ImportedLibraries(); err == nil {
		refs.needed = needed
	}

	if rpaths, err := f.DynString(elf.DT_RPATH); err == nil && len(rpaths) > 0 {
		refs.rpath = rpaths[0]
	} else if runpaths, err := f.DynString(elf.DT_RUNPATH); err == nil && len(runpaths) > 0 {
		refs.rpath = runpaths[0]
	}

	if sec := f.Section(".interp"); sec != nil {
		data, err := sec.Data()
		if err == nil {
			refs.interp = string(bytes.TrimRight(data, "\x00"))
		}
	}

	return refs, nil
}

// references expands elfReferences into the concrete reference paths
// described in spec §4.2 step 2.
func (r *elfReferences) references() []string {
	var out []string
	if r.interp != "" {
		out = append(out, r.interp)
	}
	for _, n := range r.needed {
		if n == "" {
			continue
		}
		if strings.HasPrefix(n, "/") {
			out = append(out, n)
			continue
		}
		out = append(out, "/lib/"+n, "/usr/lib/"+n)
		if r.rpath != "" {
			out = append(out, strings.TrimRight(r.rpath, "/")+"/"+n)
		}
	}
	return out
}
