// Package pathset implements the PathSet selector from spec.md §3: a
// directory rooted selection driven by include/exclude glob patterns plus
// file/directory inclusion flags.
//
// PathSet itself is value-typed (structurally comparable, hashable as a map
// key via its Key method) per spec.md's requirement; the actual directory
// walk lives in the sibling `resolver` package, which only needs the
// predicates this package exposes.
package pathset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"

	"buildavoid/internal/pathutil"
)

// Set is an include/exclude glob selection rooted at Base.
//
// Mirrors the constructor surface spec.md §6 prescribes: nil pattern lists
// mean "match all" (Include) or "match none" (Exclude); IncludeFiles and
// IncludeDirs default to true/false respectively when built via New.
type Set struct {
	Base             string
	Include          []string
	Exclude          []string
	IncludeFiles     bool
	IncludeDirs      bool
}

// New builds a Set with spec.md §6's defaults (include files, not
// directories) and a canonicalized Base.
//
// include == nil is "match everything"; exclude == nil is "exclude nothing".
// Patterns are copied so later mutation of the caller's slices is inert —
// Set is meant to be treated as a value type.
func New(base string, include, exclude []string) (Set, error) {
	abs, err := pathutil.Abs(base)
	if err != nil {
		return Set{}, fmt.Errorf("pathset: bad base %q: %w", base, err)
	}
	return Set{
		Base:         abs,
		Include:      append([]string(nil), include...),
		Exclude:      append([]string(nil), exclude...),
		IncludeFiles: true,
		IncludeDirs:  false,
	}, nil
}

// Copy returns a deep copy, per spec.md §6's "copy-construction is deep".
func (s Set) Copy() Set {
	return Set{
		Base:         s.Base,
		Include:      append([]string(nil), s.Include...),
		Exclude:      append([]string(nil), s.Exclude...),
		IncludeFiles: s.IncludeFiles,
		IncludeDirs:  s.IncludeDirs,
	}
}

// Key returns a value suitable for use as a map key, satisfying spec.md's
// "hashable for use as a map key" requirement for a type that otherwise
// holds slices (which Go maps can't key on directly).
func (s Set) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\x00%v\x00%v\x00", s.Base, s.IncludeFiles, s.IncludeDirs)
	b.WriteString(strings.Join(s.Include, "\x00"))
	b.WriteString("\x01")
	b.WriteString(strings.Join(s.Exclude, "\x00"))
	return b.String()
}

// Equal reports structural equality, per spec.md's "equality is structural".
func (s Set) Equal(other Set) bool {
	return s.Key() == other.Key()
}

// IsSelected reports whether rel (a '/'-separated path relative to Base)
// matches: some include pattern matches (or Include is empty) AND no
// exclude pattern matches.
func (s Set) IsSelected(rel string) bool {
	if !s.matchesAny(s.Include, rel, true) {
		return false
	}
	return !s.matchesAny(s.Exclude, rel, false)
}

// matchesAny reports whether rel matches any pattern in pats. When pats is
// empty, emptyResult is returned (true for Include's "match all", false for
// Exclude's "exclude nothing").
func (s Set) matchesAny(pats []string, rel string, emptyResult bool) bool {
	if len(pats) == 0 {
		return emptyResult
	}
	for _, pat := range pats {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// IsAncestorOfPotentiallySelected is a conservative over-approximation: it
// reports true whenever some include pattern *could* still match something
// under the directory named by rel. Returning a false positive only costs
// an extra subtree walk (per spec.md §4.4); it must never return false for
// a directory that actually contains a selected descendant.
func (s Set) IsAncestorOfPotentiallySelected(rel string) bool {
	if len(s.Include) == 0 {
		return true
	}
	prefix := rel
	if prefix != "" && prefix != "." {
		prefix += "/"
	} else {
		prefix = ""
	}
	for _, pat := range s.Include {
		if patternCanDescendInto(pat, prefix) {
			return true
		}
	}
	return false
}

// patternCanDescendInto reports whether pat could still match some path
// starting with prefix. Any pattern containing "**" is treated as able to
// match arbitrarily deep, since doublestar's "**" matches any number of path
// components including zero — conservatively correct, per spec.md's note
// that over-approximation only costs a subtree walk.
func patternCanDescendInto(pat, prefix string) bool {
	if prefix == "" {
		return true
	}
	if strings.Contains(pat, "**") {
		return true
	}
	patParts := strings.Split(pat, "/")
	prefixParts := strings.Split(strings.TrimSuffix(prefix, "/"), "/")
	if len(prefixParts) > len(patParts) {
		return false
	}
	for i, pp := range prefixParts {
		ok, err := doublestar.Match(patParts[i], pp)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// SortPaths returns a lexicographically sorted copy of paths, the ordering
// spec.md §5 requires for deterministic message replay and for
// "deleted_inputs iterated in reverse lexicographic order" (callers reverse
// separately; see buildctx).
func SortPaths(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}
