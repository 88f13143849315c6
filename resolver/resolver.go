// Package resolver implements the PathSet walker from spec.md §4.4: it
// scans a directory tree under a pathset.Set's base, classifies entries as
// selected/excluded via the set's predicates, and reports which selected
// inputs are dirty (need reprocessing) and which previously tracked inputs
// have since been deleted.
//
// It never imports buildstate directly — dirtiness comes from the narrow
// StateProbe interface, satisfied by *buildstate.State, the same
// narrow-interface-over-a-concrete-collaborator shape cloudbuildhelper uses
// for storageImpl/builderImpl/registryImpl in mockable.go.
package resolver

import (
	"os"
	"path/filepath"
	"sort"

	"go.chromium.org/luci/common/errors"

	"buildavoid/pathset"
)

// StateProbe is the subset of buildstate.State the resolver needs.
type StateProbe interface {
	// IsProcessingRequired reports whether the entry at the given absolute
	// path needs reprocessing.
	IsProcessingRequired(absPath string) bool

	// GetDeletedInputPaths returns the '/'-relative paths of previously
	// tracked inputs under base that are absent from selected.
	GetDeletedInputPaths(base string, selected map[string]bool) []string
}

// Path is one entry in a Resolve result: a '/'-separated path relative to
// the PathSet's base, classified as dirty (needs reprocessing) or deleted
// (was tracked before, is gone now).
type Path struct {
	Relative string
	Deleted  bool
}

// Resolve walks set.Base and returns every dirty or deleted path.
//
// On a full build (fullBuild == true) every selected entry is reported
// dirty regardless of what probe says — but the walk itself, and therefore
// deletion detection, still happens, per spec.md §4.4.
func Resolve(set pathset.Set, probe StateProbe, fullBuild bool) ([]Path, error) {
	selected := map[string]bool{}
	var dirty []Path

	if set.IncludeDirs && set.IsSelected("") {
		selected[set.Base] = true
		if fullBuild || probe.IsProcessingRequired(set.Base) {
			dirty = append(dirty, Path{Relative: ""})
		}
	}

	if err := walk(set, probe, fullBuild, set.Base, "", selected, &dirty); err != nil {
		return nil, err
	}

	for _, rel := range probe.GetDeletedInputPaths(set.Base, selected) {
		dirty = append(dirty, Path{Relative: rel, Deleted: true})
	}

	sort.Slice(dirty, func(i, j int) bool { return dirty[i].Relative < dirty[j].Relative })
	return dirty, nil
}

// ResolveAll is the dirtiness-free scan Manager.ResolveOutputs needs: every
// matching file, regardless of whether it would be considered dirty.
func ResolveAll(set pathset.Set) ([]string, error) {
	var out []string
	if set.IncludeDirs && set.IsSelected("") {
		out = append(out, set.Base)
	}
	if err := collectAll(set, set.Base, "", &out); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func collectAll(set pathset.Set, dirAbs, dirRel string, out *[]string) error {
	entries, err := os.ReadDir(dirAbs)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Annotate(err, "reading dir %q", dirAbs).Err()
	}
	for _, e := range entries {
		childRel := joinRel(dirRel, e.Name())
		childAbs := filepath.Join(dirAbs, e.Name())
		if e.IsDir() {
			if set.IncludeDirs && set.IsSelected(childRel) {
				*out = append(*out, childAbs)
			}
			if set.IsAncestorOfPotentiallySelected(childRel) {
				if err := collectAll(set, childAbs, childRel, out); err != nil {
					return err
				}
			}
			continue
		}
		if set.IncludeFiles && set.IsSelected(childRel) {
			*out = append(*out, childAbs)
		}
	}
	return nil
}

func walk(set pathset.Set, probe StateProbe, fullBuild bool, dirAbs, dirRel string, selected map[string]bool, dirty *[]Path) error {
	entries, err := os.ReadDir(dirAbs)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Annotate(err, "reading dir %q", dirAbs).Err()
	}

	for _, e := range entries {
		childRel := joinRel(dirRel, e.Name())
		childAbs := filepath.Join(dirAbs, e.Name())

		if e.IsDir() {
			if set.IncludeDirs && set.IsSelected(childRel) {
				selected[childAbs] = true
				if fullBuild || probe.IsProcessingRequired(childAbs) {
					*dirty = append(*dirty, Path{Relative: childRel})
				}
			}
			if set.IsAncestorOfPotentiallySelected(childRel) {
				if err := walk(set, probe, fullBuild, childAbs, childRel, selected, dirty); err != nil {
					return err
				}
			}
			continue
		}

		if set.IncludeFiles && set.IsSelected(childRel) {
			selected[childAbs] = true
			if fullBuild || probe.IsProcessingRequired(childAbs) {
				*dirty = append(*dirty, Path{Relative: childRel})
			}
		}
	}
	return nil
}

func joinRel(dirRel, name string) string {
	if dirRel == "" {
		return name
	}
	return dirRel + "/" + name
}
