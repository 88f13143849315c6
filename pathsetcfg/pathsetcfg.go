// Package pathsetcfg loads named pathset.Set definitions from a YAML file,
// the declarative-config idiom cloudbuildhelper's manifest package uses for
// build target definitions — generalized here to a flat map of named
// PathSets instead of one Manifest per file.
package pathsetcfg

import (
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
	"gopkg.in/yaml.v2"

	"buildavoid/pathset"
)

// setDef is the on-disk shape of one named entry.
type setDef struct {
	// Base is a path to the directory the set is rooted at, relative to the
	// directory containing the config file itself (unless absolute).
	Base string `yaml:"base"`

	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`

	// IncludeFiles and IncludeDirs override pathset.New's defaults
	// (files: true, directories: false) when set.
	IncludeFiles *bool `yaml:"include_files,omitempty"`
	IncludeDirs  *bool `yaml:"include_dirs,omitempty"`
}

// file is the on-disk shape of the whole config.
type file struct {
	Sets map[string]setDef `yaml:"sets"`
}

// Load reads path and resolves every named set's Base relative to path's
// containing directory.
func Load(path string) (map[string]pathset.Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading pathset config %q", path).Err()
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Annotate(err, "parsing pathset config %q", path).Err()
	}

	dir := filepath.Dir(path)
	out := make(map[string]pathset.Set, len(f.Sets))
	for name, def := range f.Sets {
		base := def.Base
		if !filepath.IsAbs(base) {
			base = filepath.Join(dir, base)
		}
		set, err := pathset.New(base, def.Include, def.Exclude)
		if err != nil {
			return nil, errors.Annotate(err, "building pathset %q", name).Err()
		}
		if def.IncludeFiles != nil {
			set.IncludeFiles = *def.IncludeFiles
		}
		if def.IncludeDirs != nil {
			set.IncludeDirs = *def.IncludeDirs
		}
		out[name] = set
	}
	return out, nil
}
