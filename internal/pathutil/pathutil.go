// Package pathutil normalizes filesystem paths the way the rest of
// buildavoid expects them: absolute, cleaned, OS-native for storage, and
// forward-slash-separated when used as glob-matching keys.
package pathutil

import (
	"path/filepath"
	"strings"
)

// Abs resolves p to an absolute, cleaned, OS-native path.
//
// All paths stored in BuildState and compared by the resolver go through
// this so that two different spellings of the same file never diverge.
func Abs(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// ToSlash converts an OS-native path to the forward-slash form glob patterns
// are matched against, regardless of host.
func ToSlash(p string) string {
	if filepath.Separator == '/' {
		return p
	}
	return strings.ReplaceAll(p, string(filepath.Separator), "/")
}

// Rel returns the slash-separated path of target relative to base.
//
// Both must already be absolute and cleaned (e.g. via Abs). Returns "." if
// target equals base.
func Rel(base, target string) (string, error) {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return "", err
	}
	return ToSlash(rel), nil
}

// IsAncestor reports whether base is an ancestor directory of (or equal to)
// candidate, both assumed absolute and cleaned.
func IsAncestor(base, candidate string) bool {
	if base == candidate {
		return true
	}
	return strings.HasPrefix(candidate, base+string(filepath.Separator))
}
