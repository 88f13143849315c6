// Package manager implements spec.md §4.1's Manager: the long-lived entry
// point that hands out BuildContexts, keeps a weakly-held cache of loaded
// BuildStates so repeated builds against the same output directory within
// one process reuse already-parsed state, and owns the default diagnostic
// router BuildContext replays messages through.
//
// Manager constructs buildctx.Context values, so it cannot import buildctx
// back (that would cycle); it satisfies buildctx.Host structurally instead,
// the same narrow-interface pattern cloudbuildhelper's mockable.go uses for
// storageImpl/builderImpl/registryImpl.
package manager

import (
	"context"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"weak"

	"go.chromium.org/luci/common/logging"

	"buildavoid/buildctx"
	"buildavoid/buildstate"
	"buildavoid/fingerprint"
	"buildavoid/internal/pathutil"
	"buildavoid/pathset"
	"buildavoid/resolver"
)

// Options configures the diagnostic router and full-build policy. Every
// field is optional; nil fields fall back to a logging-based default, the
// same "reasonable default, overridable for tests" shape cloudbuildhelper's
// cmdbase.go uses for its exe/authenticator hooks.
type Options struct {
	// AddMessage is called once per message BuildContext.Commit replays,
	// after the message has already been persisted to BuildState.
	AddMessage func(ctx context.Context, file string, line, col int, text string, severity buildstate.Severity, cause *string)

	// ClearMessages is called whenever a BuildContext clears an input's
	// prior diagnostics, before any new ones (if any) are added back.
	ClearMessages func(ctx context.Context, file string)

	// OutputUpdated is called at most once per commit, and only when the
	// list is non-empty, with every output registered this build that was
	// not reported unchanged by an output stream, plus every obsolete or
	// orphaned output the commit deleted.
	OutputUpdated func(ctx context.Context, files []string)

	// IsFullBuild decides whether a newly opened context should treat every
	// input as dirty regardless of BuildState. The default always returns
	// false; callers driving a "clean"/"rebuild" CLI flag wire this up.
	IsFullBuild func(ctx context.Context, outputDir, stateDir, builderID string) bool
}

func (o *Options) setDefaults() {
	if o.AddMessage == nil {
		o.AddMessage = defaultAddMessage
	}
	if o.ClearMessages == nil {
		o.ClearMessages = defaultClearMessages
	}
	if o.OutputUpdated == nil {
		o.OutputUpdated = defaultOutputUpdated
	}
	if o.IsFullBuild == nil {
		o.IsFullBuild = func(context.Context, string, string, string) bool { return false }
	}
}

func defaultAddMessage(ctx context.Context, file string, line, col int, text string, severity buildstate.Severity, cause *string) {
	loc := file
	switch {
	case line > 0 && col > 0:
		loc = fmt.Sprintf("%s[%d:%d]", file, line, col)
	case line > 0:
		loc = fmt.Sprintf("%s[%d]", file, line)
	}
	msg := text
	if msg == "" {
		switch {
		case cause != nil:
			msg = *cause
		default:
			msg = "(unknown issue)"
		}
	}
	if severity == buildstate.SeverityError {
		logging.Errorf(ctx, "%s: %s", loc, msg)
	} else {
		logging.Warningf(ctx, "%s: %s", loc, msg)
	}
}

func defaultClearMessages(ctx context.Context, file string) {
	logging.Debugf(ctx, "%s: messages cleared", file)
}

func defaultOutputUpdated(ctx context.Context, files []string) {
	for _, f := range files {
		logging.Infof(ctx, "updated %s", f)
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	cache map[string]weak.Pointer[buildstate.State]
	opts  Options
}

// New constructs a Manager. The zero Options value is fine: every hook gets
// a logging-based default.
func New(opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		cache: map[string]weak.Pointer[buildstate.State]{},
		opts:  opts,
	}
}

// NewContext opens a build against outputDir, loading (or reusing a cached)
// BuildState keyed by outputDir and builderID under stateDir, per spec.md
// §4.1's "one state file per (output directory, builder identity) pair".
func (m *Manager) NewContext(ctx context.Context, outputDir, stateDir, builderID string) (*buildctx.Context, error) {
	absOut, err := pathutil.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	statePath, err := StateFilePath(outputDir, stateDir, builderID)
	if err != nil {
		return nil, err
	}

	state := m.loadCached(ctx, statePath)
	full := m.opts.IsFullBuild(ctx, absOut, filepath.Dir(statePath), builderID)
	return buildctx.New(ctx, m, state, absOut, full), nil
}

// StateFilePath returns the path Manager.NewContext would use for the given
// (output directory, state directory, builder identity) triple. Exposed so
// tooling that inspects or garbage-collects state files (cmd/incstate) can
// find them without constructing a Manager.
func StateFilePath(outputDir, stateDir, builderID string) (string, error) {
	absOut, err := pathutil.Abs(outputDir)
	if err != nil {
		return "", err
	}
	absState, err := pathutil.Abs(stateDir)
	if err != nil {
		return "", err
	}
	outDigest := hex.EncodeToString(fingerprint.DigestBytes([]byte(absOut)))
	idDigest := hex.EncodeToString(fingerprint.DigestBytes([]byte(builderID)))
	return filepath.Join(absState, outDigest+"-"+idDigest+".ser"), nil
}

// loadCached returns the BuildState for path, reusing the cached instance
// if one is still weakly reachable. Every call purges any cache entry whose
// weak pointer has already been collected, per spec.md's "the cache holds
// no strong references; it's purged lazily on every access" design note.
func (m *Manager) loadCached(ctx context.Context, path string) *buildstate.State {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, wp := range m.cache {
		if wp.Value() == nil {
			delete(m.cache, k)
		}
	}

	if wp, ok := m.cache[path]; ok {
		if s := wp.Value(); s != nil {
			return s
		}
		delete(m.cache, path)
	}

	s := buildstate.LoadOrEmpty(ctx, path)
	m.cache[path] = weak.Make(s)
	return s
}

// ResolveInputs is a read-only convenience wrapper around the resolver,
// using c's own BuildState and full-build flag but without any of
// Context.GetInputs' bookkeeping (queried-set tracking, deleted-input
// accumulation). Intended for inspection tooling, not the build itself —
// builders should call Context.GetInputs.
func (m *Manager) ResolveInputs(c *buildctx.Context, set pathset.Set) ([]string, error) {
	paths, err := resolver.Resolve(set, c.State(), c.FullBuild())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !p.Deleted {
			out = append(out, p.Relative)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ResolveOutputs returns every file set currently matches, regardless of
// dirtiness — the dirtiness-free scan a "delete stray outputs" tool needs.
func (m *Manager) ResolveOutputs(set pathset.Set) ([]string, error) {
	return resolver.ResolveAll(set)
}

// --- buildctx.Host ----------------------------------------------------

// AddMessage implements buildctx.Host.
func (m *Manager) AddMessage(ctx context.Context, file string, line, col int, text string, severity buildstate.Severity, cause *string) {
	m.opts.AddMessage(ctx, file, line, col, text, severity, cause)
}

// ClearMessages implements buildctx.Host.
func (m *Manager) ClearMessages(ctx context.Context, file string) {
	m.opts.ClearMessages(ctx, file)
}

// OutputUpdated implements buildctx.Host.
func (m *Manager) OutputUpdated(ctx context.Context, files []string) {
	m.opts.OutputUpdated(ctx, files)
}

// Destroy implements buildctx.Host: it evicts state from the cache and
// deletes its backing file, per spec.md §4.3's discarded-build and
// §4.1's explicit-gc behavior.
func (m *Manager) Destroy(state *buildstate.State) error {
	m.mu.Lock()
	delete(m.cache, state.Path())
	m.mu.Unlock()
	return state.Destroy()
}
