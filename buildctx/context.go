// Package buildctx implements spec.md §4.3's BuildContext: the transient,
// single-build state machine that accumulates tentative output
// registrations and either commits them (atomic state update, obsolete/
// orphan cleanup, diagnostic replay) or discards them.
//
// Context never imports package manager — doing so would create an import
// cycle, since Manager constructs Contexts. Instead it depends on the
// narrow Host interface below, the same "depend on an interface, not a
// concrete collaborator" shape cloudbuildhelper's mockable.go uses for
// storageImpl/builderImpl/registryImpl.
package buildctx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"buildavoid/buildstate"
	"buildavoid/fingerprint"
	"buildavoid/internal/pathutil"
	"buildavoid/outputstream"
	"buildavoid/pathset"
	"buildavoid/resolver"
)

// Host is the subset of Manager a Context needs: the diagnostic router and
// the ability to destroy a discarded build's state.
type Host interface {
	AddMessage(ctx context.Context, file string, line, col int, text string, severity buildstate.Severity, cause *string)
	ClearMessages(ctx context.Context, file string)
	OutputUpdated(ctx context.Context, files []string)
	Destroy(state *buildstate.State) error
}

// ErrIllegalState tags operations attempted on a non-open Context, or
// add_message without a preceding clear_messages, per spec.md §7.
var ErrIllegalState = errors.BoolTag{Key: errors.NewTagKey("illegal build context state")}

// FailedError is returned by Commit when persisted error-severity messages
// remain for any input under a queried PathSet, per spec.md §4.3 step 10.
type FailedError struct {
	Count int
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("build failed: %d error-severity message(s)", e.Count)
}

type status int

const (
	statusOpen status = iota
	statusCommitted
	statusClosed
)

// Context is one build session bound to one output directory and one
// BuildState.
type Context struct {
	mu sync.Mutex

	host      Host
	state     *buildstate.State
	outputDir string
	fullBuild bool
	startedAt int64 // unix nanos, from clock.Now at construction

	status status

	configChanged bool // true once SetConfiguration(digest) reported a change this build

	queriedSets []pathset.Set

	deletedInputs stringset.Set            // absolute input paths
	addedOutputs  map[string]stringset.Set // input abs path ("" = no input) -> output abs paths
	referenced    map[string][]string      // input abs path -> referenced abs paths, last write wins
	modified      stringset.Set
	unmodified    stringset.Set

	clearedMessages stringset.Set
	messages        map[string][]buildstate.Message
}

// New constructs an open Context. Manager is the only intended caller.
func New(ctx context.Context, host Host, state *buildstate.State, outputDir string, fullBuild bool) *Context {
	return &Context{
		host:            host,
		state:           state,
		outputDir:       outputDir,
		fullBuild:       fullBuild,
		startedAt:       clock.Now(ctx).UnixNano(),
		deletedInputs:   stringset.New(0),
		addedOutputs:    map[string]stringset.Set{},
		referenced:      map[string][]string{},
		modified:        stringset.New(0),
		unmodified:      stringset.New(0),
		clearedMessages: stringset.New(0),
		messages:        map[string][]buildstate.Message{},
	}
}

// State exposes the underlying BuildState, for callers (e.g. Manager's own
// ResolveInputs convenience wrapper, or diagnostic tooling) that need
// read-only access without being part of the commit machinery.
func (c *Context) State() *buildstate.State { return c.state }

// FullBuild reports whether this context currently treats every input as
// dirty — either because it was created that way, or because
// SetConfiguration later reported a change (spec.md's Open Question #1:
// the upgrade affects only subsequent GetInputs calls, not past returns).
func (c *Context) FullBuild() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullBuild || c.configChanged
}

func (c *Context) requireOpenLocked() error {
	if c.status != statusOpen {
		return errors.Reason("buildctx: operation on a non-open context").Tag(ErrIllegalState).Err()
	}
	return nil
}

// NewDigester returns a fresh fingerprint accumulator.
func (c *Context) NewDigester() *fingerprint.Digester {
	return fingerprint.NewDigester()
}

// SetConfiguration stores digest on this context and reports whether
// BuildState considers it changed from the last commit.
func (c *Context) SetConfiguration(digest []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpenLocked(); err != nil {
		return false, err
	}
	changed := c.state.IsConfigurationChanged(digest)
	c.state.SetConfiguration(digest) // visible to subsequent queries on this context; committed for real at Commit
	if changed {
		c.configChanged = true
	}
	return changed, nil
}

// GetInputs resolves set against the current BuildState and returns the
// '/'-relative paths of every dirty (non-deleted) input. Deleted inputs are
// tracked internally for Commit; per spec.md's concrete scenario 2 they are
// not part of this return value.
func (c *Context) GetInputs(set pathset.Set) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpenLocked(); err != nil {
		return nil, err
	}

	c.queriedSets = append(c.queriedSets, set.Copy())
	full := c.fullBuild || c.configChanged

	paths, err := resolver.Resolve(set, c.state, full)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, p := range paths {
		abs := absFromRelative(set.Base, p.Relative)
		if p.Deleted {
			c.deletedInputs.Add(abs)
			continue
		}
		if _, ok := c.addedOutputs[abs]; !ok {
			c.addedOutputs[abs] = stringset.New(0)
		}
		out = append(out, p.Relative)
	}
	return out, nil
}

func absFromRelative(base, rel string) string {
	if rel == "" {
		return base
	}
	return filepath.Join(base, filepath.FromSlash(rel))
}

// NewOutputStream wraps an IncrementalOutputStream over file that, on
// Close, calls back AddOutput("", file) with the observed modified bit.
func (c *Context) NewOutputStream(file string) (*outputstream.Stream, error) {
	abs, err := canonical(file)
	if err != nil {
		return nil, err
	}
	return outputstream.New(abs, outputstream.RecorderFunc(func(path string, modified bool) {
		c.recordOutput("", path, modified)
	}))
}

func (c *Context) recordOutput(input, output string, modified bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerOutputLocked(input, output)
	if modified {
		c.modified.Add(output)
	} else {
		c.unmodified.Add(output)
	}
}

// AddOutput registers output as produced from input (or from no input, if
// input == ""). Output is added to the working `modified` set; a later
// unmodified write via NewOutputStream may retract it.
func (c *Context) AddOutput(input, output string) error {
	return c.AddOutputs(input, []string{output})
}

// AddOutputs registers multiple outputs at once for the same input.
func (c *Context) AddOutputs(input string, outputs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpenLocked(); err != nil {
		return err
	}
	inAbs, err := canonicalOrEmpty(input)
	if err != nil {
		return err
	}
	for _, o := range outputs {
		outAbs, err := canonical(o)
		if err != nil {
			return err
		}
		c.registerOutputLocked(inAbs, outAbs)
		c.modified.Add(outAbs)
	}
	return nil
}

func (c *Context) registerOutputLocked(input, output string) {
	set, ok := c.addedOutputs[input]
	if !ok {
		set = stringset.New(0)
		c.addedOutputs[input] = set
	}
	set.Add(output)
}

// AddReferencedInputs unions refs into input's referenced set.
func (c *Context) AddReferencedInputs(input string, refs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpenLocked(); err != nil {
		return err
	}
	inAbs, err := canonical(input)
	if err != nil {
		return err
	}
	existing := stringset.NewFromSlice(c.referenced[inAbs]...)
	for _, r := range refs {
		abs, err := canonical(r)
		if err != nil {
			return err
		}
		existing.Add(abs)
	}
	c.referenced[inAbs] = existing.ToSortedSlice()
	return nil
}

// ClearMessages clears both this context's pending messages and BuildState's
// stored messages for input, and marks input as eligible for AddMessage.
func (c *Context) ClearMessages(ctxGo context.Context, input string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpenLocked(); err != nil {
		return err
	}
	inAbs, err := canonical(input)
	if err != nil {
		return err
	}
	c.clearedMessages.Add(inAbs)
	c.messages[inAbs] = nil
	c.host.ClearMessages(ctxGo, inAbs)
	return nil
}

// AddMessage appends a diagnostic for input. Fails IllegalState if
// ClearMessages(input) was not already called this build, per spec.md §4.3.
func (c *Context) AddMessage(input string, line, col int, text string, severity buildstate.Severity, cause *string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpenLocked(); err != nil {
		return err
	}
	inAbs, err := canonical(input)
	if err != nil {
		return err
	}
	if !c.clearedMessages.Has(inAbs) {
		return errors.Reason("buildctx: AddMessage(%q) without a prior ClearMessages", inAbs).Tag(ErrIllegalState).Err()
	}
	c.messages[inAbs] = append(c.messages[inAbs], buildstate.Message{
		Line: line, Column: col, Text: text, Severity: severity, Cause: cause,
	})
	return nil
}

// Commit applies every tentative registration gathered this build to
// BuildState, in the ten-step sequence spec.md §4.3 prescribes:
//
//  1. subtract the `unmodified` set from `modified`; remaining `modified`
//     is truly changed outputs.
//  2. replace each touched input's output set, collecting outputs that
//     input used to own but no longer does (obsolete) into `modified`.
//  3. remove every deleted input's record, collecting the outputs it owned
//     that no surviving input owns (orphans) into `modified`.
//  4. delete every orphaned and obsolete output file from disk (a failed
//     delete is logged at debug level and does not abort the commit).
//  5. store each touched input's referenced-input set.
//  6. store this build's messages for every input that had ClearMessages
//     called, replacing what was there before.
//  7. prune referenced-fingerprint entries nothing references any more.
//  8. persist BuildState to disk (logging first if it had gone stale; a
//     failed save is logged as a warning and the commit continues).
//  9. report updated outputs.
//  10. replay BuildState's current messages for every input belonging to a
//      queried PathSet through the diagnostic router, and fail the build
//      if any of them is error-severity.
func (c *Context) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireOpenLocked(); err != nil {
		return err
	}

	c.modified = c.modified.Difference(c.unmodified)

	var toDelete []string

	inputs := make([]string, 0, len(c.addedOutputs))
	for in := range c.addedOutputs {
		if in == "" {
			continue
		}
		inputs = append(inputs, in)
	}
	sort.Strings(inputs)
	for _, in := range inputs {
		outputs := c.addedOutputs[in].ToSortedSlice()
		obsolete, err := c.state.SetOutputs(in, outputs)
		if err != nil {
			return err
		}
		for _, o := range obsolete {
			c.modified.Add(o)
		}
		toDelete = append(toDelete, obsolete...)
	}

	deleted := c.deletedInputs.ToSortedSlice()
	sort.Sort(sort.Reverse(sort.StringSlice(deleted)))
	for _, in := range deleted {
		orphaned := c.state.RemoveInput(in)
		for _, o := range orphaned {
			c.modified.Add(o)
		}
		toDelete = append(toDelete, orphaned...)
	}

	for _, f := range toDelete {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			logging.Debugf(ctx, "buildavoid: failed to delete obsolete output %q: %s", f, err)
		}
	}

	for in, refs := range c.referenced {
		if err := c.state.SetReferencedInputs(in, refs); err != nil {
			return err
		}
	}

	c.state.MergeMessages(c.messages)
	c.state.CleanupReferencedInputs()

	if c.state.IsStale() {
		logging.Warningf(ctx, "buildavoid: state file %q changed on disk since it was loaded; overwriting anyway", c.state.Path())
	}
	if err := c.state.Save(); err != nil {
		logging.Warningf(ctx, "buildavoid: saving build state %q: %s", c.state.Path(), err)
	}

	if c.modified.Len() > 0 {
		c.host.OutputUpdated(ctx, c.modified.ToSortedSlice())
	}

	errCount := 0
	records := c.state.AllInputRecords()
	replay := make([]string, 0, len(records))
	for in := range records {
		if c.belongsToQueriedSet(in) {
			replay = append(replay, in)
		}
	}
	sort.Strings(replay)
	for _, in := range replay {
		for _, m := range records[in].Messages {
			c.host.AddMessage(ctx, in, m.Line, m.Column, m.Text, m.Severity, m.Cause)
			if m.Severity == buildstate.SeverityError {
				errCount++
			}
		}
	}

	c.status = statusCommitted

	if errCount > 0 {
		return &FailedError{Count: errCount}
	}
	return nil
}

// belongsToQueriedSet reports whether abs was (or could have been) yielded
// by some PathSet this context queried via GetInputs: its base directory
// matches the set's Base and its Base-relative path satisfies the set,
// per spec.md §4.3 step 10.
func (c *Context) belongsToQueriedSet(abs string) bool {
	for _, set := range c.queriedSets {
		if !pathutil.IsAncestor(set.Base, abs) {
			continue
		}
		rel, err := pathutil.Rel(set.Base, abs)
		if err != nil {
			continue
		}
		if rel == "." {
			rel = ""
		}
		if set.IsSelected(rel) {
			return true
		}
	}
	return false
}

// Close discards the context if it was never committed — destroying its
// BuildState via the Host so the next build starts from scratch, per
// spec.md §4.3's "Discarded build" scenario. Committed or already-closed
// contexts are a no-op, making Close idempotent and safe to defer.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == statusClosed {
		return nil
	}
	if c.status == statusOpen {
		if err := c.host.Destroy(c.state); err != nil {
			return err
		}
	}
	c.status = statusClosed
	return nil
}

func canonical(p string) (string, error) {
	if p == "" {
		return "", errors.Reason("buildavoid: empty path").Err()
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errors.Annotate(err, "canonicalizing %q", p).Err()
	}
	return filepath.Clean(abs), nil
}

func canonicalOrEmpty(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	return canonical(p)
}
