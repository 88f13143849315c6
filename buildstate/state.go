// Package buildstate implements spec.md §3's persisted BuildState: the
// record of the previous build that lets the engine tell unchanged inputs
// from dirty ones, and that tracks which outputs belong to which inputs so
// obsolete and orphaned outputs can be found and deleted.
//
// State owns no filesystem-walking logic (that's `resolver`) and no
// lifecycle/commit-sequencing logic (that's `buildctx`); it only holds the
// model and the handful of queries/mutations spec.md §4.2 assigns to it.
package buildstate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"buildavoid/fingerprint"
)

// Severity is a Message's severity level, per spec.md §3.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// Message is a per-input diagnostic, per spec.md §3.
type Message struct {
	Line     int      `json:"line"`
	Column   int      `json:"column"`
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
	Cause    *string  `json:"cause,omitempty"`
}

// InputRecord is the persisted tuple for one input, per spec.md §3.
type InputRecord struct {
	Outputs                []string                        `json:"outputs"`
	Referenced              []string                        `json:"referenced"`
	Fingerprint             fingerprint.FileState           `json:"fingerprint"`
	ReferencedFingerprints  map[string]fingerprint.FileState `json:"referenced_fingerprints"`
	Messages                []Message                       `json:"messages"`
}

func newInputRecord() *InputRecord {
	return &InputRecord{ReferencedFingerprints: map[string]fingerprint.FileState{}}
}

// onDisk is the JSON envelope persisted to the state file. State itself
// carries extra bookkeeping (path, file_time, mutex) that doesn't belong in
// the serialized form.
type onDisk struct {
	Configuration []byte                  `json:"configuration,omitempty"`
	Inputs        map[string]*InputRecord `json:"inputs"`
	UserValues    map[string][]byte       `json:"user_values,omitempty"`
}

// State is the persisted build-state model for one state-file path.
//
// All exported methods are safe for concurrent use; BuildContext (the only
// intended caller of the mutating methods) relies on this so its own
// commit-time operations don't need a separate lock around State access.
type State struct {
	mu sync.Mutex

	path string

	configuration []byte
	inputs        map[string]*InputRecord
	outputToInput map[string]map[string]struct{} // derived index, invariant 1
	userValues    map[string][]byte

	fileTime  int64 // mtime of the state file at load, 0 if never loaded from disk
	everSaved bool  // true once Save has run at least once from this instance
}

// New constructs an empty State not backed by any existing file (used for a
// forced full build, or when no file exists on disk yet).
func New(path string) *State {
	return &State{
		path:          path,
		inputs:        map[string]*InputRecord{},
		outputToInput: map[string]map[string]struct{}{},
		userValues:    map[string][]byte{},
	}
}

// Load reads path and decodes it into a State.
//
// If path does not exist, returns an empty State (same as New) and no
// error — an absent state file simply means "no prior build", not a
// failure. If path exists but cannot be decoded, the returned error is
// tagged with ErrDecode so callers can tell a real I/O failure from a
// corrupt/incompatible state file (spec.md §7's `Decode` kind).
func Load(path string) (*State, error) {
	return load(path)
}

// LoadOrEmpty is Load, but a Decode failure is logged and treated as "no
// prior state" instead of propagated — this is the behavior spec.md §6
// prescribes for a state file a reader "cannot decode": force a full build,
// don't fail it. Manager uses this; direct callers that want to distinguish
// the two cases should call Load instead.
func LoadOrEmpty(ctx context.Context, path string) *State {
	s, err := load(path)
	if err != nil {
		logging.Warningf(ctx, "buildstate: treating %q as absent: %s", path, err)
		return New(path)
	}
	return s
}

func load(path string) (*State, error) {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return New(path), nil
	case err != nil:
		return nil, errors.Annotate(err, "stat %q", path).Err()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading %q", path).Err()
	}

	var d onDisk
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.Annotate(err, "decoding %q", path).Tag(ErrDecode).Err()
	}

	s := &State{
		path:          path,
		configuration: d.Configuration,
		inputs:        d.Inputs,
		outputToInput: map[string]map[string]struct{}{},
		userValues:    d.UserValues,
		fileTime:      info.ModTime().UnixNano(),
	}
	if s.inputs == nil {
		s.inputs = map[string]*InputRecord{}
	}
	if s.userValues == nil {
		s.userValues = map[string][]byte{}
	}
	for _, rec := range s.inputs {
		if rec.ReferencedFingerprints == nil {
			rec.ReferencedFingerprints = map[string]fingerprint.FileState{}
		}
	}
	s.rebuildIndex()
	return s, nil
}

// ErrDecode tags errors.Annotate'd errors produced when a state file exists
// but cannot be parsed, per spec.md §7's `Decode` kind.
var ErrDecode = errors.BoolTag{Key: errors.NewTagKey("build state decode failure")}

func (s *State) rebuildIndex() {
	s.outputToInput = map[string]map[string]struct{}{}
	for in, rec := range s.inputs {
		for _, out := range rec.Outputs {
			m, ok := s.outputToInput[out]
			if !ok {
				m = map[string]struct{}{}
				s.outputToInput[out] = m
			}
			m[in] = struct{}{}
		}
	}
}

// Path returns the state-file path this State is (or will be) persisted at.
func (s *State) Path() string { return s.path }

// --- Queries (spec.md §4.2) -------------------------------------------------

// IsConfigurationChanged reports whether digest differs from the last
// committed configuration digest (or none was ever committed).
func (s *State) IsConfigurationChanged(digest []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configuration == nil {
		return true
	}
	if len(digest) != len(s.configuration) {
		return true
	}
	for i := range digest {
		if digest[i] != s.configuration[i] {
			return true
		}
	}
	return false
}

// GetValue reads an entry from the opaque user-value bag.
func (s *State) GetValue(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.userValues[key]
	return v, ok
}

// SetValue stashes an entry in the opaque user-value bag. Per spec.md §4.2,
// this is a live mutation (not gated behind commit) — the bag is meant for
// cheap cross-build scratch data, not for anything requiring commit
// atomicity.
func (s *State) SetValue(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userValues[key] = value
}

// IsProcessingRequired reports whether file must be reprocessed: its
// current FileState differs from the stored one (or there is none), or any
// transitively referenced input reports true. visited guards against
// reference cycles within one top-level query, per spec.md's Design Notes.
func (s *State) IsProcessingRequired(file string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isProcessingRequiredLocked(file, map[string]bool{})
}

func (s *State) isProcessingRequiredLocked(file string, visited map[string]bool) bool {
	if visited[file] {
		return false // already being evaluated higher up the chain; don't recurse forever
	}
	visited[file] = true

	rec, tracked := s.inputs[file]

	current, exists, err := fingerprint.Probe(file)
	if err != nil || !exists {
		return true // gone or unreadable: treat as changed, let the resolver report deletion separately
	}
	if !tracked {
		return true // never seen before
	}
	if !rec.Fingerprint.Equal(current) {
		return true
	}

	for _, ref := range rec.Referenced {
		if _, ok := s.inputs[ref]; ok {
			if s.isProcessingRequiredLocked(ref, visited) {
				return true
			}
			continue
		}
		// External referenced file: compare against its stored fingerprint.
		stored, ok := rec.ReferencedFingerprints[ref]
		if !ok {
			return true
		}
		cur, exists, err := fingerprint.Probe(ref)
		if err != nil || !exists || !stored.Equal(cur) {
			return true
		}
	}
	return false
}

// GetDeletedInputPaths returns the '/'-relative paths of every input
// tracked under base that is absent from selectedFiles (an absolute-path
// set the resolver just produced by walking the directory).
func (s *State) GetDeletedInputPaths(base string, selectedFiles map[string]bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for in := range s.inputs {
		if !underBase(base, in) {
			continue
		}
		if selectedFiles[in] {
			continue
		}
		rel, err := filepath.Rel(base, in)
		if err != nil {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	sort.Strings(out)
	return out
}

func underBase(base, candidate string) bool {
	rel, err := filepath.Rel(base, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// --- Mutations (applied only from buildctx's commit, spec.md §4.2) --------

// SetConfiguration overwrites the stored configuration digest.
func (s *State) SetConfiguration(digest []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configuration = append([]byte(nil), digest...)
}

// SetReferencedInputs overwrites input's referenced set and captures a
// fresh fingerprint for every entry not tracked as an input itself
// (external referenced files, per spec.md invariant 2).
func (s *State) SetReferencedInputs(input string, refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureRecordLocked(input)
	rec.Referenced = append([]string(nil), refs...)
	sort.Strings(rec.Referenced)

	for _, ref := range rec.Referenced {
		if _, isInput := s.inputs[ref]; isInput {
			continue
		}
		fs, exists, err := fingerprint.Probe(ref)
		if err != nil {
			return errors.Annotate(err, "probing referenced input %q", ref).Err()
		}
		if exists {
			rec.ReferencedFingerprints[ref] = fs
		}
	}
	return nil
}

// SetOutputs replaces input's output set, re-probes input's own FileState,
// and returns the outputs that were tracked for input before but are not
// in outputs now — the obsolete set spec.md §4.2 requires callers to
// delete.
func (s *State) SetOutputs(input string, outputs []string) (obsolete []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.ensureRecordLocked(input)

	oldSet := map[string]bool{}
	for _, o := range rec.Outputs {
		oldSet[o] = true
	}
	newSet := map[string]bool{}
	for _, o := range outputs {
		newSet[o] = true
	}
	for o := range oldSet {
		if !newSet[o] {
			obsolete = append(obsolete, o)
		}
	}
	sort.Strings(obsolete)

	s.unindexOutputsLocked(input, rec.Outputs)
	rec.Outputs = append([]string(nil), outputs...)
	sort.Strings(rec.Outputs)
	s.indexOutputsLocked(input, rec.Outputs)

	fs, exists, ferr := fingerprint.Probe(input)
	if ferr != nil {
		return obsolete, errors.Annotate(ferr, "probing input %q", input).Err()
	}
	if exists {
		rec.Fingerprint = fs
	}
	return obsolete, nil
}

// RemoveInput deletes input's record entirely and returns the outputs it
// used to own that are not owned by any other input after removal — the
// orphans spec.md §4.2 requires callers to delete.
func (s *State) RemoveInput(input string) (orphaned []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inputs[input]
	if !ok {
		return nil
	}
	delete(s.inputs, input)
	s.unindexOutputsLocked(input, rec.Outputs)

	for _, out := range rec.Outputs {
		if len(s.outputToInput[out]) == 0 {
			orphaned = append(orphaned, out)
		}
	}
	sort.Strings(orphaned)
	return orphaned
}

// MergeMessages replaces the stored messages for every input present in
// newMessages and returns what was stored for each of those inputs before
// the replacement. buildctx's Commit ignores the returned map and replays
// diagnostics from AllInputRecords after the merge.
func (s *State) MergeMessages(newMessages map[string][]Message) (old map[string][]Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old = map[string][]Message{}
	for input, msgs := range newMessages {
		rec := s.ensureRecordLocked(input)
		old[input] = rec.Messages
		rec.Messages = append([]Message(nil), msgs...)
	}
	return old
}

// CleanupReferencedInputs prunes referenced-fingerprint entries for files no
// longer referenced by any surviving input, per spec.md invariant 2.
func (s *State) CleanupReferencedInputs() {
	s.mu.Lock()
	defer s.mu.Unlock()

	stillReferenced := map[string]bool{}
	for _, rec := range s.inputs {
		for _, ref := range rec.Referenced {
			stillReferenced[ref] = true
		}
	}
	for _, rec := range s.inputs {
		for ref := range rec.ReferencedFingerprints {
			if !stillReferenced[ref] {
				delete(rec.ReferencedFingerprints, ref)
			}
		}
	}
}

// AllInputRecords returns a shallow snapshot of every tracked input's
// record, keyed by absolute path, for read-only inspection (e.g. by
// cmd/incstate's `inspect` subcommand).
func (s *State) AllInputRecords() map[string]InputRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]InputRecord, len(s.inputs))
	for k, v := range s.inputs {
		out[k] = *v
	}
	return out
}

func (s *State) ensureRecordLocked(input string) *InputRecord {
	rec, ok := s.inputs[input]
	if !ok {
		rec = newInputRecord()
		s.inputs[input] = rec
	}
	return rec
}

func (s *State) indexOutputsLocked(input string, outputs []string) {
	for _, out := range outputs {
		m, ok := s.outputToInput[out]
		if !ok {
			m = map[string]struct{}{}
			s.outputToInput[out] = m
		}
		m[input] = struct{}{}
	}
}

func (s *State) unindexOutputsLocked(input string, outputs []string) {
	for _, out := range outputs {
		m, ok := s.outputToInput[out]
		if !ok {
			continue
		}
		delete(m, input)
		if len(m) == 0 {
			delete(s.outputToInput, out)
		}
	}
}

// --- Persistence -------------------------------------------------------

// IsStale reports whether the on-disk file has been rewritten since this
// State was loaded (per spec.md §3's `file_time` field): the file is gone,
// or its mtime no longer matches what was observed at Load time.
func (s *State) IsStale() bool {
	s.mu.Lock()
	path, loadedAt, saved := s.path, s.fileTime, s.everSaved
	s.mu.Unlock()

	if loadedAt == 0 && !saved {
		return false // never loaded from disk and never saved: nothing to be stale against
	}
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return info.ModTime().UnixNano() != loadedAt
}

// Save persists the state atomically (write-to-temp + rename), the same
// idiom cloudbuildhelper uses when staging a tarball before upload. Proceeds
// even if IsStale is true (per spec.md §4.2: "save() proceeds anyway but
// logs the event"); Save itself does not log, so the caller is expected to
// have already checked IsStale and logged.
func (s *State) Save() error {
	s.mu.Lock()
	d := onDisk{
		Configuration: s.configuration,
		Inputs:        s.inputs,
		UserValues:    s.userValues,
	}
	path := s.path
	s.mu.Unlock()

	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.Annotate(err, "marshaling build state").Err()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Annotate(err, "creating state dir %q", dir).Err()
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s.tmp-*", filepath.Base(path)))
	if err != nil {
		return errors.Annotate(err, "creating temp state file").Err()
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errors.Annotate(err, "writing temp state file").Err()
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Annotate(err, "syncing temp state file").Err()
	}
	if err := tmp.Close(); err != nil {
		return errors.Annotate(err, "closing temp state file").Err()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Annotate(err, "renaming temp state file into place").Err()
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.Annotate(err, "stat after save").Err()
	}

	s.mu.Lock()
	s.fileTime = info.ModTime().UnixNano()
	s.everSaved = true
	s.mu.Unlock()
	return nil
}

// Destroy removes the state file from disk, if present. Per spec.md §4.3,
// this is what Manager.Destroy and a discarded (close-without-commit)
// BuildContext both do.
func (s *State) Destroy() error {
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Annotate(err, "removing state file %q", path).Err()
	}
	return nil
}

// NowUnixNano is a small seam so tests can stamp deterministic FileStates
// without this package depending on go.chromium.org/luci/common/clock
// itself (probing real files already uses os.Stat's own clock).
func NowUnixNano() int64 {
	return time.Now().UnixNano()
}
