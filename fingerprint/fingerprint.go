// Package fingerprint probes filesystem entries and hashes file content.
//
// It realizes the two "what changed" primitives spec.md's data model needs:
// FileState (a cheap stat-based fingerprint of one entry) and Digester (a
// content hash accumulator used by callers to build configuration digests
// or to compare output bytes). Neither type talks to BuildState directly;
// both are pure value/accumulator types other packages compose.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// FileState is the fingerprint of one filesystem entry, per spec.md §3.
//
// Two FileStates are equal iff all three fields match; the zero value never
// legitimately describes an existing entry (mtime epoch + size 0 is
// indistinguishable from "never probed", which Probe callers must not rely
// on — use the returned bool/error instead).
type FileState struct {
	Size        uint64 `json:"size"`
	ModTimeUnix int64  `json:"mtime"`
	IsDirectory bool   `json:"is_dir"`
}

// Equal reports whether two FileStates describe the same entry snapshot.
func (f FileState) Equal(other FileState) bool {
	return f == other
}

// Probe stats path and returns its FileState.
//
// Returns (FileState{}, false, nil) if path does not exist. Any other OS
// error is wrapped and returned.
func Probe(path string) (FileState, bool, error) {
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return FileState{}, false, nil
	case err != nil:
		return FileState{}, false, errors.Annotate(err, "probing %q", path).Err()
	}
	return FileState{
		Size:        uint64(info.Size()),
		ModTimeUnix: info.ModTime().UnixNano(),
		IsDirectory: info.IsDir(),
	}, true, nil
}

// Digester accumulates bytes into a SHA256 content fingerprint.
//
// It is a thin wrapper over hash.Hash that also tracks the total byte count
// so callers can log a human-readable size the way cmdbuild.go logs tarball
// size via humanize.Bytes.
type Digester struct {
	h     interface {
		io.Writer
		Sum([]byte) []byte
	}
	written int64
}

// NewDigester returns a fresh accumulator.
func NewDigester() *Digester {
	return &Digester{h: sha256.New()}
}

// Write implements io.Writer, feeding bytes into the running hash.
func (d *Digester) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.written += int64(n)
	return n, err
}

// WriteFile hashes the full content of path.
func (d *Digester) WriteFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Annotate(err, "opening %q for digest", path).Err()
	}
	defer f.Close()
	if _, err := io.Copy(d, f); err != nil {
		return errors.Annotate(err, "reading %q for digest", path).Err()
	}
	return nil
}

// Sum returns the lowercase hex-encoded digest of everything written so far.
func (d *Digester) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// SumBytes returns the raw digest bytes, for callers storing
// `configuration: bytes?` directly rather than its hex form.
func (d *Digester) SumBytes() []byte {
	return d.h.Sum(nil)
}

// LogSummary emits a debug line describing how much was hashed, in the same
// style cmdbuild.go uses for tarball digests ("Tarball digest: %s" /
// "Tarball length: %s").
func (d *Digester) LogSummary(ctx context.Context, label string) {
	logging.Debugf(ctx, "%s digest: %s", label, d.Sum())
	logging.Debugf(ctx, "%s length: %s", label, humanize.Bytes(uint64(d.written)))
}

// DigestBytes is a convenience one-shot digest of an in-memory blob, used to
// fingerprint configuration digests or small byte strings without going
// through a Digester.
func DigestBytes(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
