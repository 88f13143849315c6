// Package outputstream implements spec.md §4.5's IncrementalOutputStream:
// a write-through-compare destination that leaves an existing file's bytes
// and mtime untouched when a client writes exactly the same content again.
//
// This generalizes the "don't touch the file if it's already right" idea in
// the teacher's builder/step_copy.go (a whole-file compare-then-maybe-copy)
// into a streaming io.WriteCloser, since generators write output
// incrementally rather than handing over a complete buffer. Rewrites go
// through a temp-file-then-rename, the same atomic-replace idiom
// buildstate.Save uses, so a crash mid-write never leaves a half-written
// output in place of a good one.
package outputstream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.chromium.org/luci/common/errors"
)

// Recorder is called once, at Close, with the final verdict: modified is
// true iff the stream ended up rewriting the file. This is exactly
// buildctx.Context.add_output(path, modified)'s shape from spec.md §4.3.
type Recorder interface {
	Recorded(path string, modified bool)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(path string, modified bool)

// Recorded implements Recorder.
func (f RecorderFunc) Recorded(path string, modified bool) { f(path, modified) }

// Stream is an io.WriteCloser that compares every byte written against the
// pre-existing file at the same path and only actually rewrites the file if
// the content (or length) diverges.
type Stream struct {
	path     string
	recorder Recorder

	existing *os.File
	reader   *bufio.Reader
	consumed int64 // bytes of p confirmed equal to the existing file so far
	matched  bool  // true once a divergence has forced a switch to rewriting

	tmp     *os.File // temp file being written once a divergence is found
	tmpPath string
	closed  bool
}

// New opens path for write-through-compare. The destination's parent
// directories are created lazily, on first actual write, per spec.md
// §4.5 ("parent directories are created on first write").
func New(path string, recorder Recorder) (*Stream, error) {
	s := &Stream{path: path, recorder: recorder}
	if f, err := os.Open(path); err == nil {
		s.existing = f
		s.reader = bufio.NewReader(f)
	} else if !os.IsNotExist(err) {
		return nil, errors.Annotate(err, "opening existing %q for comparison", path).Err()
	}
	return s, nil
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.Reason("outputstream: write after close").Err()
	}
	if s.matched {
		return s.tmp.Write(p)
	}

	_, diverged, err := s.compare(p)
	if err != nil {
		return 0, err
	}
	if !diverged {
		s.consumed += int64(len(p))
		return len(p), nil
	}

	// First divergence: switch to rewriting via a temp file, first replaying
	// the prefix already confirmed to match, then this chunk.
	if err := s.switchToRewrite(); err != nil {
		return 0, err
	}
	return s.tmp.Write(p)
}

// compare reads up to len(p) bytes from the existing file and compares them
// to p. Returns diverged=true the moment a mismatch, or the existing file
// running out of bytes, is found.
func (s *Stream) compare(p []byte) (n int, diverged bool, err error) {
	if s.reader == nil {
		return 0, true, nil // no existing file at all: everything is new content
	}
	buf := make([]byte, len(p))
	read, rerr := io.ReadFull(s.reader, buf)
	if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
		return 0, false, errors.Annotate(rerr, "reading existing %q for comparison", s.path).Err()
	}
	if read < len(p) || !bytes.Equal(buf[:read], p) {
		return read, true, nil
	}
	return read, false, nil
}

// switchToRewrite opens a temp file next to the destination and copies the
// `consumed` bytes already confirmed to match from a fresh read handle on
// the (still untouched) existing file.
func (s *Stream) switchToRewrite() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Annotate(err, "creating parent dir for %q", s.path).Err()
	}
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s.tmp-*", filepath.Base(s.path)))
	if err != nil {
		return errors.Annotate(err, "creating temp file for %q", s.path).Err()
	}
	s.tmp = tmp
	s.tmpPath = tmp.Name()

	if s.consumed > 0 {
		prefix, err := os.Open(s.path)
		if err != nil {
			return errors.Annotate(err, "reopening %q to copy matched prefix", s.path).Err()
		}
		defer prefix.Close()
		if _, err := io.CopyN(s.tmp, prefix, s.consumed); err != nil {
			return errors.Annotate(err, "copying matched prefix of %q", s.path).Err()
		}
	}

	s.matched = true
	return nil
}

// Close finishes the stream: if nothing ever diverged and the existing
// file's length matches what was written, the file on disk is left
// untouched and Recorder.Recorded(path, false) fires. Otherwise the
// rewritten file is flushed and Recorder.Recorded(path, true) fires.
//
// Idempotent, per spec.md §4.5.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.existing != nil {
		defer s.existing.Close()
	}

	if s.tmp != nil {
		if err := s.tmp.Sync(); err != nil {
			os.Remove(s.tmpPath)
			return errors.Annotate(err, "syncing rewritten %q", s.path).Err()
		}
		if err := s.tmp.Close(); err != nil {
			os.Remove(s.tmpPath)
			return errors.Annotate(err, "closing rewritten %q", s.path).Err()
		}
		if err := os.Rename(s.tmpPath, s.path); err != nil {
			return errors.Annotate(err, "renaming rewritten %q into place", s.path).Err()
		}
		s.recorder.Recorded(s.path, true)
		return nil
	}

	if s.existing == nil {
		// No prior file and nothing was ever written: create an empty one.
		if err := os.WriteFile(s.path, nil, 0644); err != nil {
			return errors.Annotate(err, "creating empty %q", s.path).Err()
		}
		s.recorder.Recorded(s.path, true)
		return nil
	}

	// Nothing diverged. If the existing file had more bytes than we wrote,
	// that's a length mismatch — still a real modification (truncate needed).
	if _, err := s.reader.Peek(1); err != io.EOF {
		if err := os.Truncate(s.path, s.consumed); err != nil {
			return errors.Annotate(err, "truncating %q to %d bytes", s.path, s.consumed).Err()
		}
		s.recorder.Recorded(s.path, true)
		return nil
	}

	s.recorder.Recorded(s.path, false)
	return nil
}
