package buildstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestConfiguration(t *testing.T) {
	t.Parallel()

	Convey("IsConfigurationChanged", t, func(c C) {
		tmp := newTempDir(c)
		s := New(tmp.join("state.json"))

		Convey("No prior configuration is always changed", func() {
			So(s.IsConfigurationChanged([]byte("v1")), ShouldBeTrue)
		})

		Convey("Same digest is not changed", func() {
			s.SetConfiguration([]byte("v1"))
			So(s.IsConfigurationChanged([]byte("v1")), ShouldBeFalse)
			So(s.IsConfigurationChanged([]byte("v2")), ShouldBeTrue)
		})
	})
}

func TestValues(t *testing.T) {
	t.Parallel()

	Convey("GetValue/SetValue is a live opaque bag", t, func(c C) {
		s := New(newTempDir(c).join("state.json"))
		_, ok := s.GetValue("k")
		So(ok, ShouldBeFalse)

		s.SetValue("k", []byte("v"))
		v, ok := s.GetValue("k")
		So(ok, ShouldBeTrue)
		So(v, ShouldResemble, []byte("v"))
	})
}

func TestIsProcessingRequired(t *testing.T) {
	t.Parallel()

	Convey("IsProcessingRequired", t, func(c C) {
		tmp := newTempDir(c)
		tmp.put("a.txt", "hello")
		s := New(tmp.join("state.json"))

		Convey("Never-seen file needs processing", func() {
			So(s.IsProcessingRequired(tmp.join("a.txt")), ShouldBeTrue)
		})

		Convey("Unchanged tracked file does not", func() {
			_, err := s.SetOutputs(tmp.join("a.txt"), nil)
			So(err, ShouldBeNil)
			So(s.IsProcessingRequired(tmp.join("a.txt")), ShouldBeFalse)
		})

		Convey("Modified tracked file does", func() {
			_, err := s.SetOutputs(tmp.join("a.txt"), nil)
			So(err, ShouldBeNil)
			tmp.put("a.txt", "hello, much longer now")
			So(s.IsProcessingRequired(tmp.join("a.txt")), ShouldBeTrue)
		})

		Convey("Deleted tracked file does", func() {
			_, err := s.SetOutputs(tmp.join("a.txt"), nil)
			So(err, ShouldBeNil)
			So(os.Remove(tmp.join("a.txt")), ShouldBeNil)
			So(s.IsProcessingRequired(tmp.join("a.txt")), ShouldBeTrue)
		})

		Convey("Dirty referenced input propagates", func() {
			tmp.put("ref.txt", "r1")
			_, err := s.SetOutputs(tmp.join("a.txt"), nil)
			So(err, ShouldBeNil)
			So(s.SetReferencedInputs(tmp.join("a.txt"), []string{tmp.join("ref.txt")}), ShouldBeNil)
			So(s.IsProcessingRequired(tmp.join("a.txt")), ShouldBeFalse)

			tmp.put("ref.txt", "r1, but different now")
			So(s.IsProcessingRequired(tmp.join("a.txt")), ShouldBeTrue)
		})

		Convey("Reference cycles terminate", func() {
			tmp.put("b.txt", "b")
			_, err := s.SetOutputs(tmp.join("a.txt"), nil)
			So(err, ShouldBeNil)
			_, err = s.SetOutputs(tmp.join("b.txt"), nil)
			So(err, ShouldBeNil)
			So(s.SetReferencedInputs(tmp.join("a.txt"), []string{tmp.join("b.txt")}), ShouldBeNil)
			So(s.SetReferencedInputs(tmp.join("b.txt"), []string{tmp.join("a.txt")}), ShouldBeNil)

			So(s.IsProcessingRequired(tmp.join("a.txt")), ShouldBeFalse)
		})
	})
}

func TestOutputsAndDeletion(t *testing.T) {
	t.Parallel()

	Convey("SetOutputs reports obsolete outputs", t, func(c C) {
		tmp := newTempDir(c)
		tmp.put("a.txt", "a")
		s := New(tmp.join("state.json"))

		obsolete, err := s.SetOutputs(tmp.join("a.txt"), []string{"out1", "out2"})
		So(err, ShouldBeNil)
		So(obsolete, ShouldBeEmpty)

		obsolete, err = s.SetOutputs(tmp.join("a.txt"), []string{"out2", "out3"})
		So(err, ShouldBeNil)
		So(obsolete, ShouldResemble, []string{"out1"})
	})

	Convey("RemoveInput reports orphaned outputs not shared with another input", t, func(c C) {
		tmp := newTempDir(c)
		tmp.put("a.txt", "a")
		tmp.put("b.txt", "b")
		s := New(tmp.join("state.json"))

		_, err := s.SetOutputs(tmp.join("a.txt"), []string{"shared", "only-a"})
		So(err, ShouldBeNil)
		_, err = s.SetOutputs(tmp.join("b.txt"), []string{"shared"})
		So(err, ShouldBeNil)

		orphaned := s.RemoveInput(tmp.join("a.txt"))
		So(orphaned, ShouldResemble, []string{"only-a"})

		orphaned = s.RemoveInput(tmp.join("b.txt"))
		So(orphaned, ShouldResemble, []string{"shared"})
	})

	Convey("GetDeletedInputPaths reports tracked inputs absent from a selection", t, func(c C) {
		tmp := newTempDir(c)
		tmp.put("a.txt", "a")
		tmp.put("b.txt", "b")
		tmp.mkdir("other")
		tmp.put("other/c.txt", "c")
		s := New(tmp.join("state.json"))

		_, err := s.SetOutputs(tmp.join("a.txt"), nil)
		So(err, ShouldBeNil)
		_, err = s.SetOutputs(tmp.join("b.txt"), nil)
		So(err, ShouldBeNil)
		_, err = s.SetOutputs(tmp.join("other/c.txt"), nil)
		So(err, ShouldBeNil)

		deleted := s.GetDeletedInputPaths(tmp.p, map[string]bool{tmp.join("a.txt"): true})
		So(deleted, ShouldResemble, []string{"b.txt", "other/c.txt"})
	})
}

func TestMessagesAndReferences(t *testing.T) {
	t.Parallel()

	Convey("MergeMessages replaces and returns the prior set", t, func(c C) {
		s := New(newTempDir(c).join("state.json"))

		old := s.MergeMessages(map[string][]Message{
			"in1": {{Text: "first", Severity: SeverityWarning}},
		})
		So(old["in1"], ShouldBeEmpty)

		old = s.MergeMessages(map[string][]Message{
			"in1": {{Text: "second", Severity: SeverityError}},
		})
		So(old["in1"], ShouldResemble, []Message{{Text: "first", Severity: SeverityWarning}})
	})

	Convey("CleanupReferencedInputs prunes fingerprints for dropped references", t, func(c C) {
		tmp := newTempDir(c)
		tmp.put("a.txt", "a")
		tmp.put("ref.txt", "r")
		s := New(tmp.join("state.json"))

		_, err := s.SetOutputs(tmp.join("a.txt"), nil)
		So(err, ShouldBeNil)
		So(s.SetReferencedInputs(tmp.join("a.txt"), []string{tmp.join("ref.txt")}), ShouldBeNil)
		So(s.SetReferencedInputs(tmp.join("a.txt"), nil), ShouldBeNil)

		s.CleanupReferencedInputs()
		recs := s.AllInputRecords()
		So(recs[tmp.join("a.txt")].ReferencedFingerprints, ShouldBeEmpty)
	})
}

func TestPersistence(t *testing.T) {
	t.Parallel()

	Convey("Save then Load round-trips", t, func(c C) {
		tmp := newTempDir(c)
		tmp.put("a.txt", "a")
		path := tmp.join("state.json")

		s := New(path)
		s.SetConfiguration([]byte("cfg-v1"))
		_, err := s.SetOutputs(tmp.join("a.txt"), []string{"out1"})
		So(err, ShouldBeNil)
		So(s.Save(), ShouldBeNil)

		loaded, err := Load(path)
		So(err, ShouldBeNil)
		So(loaded.IsConfigurationChanged([]byte("cfg-v1")), ShouldBeFalse)
		So(loaded.AllInputRecords()[tmp.join("a.txt")].Outputs, ShouldResemble, []string{"out1"})
	})

	Convey("Load of a missing file returns an empty State, no error", t, func(c C) {
		tmp := newTempDir(c)
		s, err := Load(tmp.join("nope.json"))
		So(err, ShouldBeNil)
		So(s.AllInputRecords(), ShouldBeEmpty)
	})

	Convey("Load of a corrupt file is tagged ErrDecode", t, func(c C) {
		tmp := newTempDir(c)
		tmp.put("bad.json", "{not valid json")
		_, err := Load(tmp.join("bad.json"))
		So(err, ShouldNotBeNil)
		So(ErrDecode.In(err), ShouldBeTrue)
	})

	Convey("LoadOrEmpty swallows a decode failure", t, func(c C) {
		tmp := newTempDir(c)
		tmp.put("bad.json", "{not valid json")
		s := LoadOrEmpty(context.Background(), tmp.join("bad.json"))
		So(s.AllInputRecords(), ShouldBeEmpty)
	})

	Convey("IsStale", t, func(c C) {
		tmp := newTempDir(c)
		path := tmp.join("state.json")

		Convey("Fresh State is never stale before first save", func() {
			s := New(path)
			So(s.IsStale(), ShouldBeFalse)
		})

		Convey("Loaded State becomes stale if the file changes underneath it", func() {
			s := New(path)
			So(s.Save(), ShouldBeNil)

			loaded, err := Load(path)
			So(err, ShouldBeNil)
			So(loaded.IsStale(), ShouldBeFalse)

			So(loaded.Save(), ShouldBeNil) // touches mtime on the same instance, fine
			So(loaded.IsStale(), ShouldBeFalse)

			So(os.Remove(path), ShouldBeNil)
			So(loaded.IsStale(), ShouldBeTrue)
		})
	})

	Convey("Destroy removes the state file and tolerates a missing one", t, func(c C) {
		tmp := newTempDir(c)
		path := tmp.join("state.json")
		s := New(path)
		So(s.Save(), ShouldBeNil)
		So(s.Destroy(), ShouldBeNil)
		_, err := os.Stat(path)
		So(os.IsNotExist(err), ShouldBeTrue)
		So(s.Destroy(), ShouldBeNil)
	})
}

type tmpDir struct {
	p string
	c C
}

func newTempDir(c C) tmpDir {
	tmp, err := os.MkdirTemp("", "buildstate_test")
	c.So(err, ShouldBeNil)
	c.Reset(func() { os.RemoveAll(tmp) })
	return tmpDir{tmp, c}
}

func (t tmpDir) join(p string) string {
	return filepath.Join(t.p, filepath.FromSlash(p))
}

func (t tmpDir) mkdir(p string) {
	t.c.So(os.MkdirAll(t.join(p), 0777), ShouldBeNil)
}

func (t tmpDir) put(p, data string) {
	t.mkdir(filepath.Dir(p))
	t.c.So(os.WriteFile(t.join(p), []byte(data), 0666), ShouldBeNil)
}
