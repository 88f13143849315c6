package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStateFilePath(t *testing.T) {
	t.Parallel()

	Convey("StateFilePath is deterministic and keyed on all three inputs", t, func(c C) {
		tmp := newTempDir(c)
		out := tmp.join("out")
		state := tmp.join("state")

		p1, err := StateFilePath(out, state, "builder-a")
		So(err, ShouldBeNil)
		p2, err := StateFilePath(out, state, "builder-a")
		So(err, ShouldBeNil)
		So(p1, ShouldEqual, p2)

		p3, err := StateFilePath(out, state, "builder-b")
		So(err, ShouldBeNil)
		So(p3, ShouldNotEqual, p1)

		p4, err := StateFilePath(tmp.join("other-out"), state, "builder-a")
		So(err, ShouldBeNil)
		So(p4, ShouldNotEqual, p1)

		So(filepath.Dir(p1), ShouldEqual, state)
	})
}

func TestNewContextCaching(t *testing.T) {
	t.Parallel()

	Convey("Two contexts against the same triple share one BuildState while it's reachable", t, func(c C) {
		tmp := newTempDir(c)
		m := New(Options{})
		ctx := context.Background()

		c1, err := m.NewContext(ctx, tmp.join("out"), tmp.join("state"), "b")
		So(err, ShouldBeNil)
		c2, err := m.NewContext(ctx, tmp.join("out"), tmp.join("state"), "b")
		So(err, ShouldBeNil)

		So(c1.State(), ShouldPointTo, c2.State())
		So(c1.Close(), ShouldBeNil)
	})

	Convey("Different builder identities get independent states", t, func(c C) {
		tmp := newTempDir(c)
		m := New(Options{})
		ctx := context.Background()

		c1, err := m.NewContext(ctx, tmp.join("out"), tmp.join("state"), "b1")
		So(err, ShouldBeNil)
		c2, err := m.NewContext(ctx, tmp.join("out"), tmp.join("state"), "b2")
		So(err, ShouldBeNil)

		So(c1.State(), ShouldNotPointTo, c2.State())
		So(c1.State().Path(), ShouldNotEqual, c2.State().Path())
	})
}

func TestDestroy(t *testing.T) {
	t.Parallel()

	Convey("Destroy evicts the cache entry and deletes the file", t, func(c C) {
		tmp := newTempDir(c)
		m := New(Options{})
		ctx := context.Background()

		cc, err := m.NewContext(ctx, tmp.join("out"), tmp.join("state"), "b")
		So(err, ShouldBeNil)
		So(cc.Commit(ctx), ShouldBeNil) // persists the state file

		path := cc.State().Path()
		_, err = os.Stat(path)
		So(err, ShouldBeNil)

		So(m.Destroy(cc.State()), ShouldBeNil)
		_, err = os.Stat(path)
		So(os.IsNotExist(err), ShouldBeTrue)

		cc2, err := m.NewContext(ctx, tmp.join("out"), tmp.join("state"), "b")
		So(err, ShouldBeNil)
		So(cc2.State(), ShouldNotPointTo, cc.State())
	})
}

func TestDefaultHooksDoNotPanic(t *testing.T) {
	t.Parallel()

	Convey("Default Options hooks can be called directly without a configured logger", t, func() {
		ctx := context.Background()
		m := New(Options{})
		cause := "because"
		So(func() {
			m.AddMessage(ctx, "f.txt", 1, 2, "oops", 1, &cause)
			m.AddMessage(ctx, "f.txt", 0, 0, "", 0, nil)
			m.ClearMessages(ctx, "f.txt")
			m.OutputUpdated(ctx, []string{"f.out"})
		}, ShouldNotPanic)
	})
}

type tmpDir struct {
	p string
	c C
}

func newTempDir(c C) tmpDir {
	tmp, err := os.MkdirTemp("", "manager_test")
	c.So(err, ShouldBeNil)
	c.Reset(func() { os.RemoveAll(tmp) })
	return tmpDir{tmp, c}
}

func (t tmpDir) join(p string) string {
	return filepath.Join(t.p, filepath.FromSlash(p))
}
