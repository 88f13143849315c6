package pathsetcfg

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	Convey("Load", t, func(c C) {
		tmp := newTempDir(c)
		tmp.mkdir("src")

		Convey("Relative base is resolved against the config file's directory", func() {
			tmp.put("sets.yaml", `
sets:
  sources:
    base: src
    include:
      - "**/*.go"
    exclude:
      - "**/*_test.go"
`)
			sets, err := Load(tmp.join("sets.yaml"))
			So(err, ShouldBeNil)
			So(sets, ShouldContainKey, "sources")

			set := sets["sources"]
			So(set.Base, ShouldEqual, tmp.join("src"))
			So(set.IncludeFiles, ShouldBeTrue)
			So(set.IncludeDirs, ShouldBeFalse)
			So(set.IsSelected("a.go"), ShouldBeTrue)
			So(set.IsSelected("a_test.go"), ShouldBeFalse)
		})

		Convey("include_dirs and include_files can be overridden", func() {
			tmp.put("sets.yaml", `
sets:
  dirs-only:
    base: src
    include_files: false
    include_dirs: true
`)
			sets, err := Load(tmp.join("sets.yaml"))
			So(err, ShouldBeNil)
			So(sets["dirs-only"].IncludeFiles, ShouldBeFalse)
			So(sets["dirs-only"].IncludeDirs, ShouldBeTrue)
		})

		Convey("Multiple sets load independently", func() {
			tmp.put("sets.yaml", `
sets:
  a:
    base: src
  b:
    base: src
    include:
      - "*.md"
`)
			sets, err := Load(tmp.join("sets.yaml"))
			So(err, ShouldBeNil)
			So(len(sets), ShouldEqual, 2)
			So(sets["a"].Include, ShouldBeEmpty)
			So(sets["b"].Include, ShouldResemble, []string{"*.md"})
		})

		Convey("Malformed YAML is an error", func() {
			tmp.put("bad.yaml", "not: [valid")
			_, err := Load(tmp.join("bad.yaml"))
			So(err, ShouldNotBeNil)
		})
	})
}

type tmpDir struct {
	p string
	c C
}

func newTempDir(c C) tmpDir {
	tmp, err := os.MkdirTemp("", "pathsetcfg_test")
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
