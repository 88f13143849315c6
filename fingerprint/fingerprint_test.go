package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestProbe(t *testing.T) {
	t.Parallel()

	Convey("Probe", t, func(c C) {
		tmp := newTempDir(c)

		Convey("Missing path", func() {
			fs, exists, err := Probe(tmp.join("nope"))
			So(err, ShouldBeNil)
			So(exists, ShouldBeFalse)
			So(fs, ShouldResemble, FileState{})
		})

		Convey("Regular file", func() {
			tmp.put("a.txt", "hello")
			fs, exists, err := Probe(tmp.join("a.txt"))
			So(err, ShouldBeNil)
			So(exists, ShouldBeTrue)
			So(fs.Size, ShouldEqual, 5)
			So(fs.IsDirectory, ShouldBeFalse)
		})

		Convey("Directory", func() {
			tmp.mkdir("sub")
			fs, exists, err := Probe(tmp.join("sub"))
			So(err, ShouldBeNil)
			So(exists, ShouldBeTrue)
			So(fs.IsDirectory, ShouldBeTrue)
		})

		Convey("Equal compares all fields", func() {
			a := FileState{Size: 1, ModTimeUnix: 2}
			b := FileState{Size: 1, ModTimeUnix: 2}
			d := FileState{Size: 1, ModTimeUnix: 3}
			So(a.Equal(b), ShouldBeTrue)
			So(a.Equal(d), ShouldBeFalse)
		})
	})
}

func TestDigester(t *testing.T) {
	t.Parallel()

	Convey("Digester", t, func(c C) {
		tmp := newTempDir(c)

		Convey("Write and WriteFile produce the same sum", func() {
			d1 := NewDigester()
			_, err := d1.Write([]byte("hello world"))
			So(err, ShouldBeNil)

			tmp.put("f.txt", "hello world")
			d2 := NewDigester()
			So(d2.WriteFile(tmp.join("f.txt")), ShouldBeNil)

			So(d1.Sum(), ShouldEqual, d2.Sum())
			So(d1.SumBytes(), ShouldResemble, d2.SumBytes())
		})

		Convey("Different content, different sum", func() {
			d1 := NewDigester()
			d1.Write([]byte("a"))
			d2 := NewDigester()
			d2.Write([]byte("b"))
			So(d1.Sum(), ShouldNotEqual, d2.Sum())
		})

		Convey("DigestBytes matches an equivalent Digester", func() {
			d := NewDigester()
			d.Write([]byte("payload"))
			So(DigestBytes([]byte("payload")), ShouldResemble, d.SumBytes())
		})
	})
}

type tmpDir struct {
	p string
	c C
}

func newTempDir(c C) tmpDir {
	tmp, err := os.MkdirTemp("", "fingerprint_test")
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
