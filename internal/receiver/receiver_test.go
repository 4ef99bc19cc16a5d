package receiver

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

var fakeAddr = &net.TCPAddr{IP: net.ParseIP("192.168.1.7"), Port: 4644}

func TestMaterializesFileAndDigest(t *testing.T) {
	dir := t.TempDir()
	s := NewSink(dir)
	hook := logtest.NewGlobal()
	defer hook.Reset()

	s.RecvFeedFile("hello.txt", []byte("hel"), 3, 5, 3, 5, fakeAddr)
	s.RecvFeedFile("hello.txt", []byte("lo"), 5, 5, 5, 5, fakeAddr)
	s.RecvFinishFile("hello.txt", fakeAddr)

	got, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	assert.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	last := hook.LastEntry()
	if assert.NotNil(t, last) {
		assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", last.Data["md5"]) // md5("hello")
	}
}

func TestDirectoryMarkerCreatedBeforeChild(t *testing.T) {
	dir := t.TempDir()
	s := NewSink(dir)

	s.RecvFeedFile("sub", nil, 0, -1, 0, 0, fakeAddr)
	info, err := os.Stat(filepath.Join(dir, "sub"))
	assert.NoError(t, err)
	assert.True(t, info.IsDir())

	s.RecvFeedFile("sub/inner.txt", []byte("x"), 1, 1, 1, 1, fakeAddr)
	s.RecvFinishFile("sub/inner.txt", fakeAddr)
	got, err := os.ReadFile(filepath.Join(dir, "sub", "inner.txt"))
	assert.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

func TestUnwritableDirDropsPayloadWithoutError(t *testing.T) {
	s := NewSink(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.False(t, s.writable())
	assert.NotPanics(t, func() {
		s.RecvFeedFile("a.txt", []byte("x"), 1, 1, 1, 1, fakeAddr)
		s.RecvFinishFile("a.txt", fakeAddr)
	})
}

func TestTextAccumulation(t *testing.T) {
	s := NewSink(t.TempDir())
	s.RecvFeedText([]byte("hel"), fakeAddr)
	s.RecvFeedText([]byte("lo"), fakeAddr)
	assert.Equal(t, "hello", s.RecvFinishText(fakeAddr))
	assert.Equal(t, "", s.RecvFinishText(fakeAddr), "state forgotten after finish")
}
