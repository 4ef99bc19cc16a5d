package dukto

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/liuyug/ndrop/internal/node"
)

type recordingObserver struct {
	node.NopTransferObserver
	texts     []string
	fed       []string
	finished  []string
	finishedN int
}

func (r *recordingObserver) RecvFeedFile(name string, data []byte, recvSize, fileSize, totalRecvSize, totalSize int64, from net.Addr) {
	r.fed = append(r.fed, name)
}
func (r *recordingObserver) RecvFinishFile(name string, from net.Addr) {
	r.finished = append(r.finished, name)
	r.finishedN++
}
func (r *recordingObserver) RecvFeedText(data []byte, from net.Addr) {
	r.texts = append(r.texts, string(data))
}
func (r *recordingObserver) RecvFinishText(from net.Addr) string {
	return ""
}

var fakeAddr = &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4644}

func TestTextWirePrefix(t *testing.T) {
	got := PackText("hello")
	want := []byte{
		0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	want = append(want, []byte(TextTag)...)
	want = append(want, 0x00)
	want = append(want, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00)
	want = append(want, []byte("hello")...)
	assert.Equal(t, want, got)
}

func TestTextRoundTrip(t *testing.T) {
	data := PackText("hello")
	up := NewUnpacker()
	obs := &recordingObserver{}
	done, err := up.Feed(data, fakeAddr, obs)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"hello"}, obs.texts)
}

func TestFileRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(PackFilesHeader(1, 3))
	buf.Write([]byte("a.txt"))
	buf.WriteByte(0x00)
	sz := make([]byte, 8)
	putInt64LE(sz, 3)
	buf.Write(sz)
	buf.Write([]byte("abc"))

	up := NewUnpacker()
	obs := &recordingObserver{}
	done, err := up.Feed(buf.Bytes(), fakeAddr, obs)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"a.txt"}, obs.fed)
	assert.Equal(t, 1, obs.finishedN)
}

func TestDirectoryThenEmptyFile(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(PackFilesHeader(2, 0))

	buf.Write([]byte("d"))
	buf.WriteByte(0x00)
	sz := make([]byte, 8)
	putInt64LE(sz, -1)
	buf.Write(sz)

	buf.Write([]byte("d/f"))
	buf.WriteByte(0x00)
	putInt64LE(sz, 0)
	buf.Write(sz)

	up := NewUnpacker()
	obs := &recordingObserver{}
	done, err := up.Feed(buf.Bytes(), fakeAddr, obs)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"d", "d/f"}, obs.fed)
	assert.Equal(t, []string{"d", "d/f"}, obs.finished)
}

func TestFragmentationYieldsIdenticalEvents(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(PackFilesHeader(1, 10240))
	buf.Write([]byte("big.bin"))
	buf.WriteByte(0x00)
	sz := make([]byte, 8)
	putInt64LE(sz, 10240)
	buf.Write(sz)
	payload := bytes.Repeat([]byte{0xAB}, 10240)
	buf.Write(payload)
	full := buf.Bytes()

	chunkings := [][]int{
		repeat(1, len(full)),
		repeatPattern([]int{7, 3}, len(full)),
		{len(full)},
	}

	var baseline []string
	for ci, sizes := range chunkings {
		up := NewUnpacker()
		obs := &recordingObserver{}
		offset := 0
		for _, n := range sizes {
			if offset >= len(full) {
				break
			}
			end := offset + n
			if end > len(full) {
				end = len(full)
			}
			_, err := up.Feed(full[offset:end], fakeAddr, obs)
			assert.NoError(t, err)
			offset = end
		}
		if ci == 0 {
			baseline = obs.finished
		} else {
			assert.Equal(t, baseline, obs.finished)
		}
	}
}

func repeat(n, total int) []int {
	out := make([]int, 0, total)
	for i := 0; i < total; i += n {
		out = append(out, n)
	}
	return out
}

func repeatPattern(pattern []int, total int) []int {
	var out []int
	sum := 0
	i := 0
	for sum < total {
		out = append(out, pattern[i%len(pattern)])
		sum += pattern[i%len(pattern)]
		i++
	}
	return out
}

func TestIncompleteFilenameWaitsForMoreData(t *testing.T) {
	up := NewUnpacker()
	obs := &recordingObserver{}
	// header declares 1 record but never supplies a filename terminator.
	data := PackFilesHeader(1, 1)
	data = append(data, bytes.Repeat([]byte{0xFF}, 4)...)
	done, err := up.Feed(data, fakeAddr, obs)
	assert.False(t, done)
	assert.NoError(t, err)
}
