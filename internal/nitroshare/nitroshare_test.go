package nitroshare

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/liuyug/ndrop/internal/node"
	"github.com/liuyug/ndrop/internal/protoengine"
	"github.com/liuyug/ndrop/internal/transfer"
)

type recordingObserver struct {
	node.NopTransferObserver
	fed      []string
	finished []string
	totals   []int64
}

func (r *recordingObserver) RecvFeedFile(name string, data []byte, recvSize, fileSize, totalRecvSize, totalSize int64, from net.Addr) {
	r.fed = append(r.fed, name)
	r.totals = append(r.totals, totalRecvSize)
}

func (r *recordingObserver) RecvFinishFile(name string, from net.Addr) {
	r.finished = append(r.finished, name)
}

var fakeAddr = &net.TCPAddr{IP: net.ParseIP("192.168.1.50"), Port: 40818}

func TestPackUnpackFilesRoundTrip(t *testing.T) {
	entries := []transfer.Entry{
		{AbsPath: "/tmp/does-not-matter", RelPath: "notes.txt", Size: 0},
	}
	var buf bytes.Buffer
	buf.Write(PackTransferHeader("batch", 0, len(entries)))

	// A zero-size entry is framed by PackFiles without opening AbsPath.
	assert.NoError(t, PackFiles(&buf, node.NopTransferObserver{}, 0, entries, nil, 0))

	up := NewUnpacker()
	obs := &recordingObserver{}
	done, err := up.Feed(buf.Bytes(), fakeAddr, obs)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{"notes.txt"}, obs.fed)
	assert.Equal(t, []string{"notes.txt"}, obs.finished)
}

func TestFeedAcrossArbitraryPartitions(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(PackTransferHeader("batch", 5, 1))
	buf.Write(packFileHeader("a.bin", 5, false))
	buf.Write(packData([]byte{1, 2, 3, 4, 5}))
	full := buf.Bytes()

	for split := 1; split < len(full); split++ {
		up := NewUnpacker()
		obs := &recordingObserver{}
		done, err := up.Feed(full[:split], fakeAddr, obs)
		assert.NoError(t, err)
		assert.False(t, done)
		done, err = up.Feed(full[split:], fakeAddr, obs)
		assert.NoError(t, err)
		assert.True(t, done, "split at %d", split)
		assert.Equal(t, []string{"a.bin"}, obs.finished, "split at %d", split)
	}
}

func TestDirectoryRecordHasNilChunk(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(PackTransferHeader("batch", 0, 1))
	buf.Write(packFileHeader("subdir", -1, true))

	up := NewUnpacker()
	var seenDir bool
	obs := &dirObserver{onFeed: func(data []byte, fileSize int64) {
		seenDir = data == nil && fileSize == -1
	}}
	done, err := up.Feed(buf.Bytes(), fakeAddr, obs)
	assert.NoError(t, err)
	assert.True(t, done)
	assert.True(t, seenDir)
}

type dirObserver struct {
	node.NopTransferObserver
	onFeed func(data []byte, fileSize int64)
}

func (d *dirObserver) RecvFeedFile(name string, data []byte, recvSize, fileSize, totalRecvSize, totalSize int64, from net.Addr) {
	d.onFeed(data, fileSize)
}

func TestMalformedLengthRejected(t *testing.T) {
	up := NewUnpacker()
	obs := &recordingObserver{}
	_, err := up.Feed([]byte{0, 0, 0, 0}, fakeAddr, obs)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHelloSkipsSelf(t *testing.T) {
	self := helloFrame{UUID: "self-uuid", Name: "me", Port: "40818"}
	payload := packHello(self)
	assert.Contains(t, string(payload), "self-uuid")

	c := &Codec{}
	e, err := protoengine.New(c, protoengine.Config{BindIP: "127.0.0.1", Identity: node.Identity{UUID: "self-uuid"}})
	if !assert.NoError(t, err) {
		return
	}
	c.HandleUDPPacket(e, payload, &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: DefaultUDPPort})
	assert.Empty(t, e.Peers())
}
