package sender

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/liuyug/ndrop/internal/dukto"
	"github.com/liuyug/ndrop/internal/node"
	"github.com/liuyug/ndrop/internal/receiver"
)

// serveDukto accepts exactly one connection on ln and drains it through a
// dukto.Unpacker into sink, reporting the result on done.
func serveDukto(t *testing.T, ln net.Listener, sink node.TransferObserver, done chan<- error) {
	conn, err := ln.Accept()
	if err != nil {
		done <- err
		return
	}
	defer conn.Close()

	up := dukto.NewUnpacker()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			finished, perr := up.Feed(buf[:n], conn.RemoteAddr(), sink)
			if perr != nil {
				done <- perr
				return
			}
			if finished {
				sink.RecvFinish(conn.RemoteAddr(), nil)
				done <- nil
				return
			}
		}
		if rerr != nil {
			done <- rerr
			return
		}
	}
}

func TestSendFilesEndToEndDukto(t *testing.T) {
	srcDir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(srcDir, "hello.txt"), []byte("hello world"), 0o644))

	dstDir := t.TempDir()
	sink := receiver.NewSink(dstDir)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go serveDukto(t, ln, sink, done)

	obs := &node.NopTransferObserver{}
	err = SendFiles(ln.Addr().String(), node.Dukto, TLSConfig{}, obs, []string{filepath.Join(srcDir, "hello.txt")}, nil, 0)
	assert.NoError(t, err)
	assert.NoError(t, <-done)

	got, err := os.ReadFile(filepath.Join(dstDir, "hello.txt"))
	assert.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestSendTextEndToEndDukto(t *testing.T) {
	dstDir := t.TempDir()
	sink := receiver.NewSink(dstDir)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	assert.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go serveDukto(t, ln, sink, done)

	err = SendText(ln.Addr().String(), node.Dukto, TLSConfig{}, "hello")
	assert.NoError(t, err)
	assert.NoError(t, <-done)
}
