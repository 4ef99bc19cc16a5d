package dukto

import (
	"bytes"
	"errors"
	"net"

	"github.com/liuyug/ndrop/internal/node"
)

type unpackState int

const (
	stateIdle unpackState = iota
	stateFilename
	stateFilesize
	stateData
)

// ErrMalformed is returned when the byte stream cannot be a valid Dukto
// transfer frame.
var ErrMalformed = errors.New("dukto: malformed frame")

// Unpacker is the resumable TCP transfer parser described in spec §4.B. It
// never blocks: Feed consumes whatever bytes are already buffered and
// returns, requiring the caller to re-enter with more data as it arrives.
type Unpacker struct {
	state unpackState
	buf   bytes.Buffer

	record    int64
	recvRecord int64
	totalSize  int64
	totalRecv  int64

	filename string
	filesize int64
	recvFile int64
}

// NewUnpacker returns an Unpacker ready to parse a fresh transfer.
func NewUnpacker() *Unpacker { return &Unpacker{state: stateIdle} }

// Feed appends data to the internal buffer and drives the state machine as
// far as it can go, invoking obs for every completed record/file/text event
// in strict wire order. It returns done=true once the declared record count
// and total size are both satisfied (state returns to idle).
func (u *Unpacker) Feed(data []byte, from net.Addr, obs node.TransferObserver) (done bool, err error) {
	u.buf.Write(data)

	for {
		switch u.state {
		case stateIdle:
			if u.buf.Len() < 16 {
				return false, nil
			}
			hdr := u.buf.Next(16)
			u.record = getInt64LE(hdr[0:8])
			u.recvRecord = 0
			u.totalSize = getInt64LE(hdr[8:16])
			u.totalRecv = 0
			u.state = stateFilename

		case stateFilename:
			b := u.buf.Bytes()
			pos := bytes.IndexByte(b, 0x00)
			if pos < 0 {
				return false, nil
			}
			u.filename = string(b[:pos])
			u.buf.Next(pos + 1)
			u.state = stateFilesize

		case stateFilesize:
			if u.buf.Len() < 8 {
				return false, nil
			}
			sz := u.buf.Next(8)
			u.filesize = getInt64LE(sz)
			u.recvFile = 0

			if u.filesize > 0 {
				u.state = stateData
				continue
			}

			var chunk []byte
			if u.filesize == 0 {
				chunk = []byte{}
			}
			u.emitFileOrText(obs, chunk, from)
			u.recvRecord++
			if u.transferComplete() {
				u.reset()
				return true, nil
			}
			u.state = stateFilename

		case stateData:
			avail := u.buf.Len()
			remaining := u.filesize - u.recvFile
			take := remaining
			if int64(avail) < take {
				take = int64(avail)
			}
			if take == 0 {
				return false, nil
			}
			chunk := u.buf.Next(int(take))
			u.recvFile += take
			u.totalRecv += take

			u.emitFileOrText(obs, chunk, from)

			if u.recvFile == u.filesize {
				u.recvRecord++
				u.emitFinish(obs, from)
				u.state = stateFilename
				if u.transferComplete() {
					u.reset()
					return true, nil
				}
			} else {
				// still mid-file; wait for more bytes.
				return false, nil
			}
		}
	}
}

func (u *Unpacker) transferComplete() bool {
	return u.recvRecord == u.record && u.totalRecv == u.totalSize
}

func (u *Unpacker) reset() {
	u.state = stateIdle
}

func (u *Unpacker) emitFileOrText(obs node.TransferObserver, chunk []byte, from net.Addr) {
	if u.filename == TextTag {
		obs.RecvFeedText(chunk, from)
	} else {
		obs.RecvFeedFile(u.filename, chunk, u.recvFile, u.filesize, u.totalRecv, u.totalSize, from)
	}
	if u.filesize <= 0 {
		u.emitFinish(obs, from)
	}
}

func (u *Unpacker) emitFinish(obs node.TransferObserver, from net.Addr) {
	if u.filename == TextTag {
		obs.RecvFinishText(from)
	} else {
		obs.RecvFinishFile(u.filename, from)
	}
}

// CurrentFilename exposes the in-flight record's name, or "" when no
// record's payload is mid-transfer, used when a connection aborts
// mid-transfer so the caller can report a partial-file finish (spec §7
// Mid-transfer connection drop).
func (u *Unpacker) CurrentFilename() string {
	if u.state == stateData {
		return u.filename
	}
	return ""
}
