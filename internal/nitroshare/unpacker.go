package nitroshare

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"strconv"

	"github.com/liuyug/ndrop/internal/node"
)

// ErrMalformed is returned when a TCP packet cannot be decoded as a valid
// NitroShare frame.
var ErrMalformed = errors.New("nitroshare: malformed packet")

type unpackState int

const (
	stateLength unpackState = iota
	statePayload
)

// Unpacker implements the resumable TCP frame/record state machine of
// spec §4.C: it never blocks mid-field, and Feed may be called again with
// more bytes from the same or a later read. Completion is detected purely
// by record/size accounting (recvRecord == record && recv == total), per
// original_source/ndrop/nitroshare.py's unpack_tcp — the sender never emits
// a success packet itself, so the receive side must never wait on one.
type Unpacker struct {
	state unpackState

	lenBuf     []byte
	payloadBuf []byte
	needLen    int

	record    int64
	recvRecord int64
	total     int64
	recv      int64

	curName    string
	curIsDir   bool
	curSize    int64
	curRecv    int64
	haveHeader bool
}

// NewUnpacker returns an Unpacker ready to receive the transfer header
// packet first.
func NewUnpacker() *Unpacker {
	return &Unpacker{state: stateLength}
}

// CurrentFilename reports the name of the file currently mid-transfer, or
// "" when idle between records.
func (u *Unpacker) CurrentFilename() string {
	if u.haveHeader && !u.curIsDir {
		return u.curName
	}
	return ""
}

// Feed consumes as much of data as forms complete packets, dispatching each
// decoded packet to obs, and returns done=true once every declared record
// and byte has been received (transferComplete).
func (u *Unpacker) Feed(data []byte, from net.Addr, obs node.TransferObserver) (done bool, err error) {
	for len(data) > 0 {
		switch u.state {
		case stateLength:
			n := copy4(&u.lenBuf, data)
			data = data[n:]
			if len(u.lenBuf) < 4 {
				continue
			}
			u.needLen = int(binary.LittleEndian.Uint32(u.lenBuf))
			u.lenBuf = nil
			if u.needLen < 1 {
				return false, ErrMalformed
			}
			u.state = statePayload

		case statePayload:
			need := u.needLen - len(u.payloadBuf)
			take := need
			if take > len(data) {
				take = len(data)
			}
			u.payloadBuf = append(u.payloadBuf, data[:take]...)
			data = data[take:]
			if len(u.payloadBuf) < u.needLen {
				continue
			}

			packet := u.payloadBuf
			u.payloadBuf = nil
			u.state = stateLength

			finished, perr := u.dispatch(packet, from, obs)
			if perr != nil {
				return false, perr
			}
			if finished {
				return true, nil
			}
		}
	}
	return false, nil
}

func copy4(buf *[]byte, data []byte) int {
	need := 4 - len(*buf)
	take := need
	if take > len(data) {
		take = len(data)
	}
	*buf = append(*buf, data[:take]...)
	return take
}

func (u *Unpacker) dispatch(packet []byte, from net.Addr, obs node.TransferObserver) (done bool, err error) {
	tag := packet[0]
	payload := packet[1:]

	switch tag {
	case tagSuccess:
		// The wire's own sender (internal/nitroshare/packer.go) never emits
		// this tag: it is written only by the receiving end once it has
		// independently detected completion by record/size accounting. A
		// real peer acting as sender should never produce it mid-transfer.
		return false, ErrMalformed

	case tagError:
		return false, errors.New("nitroshare: peer reported error: " + string(payload))

	case tagJSON:
		return u.dispatchJSON(payload, from, obs)

	case tagData:
		return u.dispatchData(payload, from, obs)
	}

	return false, ErrMalformed
}

func (u *Unpacker) dispatchJSON(payload []byte, from net.Addr, obs node.TransferObserver) (bool, error) {
	// Distinguish a transferHeader (has "count") from a fileHeader (has
	// "directory") by probing for the "directory" key first.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false, ErrMalformed
	}

	if _, isFileHeader := probe["directory"]; isFileHeader {
		var fh fileHeader
		if err := json.Unmarshal(payload, &fh); err != nil {
			return false, ErrMalformed
		}
		u.curName = fh.Name
		u.curIsDir = fh.Directory
		u.curRecv = 0
		u.haveHeader = true
		if fh.Directory {
			u.curSize = -1
			obs.RecvFeedFile(u.curName, nil, 0, -1, u.recv, u.total, from)
			obs.RecvFinishFile(u.curName, from)
			u.haveHeader = false
			u.recvRecord++
			return u.transferComplete(), nil
		}
		size, err := strconv.ParseInt(fh.Size, 10, 64)
		if err != nil {
			return false, ErrMalformed
		}
		u.curSize = size
		if size == 0 {
			obs.RecvFeedFile(u.curName, []byte{}, 0, 0, u.recv, u.total, from)
			obs.RecvFinishFile(u.curName, from)
			u.haveHeader = false
			u.recvRecord++
			return u.transferComplete(), nil
		}
		return false, nil
	}

	var th transferHeader
	if err := json.Unmarshal(payload, &th); err != nil {
		return false, ErrMalformed
	}
	total, err := strconv.ParseInt(th.Size, 10, 64)
	if err != nil {
		return false, ErrMalformed
	}
	count, err := strconv.ParseInt(th.Count, 10, 64)
	if err != nil {
		return false, ErrMalformed
	}
	u.total = total
	u.recv = 0
	u.record = count
	u.recvRecord = 0
	return false, nil
}

func (u *Unpacker) dispatchData(payload []byte, from net.Addr, obs node.TransferObserver) (bool, error) {
	if !u.haveHeader || u.curIsDir {
		return false, ErrMalformed
	}
	u.curRecv += int64(len(payload))
	u.recv += int64(len(payload))
	obs.RecvFeedFile(u.curName, payload, u.curRecv, u.curSize, u.recv, u.total, from)
	if u.curRecv >= u.curSize {
		obs.RecvFinishFile(u.curName, from)
		u.haveHeader = false
		u.recvRecord++
		return u.transferComplete(), nil
	}
	return false, nil
}

// transferComplete reports whether every declared record has been received
// and the declared total byte count has been reached, per spec §3/§4.C.
func (u *Unpacker) transferComplete() bool {
	return u.recvRecord == u.record && u.recv == u.total
}
