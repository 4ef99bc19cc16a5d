// Package dukto implements the Dukto wire protocol: UDP presence hellos
// keyed off a single human-readable identity string, and a TCP byte stream
// of length-prefixed file/directory records.
//
// Grounded on the original ndrop/dukto.py reference implementation (see
// original_source/ndrop/dukto.py), translated into the capability-interface
// shape protoengine.Codec expects, and on orbstack-swift-nio's logrus-based
// connection-handler style (macvmgr/vnet/services/hostssh/hostssh.go).
package dukto

import (
	"encoding/binary"

	"github.com/liuyug/ndrop/internal/node"
)

// DefaultTCPPort and DefaultUDPPort are both 4644, per spec §6.
const (
	DefaultTCPPort = 4644
	DefaultUDPPort = 4644
)

// TextTag is the sentinel relative name a degenerate one-record transfer
// uses to signal "this is a text message, not a file" (spec §4.B).
const TextTag = "___DUKTO___TEXT___"

const helloInterval = 30

// hello/goodbye tag bytes, spec §4.B.
const (
	tagHelloBroadcast     byte = 0x01
	tagHelloUnicast       byte = 0x02
	tagGoodbyeBroadcast   byte = 0x03
	tagHelloBroadcastPort byte = 0x04
	tagHelloUnicastPort   byte = 0x05
)

const goodbyePayload = "Bye Bye"

func putInt64LE(dst []byte, v int64) {
	binary.LittleEndian.PutUint64(dst, uint64(v))
}

func getInt64LE(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func putInt16LE(dst []byte, v int16) {
	binary.LittleEndian.PutUint16(dst, uint16(v))
}

func getInt16LE(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b))
}

// packHello renders a hello datagram. port is the sender's TCP port and is
// carried explicitly only when it differs from the default; broadcast
// selects the broadcast-vs-unicast tag.
func packHello(identity string, port int, broadcast bool) []byte {
	var buf []byte
	if port == DefaultTCPPort {
		if broadcast {
			buf = append(buf, tagHelloBroadcast)
		} else {
			buf = append(buf, tagHelloUnicast)
		}
	} else {
		if broadcast {
			buf = append(buf, tagHelloBroadcastPort)
		} else {
			buf = append(buf, tagHelloUnicastPort)
		}
		portBytes := make([]byte, 2)
		putInt16LE(portBytes, int16(port))
		buf = append(buf, portBytes...)
	}
	buf = append(buf, []byte(identity)...)
	return buf
}

func packGoodbye() []byte {
	buf := []byte{tagGoodbyeBroadcast}
	return append(buf, []byte(goodbyePayload)...)
}

// signature renders the local-identity string, spec §3: "<user> at <host> (<os>)".
func signature(id node.Identity) string {
	return id.User + " at " + id.Name + " (" + id.OS + ")"
}

// packText wraps a text payload as a degenerate one-record transfer (header
// plus one record) using TextTag as the relative name.
func packText(text string) []byte {
	data := []byte(text)
	header := make([]byte, 16)
	putInt64LE(header[0:8], 1)
	putInt64LE(header[8:16], int64(len(data)))

	buf := make([]byte, 0, 16+len(TextTag)+1+8+len(data))
	buf = append(buf, header...)
	buf = append(buf, []byte(TextTag)...)
	buf = append(buf, 0x00)
	sizeBytes := make([]byte, 8)
	putInt64LE(sizeBytes, int64(len(data)))
	buf = append(buf, sizeBytes...)
	buf = append(buf, data...)
	return buf
}

func packFilesHeader(count int, totalSize int64) []byte {
	buf := make([]byte, 16)
	putInt64LE(buf[0:8], int64(count))
	putInt64LE(buf[8:16], totalSize)
	return buf
}
