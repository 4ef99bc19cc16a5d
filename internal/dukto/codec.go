package dukto

import (
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liuyug/ndrop/internal/node"
	"github.com/liuyug/ndrop/internal/protoengine"
)

// Codec implements protoengine.Codec for the Dukto protocol.
type Codec struct{}

var _ protoengine.Codec = Codec{}

func (Codec) Name() node.Protocol      { return node.Dukto }
func (Codec) DefaultTCPPort() int      { return DefaultTCPPort }
func (Codec) DefaultUDPPort() int      { return DefaultUDPPort }
func (Codec) HelloInterval() time.Duration { return helloInterval * time.Second }
func (Codec) SupportsGoodbye() bool    { return true }

func (Codec) BuildHello(e *protoengine.Engine, broadcast bool) []byte {
	id := e.Identity()
	return packHello(signature(id), e.TCPPort(), broadcast)
}

func (Codec) BuildGoodbye(e *protoengine.Engine) []byte {
	return packGoodbye()
}

// HandleUDPPacket implements the tag dispatch in spec §4.B: goodbye removes
// the peer, hello (with or without explicit port) registers/refreshes it
// and triggers a unicast reply when the hello was a broadcast.
func (c Codec) HandleUDPPacket(e *protoengine.Engine, data []byte, from *net.UDPAddr) {
	if len(data) == 0 {
		return
	}
	tag := data[0]
	data = data[1:]

	if tag == tagGoodbyeBroadcast {
		e.RemoveNode(from.IP.String())
		return
	}

	tcpPort := DefaultTCPPort
	broadcast := tag == tagHelloBroadcast || tag == tagHelloBroadcastPort
	if tag == tagHelloBroadcastPort || tag == tagHelloUnicastPort {
		if len(data) < 2 {
			return
		}
		tcpPort = int(getInt16LE(data[:2]))
		data = data[2:]
	}

	identity := string(data)
	if identity == signature(e.Identity()) {
		return // it's us
	}

	if broadcast {
		dest := &net.UDPAddr{IP: from.IP, Port: e.UDPPort()}
		e.SendUnicast(c.BuildHello(e, false), dest)
	}

	info := parseSignature(identity)
	e.AddNode(node.Node{
		IP:       from.IP.String(),
		Port:     tcpPort,
		Protocol: node.Dukto,
		User:     info.user,
		Name:     info.name,
		OS:       info.os,
	})
}

// SweepStalePeers is a no-op: Dukto liveness is driven entirely by explicit
// goodbye packets, not a heartbeat timeout (spec §3).
func (Codec) SweepStalePeers(e *protoengine.Engine) {}

// HandleConn implements the TCP transfer side of spec §4.D/§4.B: read
// chunks, feed the resumable Unpacker, and report completion/abort via the
// configured TransferObserver.
func (Codec) HandleConn(e *protoengine.Engine, conn net.Conn) {
	defer conn.Close()
	log := logrus.WithFields(logrus.Fields{"component": "dukto", "remote": conn.RemoteAddr()})
	log.Info("tcp connection accepted")

	obs := e.TransferObserverOrNop()
	up := NewUnpacker()
	buf := make([]byte, e.ChunkSize())

	for {
		_ = conn.SetDeadline(time.Now().Add(20 * time.Second))
		n, err := conn.Read(buf)
		if n > 0 {
			done, perr := up.Feed(buf[:n], conn.RemoteAddr(), obs)
			if perr != nil {
				log.WithError(perr).Error("malformed frame, aborting connection")
				obs.RecvFinish(conn.RemoteAddr(), perr)
				return
			}
			if done {
				obs.RecvFinish(conn.RemoteAddr(), nil)
				return
			}
		}
		if err != nil {
			if up.CurrentFilename() != "" {
				obs.RecvFinishFile(up.CurrentFilename(), conn.RemoteAddr())
			}
			obs.RecvFinish(conn.RemoteAddr(), node.ErrAbort)
			return
		}
	}
}

type signatureInfo struct {
	user, name, os string
}

// parseSignature splits "<user> at <name> (<os>)" back into fields,
// tolerating unexpected shapes by leaving fields empty rather than
// panicking (unknown/odd peers are still worth showing).
func parseSignature(s string) signatureInfo {
	var info signatureInfo
	const sep = " at "
	idx := strings.Index(s, sep)
	if idx < 0 {
		info.user = s
		return info
	}
	info.user = s[:idx]
	rest := s[idx+len(sep):]

	open := strings.IndexByte(rest, '(')
	close := strings.IndexByte(rest, ')')
	if open < 0 || close < 0 || close < open {
		info.name = rest
		return info
	}
	info.name = strings.TrimRight(rest[:open], " ")
	info.os = rest[open+1 : close]
	return info
}
