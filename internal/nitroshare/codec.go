package nitroshare

import (
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/liuyug/ndrop/internal/node"
	"github.com/liuyug/ndrop/internal/protoengine"
)

// Codec implements protoengine.Codec for the NitroShare protocol. It carries
// a lazily generated self-uuid cache: unlike Dukto's identity string,
// NitroShare's uuid must stay stable for the lifetime of one engine so that
// self-hello suppression (HandleUDPPacket) keeps recognizing our own hellos.
type Codec struct {
	uuidOnce sync.Once
	uuid     string
}

var _ protoengine.Codec = (*Codec)(nil)

func (*Codec) Name() node.Protocol          { return node.NitroShare }
func (*Codec) DefaultTCPPort() int          { return DefaultTCPPort }
func (*Codec) DefaultUDPPort() int          { return DefaultUDPPort }
func (*Codec) HelloInterval() time.Duration { return helloIntervalSeconds * time.Second }
func (*Codec) SupportsGoodbye() bool        { return false }

// BuildHello renders the JSON presence payload. NitroShare has no separate
// broadcast/unicast wire distinction; broadcast only selects whether the
// engine sends it to every subnet or replies to a single peer.
func (c *Codec) BuildHello(e *protoengine.Engine, broadcast bool) []byte {
	return packHello(helloFrame{
		UUID:            c.selfUUID(e),
		Name:            e.Identity().Name,
		OperatingSystem: e.Identity().OS,
		Port:            strconv.Itoa(e.TCPPort()),
		UsesTLS:         e.UsesTLS(),
	})
}

// BuildGoodbye is unused: NitroShare liveness never sends an explicit
// goodbye (spec §3), so SupportsGoodbye reports false and the engine never
// calls this.
func (*Codec) BuildGoodbye(e *protoengine.Engine) []byte { return nil }

// selfUUID returns the configured identity's uuid, or a uuid generated once
// and cached for this Codec's lifetime if the identity left it blank. The
// cache is what lets HandleUDPPacket's self-check keep recognizing our own
// hellos across every hello interval instead of comparing against a fresh
// random value each time.
func (c *Codec) selfUUID(e *protoengine.Engine) string {
	if id := e.Identity().UUID; id != "" {
		return id
	}
	c.uuidOnce.Do(func() {
		c.uuid = uuid.NewString()
	})
	return c.uuid
}

// HandleUDPPacket decodes a hello JSON payload, ignores our own uuid,
// replies with a unicast hello to newly seen peers (mirroring the Dukto
// codec's broadcast-triggers-unicast-reply behavior and
// original_source/ndrop/nitroshare.py:55-59's say_hello-then-add_node
// order), and registers/refreshes the peer with a fresh heartbeat
// (spec §4.C).
func (c *Codec) HandleUDPPacket(e *protoengine.Engine, data []byte, from *net.UDPAddr) {
	var h helloFrame
	if err := json.Unmarshal(data, &h); err != nil {
		return
	}
	if h.UUID == "" || h.UUID == c.selfUUID(e) {
		return
	}

	port, err := strconv.Atoi(h.Port)
	if err != nil {
		return
	}

	if e.HasPeer(from.IP.String()) {
		e.RefreshHeartbeat(from.IP.String())
		return
	}

	dest := &net.UDPAddr{IP: from.IP, Port: e.UDPPort()}
	e.SendUnicast(c.BuildHello(e, false), dest)

	e.AddNode(node.Node{
		IP:       from.IP.String(),
		Port:     port,
		Protocol: node.NitroShare,
		Name:     h.Name,
		OS:       h.OperatingSystem,
	})
}

// SweepStalePeers removes peers whose last heartbeat is older than
// HelloInterval+HeartbeatGrace, NitroShare's only liveness mechanism since
// it has no goodbye packet (spec §3, §9 Open Question).
func (c *Codec) SweepStalePeers(e *protoengine.Engine) {
	deadline := c.HelloInterval() + e.HeartbeatGrace()
	for _, p := range e.Peers() {
		if time.Since(p.LastHeartbeat) > deadline {
			e.RemoveNode(p.IP)
		}
	}
}

// HandleConn drives the resumable Unpacker over one inbound TCP connection,
// per spec §4.C/§4.D, and replies with a success/error packet.
func (*Codec) HandleConn(e *protoengine.Engine, conn net.Conn) {
	defer conn.Close()
	log := logrus.WithFields(logrus.Fields{"component": "nitroshare", "remote": conn.RemoteAddr()})
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
				_, _ = conn.Write(packError(perr.Error()))
				obs.RecvFinish(conn.RemoteAddr(), perr)
				return
			}
			if done {
				_, _ = conn.Write(packSuccess())
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
