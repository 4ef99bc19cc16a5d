package protoengine

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/liuyug/ndrop/internal/netinfo"
	"github.com/liuyug/ndrop/internal/node"
)

type stubCodec struct{}

func (stubCodec) Name() node.Protocol                             { return node.Dukto }
func (stubCodec) DefaultTCPPort() int                             { return 4644 }
func (stubCodec) DefaultUDPPort() int                             { return 4644 }
func (stubCodec) HelloInterval() time.Duration                    { return time.Second }
func (stubCodec) SupportsGoodbye() bool                           { return true }
func (stubCodec) BuildHello(e *Engine, broadcast bool) []byte     { return nil }
func (stubCodec) BuildGoodbye(e *Engine) []byte                   { return nil }
func (stubCodec) HandleUDPPacket(e *Engine, data []byte, from *net.UDPAddr) {}
func (stubCodec) SweepStalePeers(e *Engine)                       {}
func (stubCodec) HandleConn(e *Engine, conn net.Conn)             {}

func newTestEngine(t *testing.T) *Engine {
	e, err := New(stubCodec{}, Config{BindIP: "127.0.0.1"})
	assert.NoError(t, err)
	return e
}

func TestDefaultHeartbeatGrace(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, 10*time.Second, e.HeartbeatGrace())
}

func TestDefaultChunkSizeIsResolved(t *testing.T) {
	e := newTestEngine(t)
	assert.Greater(t, e.ChunkSize(), 0)
}

func TestExplicitChunkSizeIsHonored(t *testing.T) {
	e, err := New(stubCodec{}, Config{BindIP: "127.0.0.1", ChunkSize: 1024})
	assert.NoError(t, err)
	assert.Equal(t, 1024, e.ChunkSize())
}

func TestAddNodeIsIdempotentByIP(t *testing.T) {
	e := newTestEngine(t)
	e.AddNode(node.Node{IP: "192.168.1.5", Name: "first"})
	e.AddNode(node.Node{IP: "192.168.1.5", Name: "second"})

	peers := e.Peers()
	assert.Len(t, peers, 1)
	assert.Equal(t, "first", peers[0].Name)
}

func TestRemoveNodeDeletesByIP(t *testing.T) {
	e := newTestEngine(t)
	e.AddNode(node.Node{IP: "192.168.1.5"})
	assert.True(t, e.HasPeer("192.168.1.5"))
	e.RemoveNode("192.168.1.5")
	assert.False(t, e.HasPeer("192.168.1.5"))
}

func TestRefreshHeartbeatUpdatesExistingPeerOnly(t *testing.T) {
	e := newTestEngine(t)
	e.AddNode(node.Node{IP: "192.168.1.5"})
	e.RefreshHeartbeat("192.168.1.5")
	e.RefreshHeartbeat("10.0.0.1") // unknown IP: no-op, must not panic or insert
	assert.False(t, e.HasPeer("10.0.0.1"))
}

func TestSelfHelloIgnoredViaIsLocalAddr(t *testing.T) {
	e := newTestEngine(t)
	assert.False(t, e.IsLocalAddr("203.0.113.9")) // TEST-NET-3, never a local address

	local, err := netinfo.LocalIPv4Addresses()
	assert.NoError(t, err)
	for _, ip := range local {
		assert.True(t, e.IsLocalAddr(ip.String()), "own address %s must be recognized", ip)
	}
}
