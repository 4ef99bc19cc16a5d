// Package protoengine implements the shared Protocol Engine skeleton
// described in spec §4.D: one TCP listener, one UDP listener, a peer table,
// a periodic hello loop, and TCP connection dispatch, parameterized by a
// per-protocol Codec. Dukto and NitroShare each provide a Codec
// implementation (internal/dukto, internal/nitroshare) instead of
// duplicating this skeleton.
//
// Grounded on orbstack-swift-nio's macvmgr/vnet/services package family
// (one service per concern, each owning its own listener goroutines) and on
// the capability-interface redesign called for in spec §9 ("callback
// inheritance ... replaced by capability interfaces").
package protoengine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liuyug/ndrop/internal/netinfo"
	"github.com/liuyug/ndrop/internal/node"
)

// Codec supplies everything the Engine needs that is specific to one wire
// protocol: default ports, hello cadence, framing, and peer liveness rules.
type Codec interface {
	Name() node.Protocol
	DefaultTCPPort() int
	DefaultUDPPort() int
	HelloInterval() time.Duration
	SupportsGoodbye() bool

	// BuildHello renders a hello datagram. broadcast selects the
	// broadcast-vs-unicast tag where the wire format distinguishes them.
	BuildHello(e *Engine, broadcast bool) []byte
	// BuildGoodbye renders a goodbye datagram; only called when
	// SupportsGoodbye() is true.
	BuildGoodbye(e *Engine) []byte

	// HandleUDPPacket parses one already-accepted (non-self-origin)
	// datagram and updates the peer table via e.AddNode/RemoveNode/
	// RefreshHeartbeat, replying with a unicast hello when required.
	HandleUDPPacket(e *Engine, data []byte, from *net.UDPAddr)

	// SweepStalePeers is called once per hello interval; protocols
	// without heartbeat timeouts (Dukto) implement it as a no-op.
	SweepStalePeers(e *Engine)

	// HandleConn parses and processes one inbound TCP connection to
	// completion, including applying the inbound idle timeout.
	HandleConn(e *Engine, conn net.Conn)
}

// Config carries construction-time parameters. There is no package-level
// mutable configuration state (spec §9): everything an Engine needs is
// passed in here.
type Config struct {
	// BindIP is the listen-spec IP; "0.0.0.0" binds every interface and
	// broadcasts on every non-excluded subnet.
	BindIP string
	// TCPPort/UDPPort; 0 selects the codec's default.
	TCPPort int
	UDPPort int

	TLSCertFile string
	TLSKeyFile  string

	// ChunkSize bounds TCP read buffers and packer write chunks (spec §3
	// "Chunk Size"). 0 resolves to netinfo.RecommendedChunkSize at
	// construction time.
	ChunkSize int

	Identity node.Identity

	// HeartbeatGrace is added to HelloInterval to compute the NitroShare
	// liveness timeout (spec §9 Open Question, resolved to 10s default).
	HeartbeatGrace time.Duration

	EngineObserver   node.EngineObserver
	TransferObserver node.TransferObserver

	Logger *logrus.Entry
}

// Engine is one running instance of a protocol's server+client presence and
// transfer machinery.
type Engine struct {
	codec Codec
	cfg   Config
	log   *logrus.Entry

	tcpPort int
	udpPort int

	tcpListener net.Listener
	udpConn     *net.UDPConn
	unicastConn *net.UDPConn

	localIPs map[string]bool
	subnets  []netinfo.Subnet

	mu     sync.RWMutex
	peers  map[string]node.Node
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Engine without starting any network I/O.
func New(codec Codec, cfg Config) (*Engine, error) {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithFields(logrus.Fields{"component": "protoengine", "protocol": string(codec.Name())})

	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = 10 * time.Second
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = netinfo.RecommendedChunkSize(netinfo.DefaultChunkSize)
	}

	tcpPort := cfg.TCPPort
	if tcpPort == 0 {
		tcpPort = codec.DefaultTCPPort()
	}
	udpPort := cfg.UDPPort
	if udpPort == 0 {
		udpPort = codec.DefaultUDPPort()
	}

	localIPs, err := netinfo.LocalIPv4Addresses()
	if err != nil {
		return nil, fmt.Errorf("protoengine: enumerate local addresses: %w", err)
	}
	localSet := make(map[string]bool, len(localIPs))
	for _, ip := range localIPs {
		localSet[ip.String()] = true
	}

	subnets, err := netinfo.BroadcastsFor(cfg.BindIP)
	if err != nil {
		return nil, fmt.Errorf("protoengine: compute broadcast addresses: %w", err)
	}

	return &Engine{
		codec:    codec,
		cfg:      cfg,
		log:      log,
		tcpPort:  tcpPort,
		udpPort:  udpPort,
		localIPs: localSet,
		subnets:  subnets,
		peers:    make(map[string]node.Node),
		stopCh:   make(chan struct{}),
	}, nil
}

// TCPPort returns the bound (or about-to-be-bound) TCP port.
func (e *Engine) TCPPort() int { return e.tcpPort }

// UDPPort returns the bound (or about-to-be-bound) UDP port.
func (e *Engine) UDPPort() int { return e.udpPort }

// ChunkSize returns the resolved read-buffer/packer chunk size bound
// (spec §3 "Chunk Size").
func (e *Engine) ChunkSize() int { return e.cfg.ChunkSize }

// Identity returns the local identity this engine advertises.
func (e *Engine) Identity() node.Identity { return e.cfg.Identity }

// UsesTLS reports whether this engine's TCP listener is wrapped in TLS.
func (e *Engine) UsesTLS() bool { return e.cfg.TLSCertFile != "" && e.cfg.TLSKeyFile != "" }

// TransferObserverOrNop returns the configured TransferObserver, or a no-op
// implementation if none was supplied (e.g. an engine used send-only).
func (e *Engine) TransferObserverOrNop() node.TransferObserver {
	if e.cfg.TransferObserver != nil {
		return e.cfg.TransferObserver
	}
	return node.NopTransferObserver{}
}

// Start binds the TCP and UDP sockets and launches the hello and UDP
// receive actors. Bind failure is fatal to the caller (spec §7).
func (e *Engine) Start() error {
	tcpAddr := fmt.Sprintf("%s:%d", e.cfg.BindIP, e.tcpPort)
	ln, err := net.Listen("tcp4", tcpAddr)
	if err != nil {
		return fmt.Errorf("protoengine: listen tcp %s: %w", tcpAddr, err)
	}
	if e.UsesTLS() {
		cert, err := tls.LoadX509KeyPair(e.cfg.TLSCertFile, e.cfg.TLSKeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("protoengine: load TLS cert/key: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	e.tcpListener = ln

	udpAddr := &net.UDPAddr{IP: net.ParseIP(e.cfg.BindIP), Port: e.udpPort}
	if udpAddr.IP == nil || udpAddr.IP.Equal(net.IPv4zero) {
		udpAddr.IP = net.IPv4zero
	}
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("protoengine: listen udp %s: %w", udpAddr, err)
	}
	e.udpConn = udpConn

	unicastConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		udpConn.Close()
		ln.Close()
		return fmt.Errorf("protoengine: open unicast socket: %w", err)
	}
	e.unicastConn = unicastConn

	e.log.WithFields(logrus.Fields{"tcp_port": e.tcpPort, "udp_port": e.udpPort, "bind": e.cfg.BindIP}).
		Info("engine listening")

	e.wg.Add(2)
	go e.helloLoop()
	go e.udpReceiveLoop()

	return nil
}

// Listener exposes the TCP listener so the orchestrator can multiplex
// accept readiness across engines (spec §4.G).
func (e *Engine) Listener() net.Listener { return e.tcpListener }

// AcceptOnce accepts one inbound TCP connection and runs its handler to
// completion, per spec §4.D. deadline bounds how long to wait for a
// connection before returning a timeout error the caller should ignore.
func (e *Engine) AcceptOnce(deadline time.Duration) error {
	type deadlineSetter interface {
		SetDeadline(time.Time) error
	}
	if ds, ok := e.tcpListener.(deadlineSetter); ok {
		_ = ds.SetDeadline(time.Now().Add(deadline))
	}

	conn, err := e.tcpListener.Accept()
	if err != nil {
		return err
	}

	_ = conn.SetDeadline(time.Now().Add(20 * time.Second))
	e.codec.HandleConn(e, conn)
	return nil
}

// Stop signals the hello actor to exit, sends a Dukto goodbye if
// applicable, and shuts down the UDP listener. The TCP listener is closed
// too; any in-flight transfer already has its own connection and is
// unaffected.
func (e *Engine) Stop() error {
	close(e.stopCh)
	if e.codec.SupportsGoodbye() {
		e.SendBroadcast(e.codec.BuildGoodbye(e), e.udpPort)
	}
	if e.udpConn != nil {
		e.udpConn.Close()
	}
	if e.unicastConn != nil {
		e.unicastConn.Close()
	}
	if e.tcpListener != nil {
		e.tcpListener.Close()
	}
	e.wg.Wait()
	return nil
}

// Peers returns an immutable snapshot of the peer table.
func (e *Engine) Peers() []node.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]node.Node, 0, len(e.peers))
	for _, n := range e.peers {
		out = append(out, n)
	}
	return out
}

// AddNode inserts a newly discovered peer and notifies the EngineObserver.
// It is a no-op if the IP is already present (hellos only update
// heartbeat, per spec §3).
func (e *Engine) AddNode(n node.Node) {
	e.mu.Lock()
	if _, exists := e.peers[n.IP]; exists {
		e.mu.Unlock()
		return
	}
	n.Type = node.TypeGuest
	n.LastHeartbeat = now()
	e.peers[n.IP] = n
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"ip": n.IP, "name": n.Name}).Info("peer discovered")
	if e.cfg.EngineObserver != nil {
		e.cfg.EngineObserver.AddNode(n)
	}
}

// RemoveNode deletes a peer by IP and notifies the EngineObserver.
func (e *Engine) RemoveNode(ip string) {
	e.mu.Lock()
	n, exists := e.peers[ip]
	if exists {
		delete(e.peers, ip)
	}
	e.mu.Unlock()

	if !exists {
		return
	}
	e.log.WithField("ip", ip).Info("peer removed")
	if e.cfg.EngineObserver != nil {
		e.cfg.EngineObserver.RemoveNode(n)
	}
}

// RefreshHeartbeat updates a known peer's last-heartbeat timestamp
// (NitroShare liveness).
func (e *Engine) RefreshHeartbeat(ip string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.peers[ip]; ok {
		n.LastHeartbeat = now()
		e.peers[ip] = n
	}
}

// HasPeer reports whether ip is already in the peer table.
func (e *Engine) HasPeer(ip string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.peers[ip]
	return ok
}

// HeartbeatGrace returns the configured NitroShare liveness grace period.
func (e *Engine) HeartbeatGrace() time.Duration { return e.cfg.HeartbeatGrace }

// IsLocalAddr reports whether ip belongs to this host.
func (e *Engine) IsLocalAddr(ip string) bool { return e.localIPs[ip] }

// SendUnicast sends data to a single UDP destination.
func (e *Engine) SendUnicast(data []byte, dest *net.UDPAddr) {
	if _, err := e.unicastConn.WriteToUDP(data, dest); err != nil {
		e.log.WithError(err).WithField("dest", dest).Warn("unicast send failed")
	}
}

// SendBroadcast sends data to every bound subnet's broadcast address on
// port. Network-unreachable errors (errno 101/10051 in the original) are
// swallowed; the engine keeps running (spec §7).
func (e *Engine) SendBroadcast(data []byte, port int) {
	for _, s := range e.subnets {
		dest := &net.UDPAddr{IP: s.Broadcast, Port: port}
		_, err := e.unicastConn.WriteToUDP(data, dest)
		if err != nil && !isNetworkUnreachable(err) {
			e.log.WithError(err).WithField("dest", dest).Error("broadcast send failed")
		}
	}
}

func (e *Engine) helloLoop() {
	defer e.wg.Done()
	interval := e.codec.HelloInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.sayHelloBroadcast()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sayHelloBroadcast()
			e.codec.SweepStalePeers(e)
		}
	}
}

func (e *Engine) sayHelloBroadcast() {
	data := e.codec.BuildHello(e, true)
	e.SendBroadcast(data, e.udpPort)
}

func (e *Engine) udpReceiveLoop() {
	defer e.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		_ = e.udpConn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := e.udpConn.ReadFromUDP(buf)
		select {
		case <-e.stopCh:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		if e.IsLocalAddr(from.IP.String()) {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		e.codec.HandleUDPPacket(e, data, from)
	}
}

// isNetworkUnreachable matches errno 101 (Linux ENETUNREACH) and the
// Windows WSAENETUNREACH analogue (10051), per spec §7.
func isNetworkUnreachable(err error) bool {
	return errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.Errno(10051))
}

var now = time.Now
