// Package node holds the peer and identity record types shared by both
// wire protocols, and the observer interfaces higher layers implement to
// receive peer and transfer events.
package node

import (
	"errors"
	"net"
	"time"
)

// Sentinel errors passed to TransferObserver.RecvFinish/SendFinish. nil
// means "done" (spec §4.D/§7); these name the other outcomes the spec
// enumerates.
var (
	ErrAbort    = errors.New("abort")
	ErrReadOnly = errors.New("read_only")
)

// Protocol tags a Node or Identity with the wire dialect it speaks.
type Protocol string

const (
	Dukto      Protocol = "Dukto"
	NitroShare Protocol = "NitroShare"
)

// Type classifies a Node for observer UI purposes. The engine never reads
// these back; it only ever writes Host or Guest.
type Type string

const (
	TypeHost Type = "host"
	TypeGuest Type = "guest"
	TypeText Type = "text"
	TypeIP   Type = "ip"
)

// Node represents a discovered remote party. IP is the unique key within
// one protocol's peer table.
type Node struct {
	IP            string
	Port          int
	Protocol      Protocol
	User          string
	Name          string
	OS            string
	LastHeartbeat time.Time
	Type          Type
}

// LongName renders the node the way the reference CLI prints it:
// user@name(os-symbol).
func (n Node) LongName() string {
	return n.User + "@" + n.Name + "(" + osSymbol(n.OS) + ")"
}

func osSymbol(os string) string {
	switch os {
	case "windows":
		return "win"
	case "macosx", "darwin":
		return "mac"
	case "linux":
		return "linux"
	case "android":
		return "android"
	default:
		return os
	}
}

// Identity is the local host's self-description, used both to build hello
// payloads and to recognize (and ignore) our own hellos.
type Identity struct {
	User string
	Name string
	OS   string

	// NitroShare only.
	UUID string
}

// EngineObserver receives peer-table change events. Engines call these
// synchronously from their UDP receive loop or hello/sweep actor.
type EngineObserver interface {
	AddNode(n Node)
	RemoveNode(n Node)
}

// TransferObserver receives per-connection transfer events, in strict wire
// order (see spec §5 Ordering guarantees).
type TransferObserver interface {
	RecvFeedFile(name string, data []byte, recvSize, fileSize, totalRecvSize, totalSize int64, from net.Addr)
	RecvFinishFile(name string, from net.Addr)
	RecvFinish(from net.Addr, err error)
	RecvFeedText(data []byte, from net.Addr)
	RecvFinishText(from net.Addr) string

	SendFeedFile(name string, data []byte, sendSize, fileSize, totalSendSize, totalSize int64)
	SendFinishFile(name string)
	SendFinish(err error)
}

// NopTransferObserver is embeddable by callers who only care about a subset
// of TransferObserver's methods.
type NopTransferObserver struct{}

func (NopTransferObserver) RecvFeedFile(string, []byte, int64, int64, int64, int64, net.Addr) {}
func (NopTransferObserver) RecvFinishFile(string, net.Addr)                                   {}
func (NopTransferObserver) RecvFinish(net.Addr, error)                                        {}
func (NopTransferObserver) RecvFeedText([]byte, net.Addr)                                      {}
func (NopTransferObserver) RecvFinishText(net.Addr) string                                    { return "" }
func (NopTransferObserver) SendFeedFile(string, []byte, int64, int64, int64, int64)           {}
func (NopTransferObserver) SendFinishFile(string)                                             {}
func (NopTransferObserver) SendFinish(error)                                                  {}
