// Package sender drives the client side of a transfer: dialing a peer,
// building the entry list, and handing it to the wire protocol's packer.
//
// Grounded on spec §4.E and on orbstack-swift-nio's client dial helpers
// (vnet/dialer.go) for the timeout/TLS dance.
package sender

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/liuyug/ndrop/internal/dukto"
	"github.com/liuyug/ndrop/internal/netinfo"
	"github.com/liuyug/ndrop/internal/nitroshare"
	"github.com/liuyug/ndrop/internal/node"
	"github.com/liuyug/ndrop/internal/transfer"
)

// Timeout is the connect/IO timeout applied to every client transfer
// (spec §4.E step 5).
const Timeout = 5 * time.Second

// TLSConfig carries optional client-side TLS material. When Enabled is
// true, certificates are not verified against the peer, matching the
// existing peers' behavior (spec §4.E step 4).
type TLSConfig struct {
	Enabled bool
}

func dial(addr string, tlsCfg TLSConfig) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: Timeout}
	if !tlsCfg.Enabled {
		return dialer.Dial("tcp4", addr)
	}
	return tls.DialWithDialer(dialer, "tcp4", addr, &tls.Config{InsecureSkipVerify: true})
}

// SendText opens a connection to addr and writes a single text-message
// frame for the given protocol. Only Dukto has a text frame; for NitroShare
// SendText writes nothing and returns an error.
func SendText(addr string, protocol node.Protocol, tlsCfg TLSConfig, text string) (err error) {
	log := logrus.WithFields(logrus.Fields{"component": "sender", "addr": addr, "protocol": string(protocol)})
	conn, err := dial(addr, tlsCfg)
	if err != nil {
		log.WithError(err).Error("dial failed")
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(Timeout))

	switch protocol {
	case node.Dukto:
		_, err = conn.Write(dukto.PackText(text))
	case node.NitroShare:
		err = fmt.Errorf("sender: NitroShare does not define a text-only transfer")
	default:
		err = fmt.Errorf("sender: unknown protocol %q", protocol)
	}
	if err != nil {
		log.WithError(err).Error("send text failed")
	}
	return err
}

// SendFiles walks paths into a transfer.Descriptor, dials addr, and streams
// every entry through the protocol's packer, invoking obs's Send* callbacks
// as bytes go out. decide governs mid-transfer file-size-mismatch recovery
// (nil aborts, per spec §7). chunkSize bounds each packer read/write
// (spec §3 "Chunk Size"); 0 resolves to netinfo.RecommendedChunkSize.
func SendFiles(addr string, protocol node.Protocol, tlsCfg TLSConfig, obs node.TransferObserver, paths []string, decide transfer.FileChangeDecider, chunkSize int) error {
	log := logrus.WithFields(logrus.Fields{"component": "sender", "addr": addr, "protocol": string(protocol)})
	if chunkSize <= 0 {
		chunkSize = netinfo.RecommendedChunkSize(netinfo.DefaultChunkSize)
	}

	desc, err := transfer.Build(paths)
	if err != nil {
		log.WithError(err).Error("build transfer descriptor failed")
		obs.SendFinish(err)
		return err
	}

	conn, err := dial(addr, tlsCfg)
	if err != nil {
		log.WithError(err).Error("dial failed")
		obs.SendFinish(err)
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(Timeout))

	log.WithFields(logrus.Fields{"entries": len(desc.Entries), "total_size": desc.TotalSize}).Info("sending")

	switch protocol {
	case node.Dukto:
		if _, err := conn.Write(dukto.PackFilesHeader(len(desc.Entries), desc.TotalSize)); err != nil {
			obs.SendFinish(err)
			return err
		}
		err = dukto.PackFiles(conn, obs, desc.TotalSize, desc.Entries, decide, chunkSize)

	case node.NitroShare:
		if _, err := conn.Write(nitroshare.PackTransferHeader(rootName(paths), desc.TotalSize, len(desc.Entries))); err != nil {
			obs.SendFinish(err)
			return err
		}
		if err = nitroshare.PackFiles(conn, obs, desc.TotalSize, desc.Entries, decide, chunkSize); err != nil {
			break
		}
		err = readAck(conn)

	default:
		err = fmt.Errorf("sender: unknown protocol %q", protocol)
	}

	obs.SendFinish(err)
	if err != nil {
		log.WithError(err).Error("send failed")
	}
	return err
}

// readAck drains the connection until EOF or a success/error packet is
// observed, per spec §4.E step 7. A bare EOF with no bytes is treated as
// success since some peers close immediately. The ack packet's 4-byte
// length prefix and 1-byte tag may arrive split across multiple Read
// calls, so bytes are accumulated rather than judged from a single read.
func readAck(conn net.Conn) error {
	var acc []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			if len(acc) >= 5 {
				if acc[4] == 0x01 {
					return fmt.Errorf("sender: peer reported error: %s", string(acc[5:]))
				}
				return nil
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func rootName(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	return paths[0]
}
