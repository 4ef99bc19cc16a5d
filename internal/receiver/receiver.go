// Package receiver implements the Receiver Sink: materializing inbound
// records to a drop directory, enforcing write permission, and tracking a
// per-file MD5 digest as telemetry (spec §4.F).
//
// Grounded on spec §4.F and the original ndrop/netdrop.py RecvFile/finish
// handling, reshaped as a node.TransferObserver implementation in the style
// of orbstack-swift-nio's event-sink types (vnet/services/*).
package receiver

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/liuyug/ndrop/internal/node"
)

// Stdout is the drop-directory sentinel meaning "write file contents to
// standard output" (spec §4.F).
const Stdout = "-"

// Sink implements node.TransferObserver, materializing records under a drop
// directory. It is safe for concurrent use by independent connections; each
// connection's in-flight file state is keyed by its remote address, and all
// of it is guarded by one shared mutex.
type Sink struct {
	node.NopTransferObserver

	mu  sync.Mutex
	dir string
	ok  bool
	log *logrus.Entry

	openFiles map[string]*openFile
	texts     map[string]*bytes.Buffer
}

var _ node.TransferObserver = (*Sink)(nil)

type openFile struct {
	f   *os.File
	sum hash.Hash
}

// NewSink creates a Sink rooted at dir and immediately verifies write
// permission (spec §4.F "At startup and on reconfigure, verify write
// permission").
func NewSink(dir string) *Sink {
	s := &Sink{
		dir:       dir,
		log:       logrus.WithField("component", "receiver"),
		openFiles: map[string]*openFile{},
		texts:     map[string]*bytes.Buffer{},
	}
	s.Reconfigure(dir)
	return s
}

// Reconfigure changes the drop directory and re-checks write permission.
func (s *Sink) Reconfigure(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir = dir
	s.ok = s.checkWritable(dir)
	if !s.ok {
		s.log.WithField("dir", dir).Warn("drop directory not writable; incoming payloads will be discarded")
	}
}

func (s *Sink) checkWritable(dir string) bool {
	if dir == Stdout {
		return true
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe := filepath.Join(dir, ".ndrop-write-check")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

func (s *Sink) writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ok
}

func (s *Sink) dropDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *Sink) key(name string, from net.Addr) string {
	addr := ""
	if from != nil {
		addr = from.String()
	}
	return addr + "\x00" + name
}

// RecvFeedFile materializes directory markers on first sight, opens the
// destination file on first data for a name, and feeds both the file and
// the running MD5 digest. A nil data slice marks a directory record
// (spec §4.B/§4.C "directory: chunk=None"); materializing it before any
// child file keeps the parents-precede-children invariant.
func (s *Sink) RecvFeedFile(name string, data []byte, recvSize, fileSize, totalRecvSize, totalSize int64, from net.Addr) {
	if !s.writable() {
		return // drop payload, keep draining: framing stays consistent
	}
	dir := s.dropDir()

	if fileSize < 0 {
		if dir != Stdout {
			_ = os.MkdirAll(filepath.Join(dir, name), 0o755)
		}
		return
	}

	k := s.key(name, from)
	s.mu.Lock()
	of, exists := s.openFiles[k]
	if !exists {
		of = &openFile{sum: md5.New()}
		if dir == Stdout {
			of.f = os.Stdout
		} else {
			full := filepath.Join(dir, name)
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				s.log.WithError(err).WithField("name", name).Error("mkdir failed")
				s.mu.Unlock()
				return
			}
			f, err := os.Create(full)
			if err != nil {
				s.log.WithError(err).WithField("name", name).Error("create failed")
				s.mu.Unlock()
				return
			}
			of.f = f
		}
		s.openFiles[k] = of
	}
	s.mu.Unlock()

	if len(data) > 0 {
		_, _ = of.f.Write(data)
		_, _ = of.sum.Write(data)
	}
}

// RecvFinishFile closes the destination file and logs its MD5 digest
// (spec §4.F telemetry). It is a no-op for directory records, which never
// open a file.
func (s *Sink) RecvFinishFile(name string, from net.Addr) {
	k := s.key(name, from)
	s.mu.Lock()
	of, exists := s.openFiles[k]
	if exists {
		delete(s.openFiles, k)
	}
	s.mu.Unlock()
	if !exists {
		return
	}

	digest := hex.EncodeToString(of.sum.Sum(nil))
	if of.f != os.Stdout {
		of.f.Close()
	}
	s.log.WithFields(logrus.Fields{"name": name, "md5": digest}).Info("file received")
}

// RecvFinish logs the terminal outcome of one connection's transfer. A
// clean wire completion over an unwritable drop directory is reported
// upward as node.ErrReadOnly (spec §7 "Write permission denied").
func (s *Sink) RecvFinish(from net.Addr, err error) {
	if err == nil && !s.writable() {
		err = node.ErrReadOnly
	}
	if err != nil {
		s.log.WithError(err).WithField("from", from).Warn("transfer ended with error")
		return
	}
	s.log.WithField("from", from).Info("transfer finished")
}

// RecvFeedText accumulates a text message's bytes as they arrive.
func (s *Sink) RecvFeedText(data []byte, from net.Addr) {
	k := s.key(TextTag, from)
	s.mu.Lock()
	buf, ok := s.texts[k]
	if !ok {
		buf = &bytes.Buffer{}
		s.texts[k] = buf
	}
	s.mu.Unlock()
	buf.Write(data)
}

// RecvFinishText returns the assembled text message and forgets it.
func (s *Sink) RecvFinishText(from net.Addr) string {
	k := s.key(TextTag, from)
	s.mu.Lock()
	buf, ok := s.texts[k]
	if ok {
		delete(s.texts, k)
	}
	s.mu.Unlock()
	if !ok {
		return ""
	}
	text := buf.String()
	s.log.WithField("from", from).Info("text message received")
	return text
}

// TextTag is a local key used only to namespace the text accumulator; it
// does not need to match either protocol's wire sentinel since text buffers
// live in their own map, apart from open files.
const TextTag = "\x00text"
