package nitroshare

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/liuyug/ndrop/internal/node"
	"github.com/liuyug/ndrop/internal/transfer"
)

// PackTransferHeader renders the leading transfer-header control packet.
func PackTransferHeader(name string, totalSize int64, count int) []byte {
	return packTransferHeader(name, totalSize, count)
}

// PackFiles streams entries as a sequence of fileHeader/data packets,
// invoking obs.SendFeedFile/SendFinishFile as bytes are written. decide is
// consulted (defaulting to abort) when a file grows past its declared size
// mid-stream, mirroring the Dukto packer's contract via the shared
// transfer.FileChangeDecider. chunkSize bounds each read/write from disk and
// therefore every 0x03 data packet's payload size (spec §3 "Chunk Size",
// §4.C "senders MUST split file payload ... so that no packet exceeds the
// chunk bound").
func PackFiles(w io.Writer, obs node.TransferObserver, totalSize int64, entries []transfer.Entry, decide transfer.FileChangeDecider, chunkSize int) error {
	var totalSent int64
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}

	for _, ent := range entries {
		if strings.IndexByte(ent.RelPath, 0x00) >= 0 {
			return transfer.ErrNulInName
		}

		isDir := ent.Size < 0
		if _, err := w.Write(packFileHeader(ent.RelPath, ent.Size, isDir)); err != nil {
			return err
		}

		switch {
		case isDir:
			obs.SendFeedFile(ent.RelPath, nil, 0, -1, totalSent, totalSize)
		case ent.Size == 0:
			obs.SendFeedFile(ent.RelPath, []byte{}, 0, 0, totalSent, totalSize)
		default:
			sent, err := streamFile(w, obs, ent, totalSent, totalSize, decide, chunkSize)
			totalSent += sent
			if err != nil {
				return err
			}
		}
		obs.SendFinishFile(ent.RelPath)
	}
	return nil
}

func streamFile(w io.Writer, obs node.TransferObserver, ent transfer.Entry, totalSentBefore, totalSize int64, decide transfer.FileChangeDecider, chunkSize int) (int64, error) {
	f, err := os.Open(ent.AbsPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	var sent int64
	totalSent := totalSentBefore

	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if sent+int64(n) > ent.Size {
				over := &transfer.ErrFileChanged{Name: ent.RelPath, DeclaredSize: ent.Size, SentSoFar: sent}
				cont := false
				if decide != nil {
					cont = decide(over)
				}
				chunk = chunk[:ent.Size-sent]
				if _, werr := w.Write(packData(chunk)); werr != nil {
					return sent, werr
				}
				sent += int64(len(chunk))
				totalSent += int64(len(chunk))
				obs.SendFeedFile(ent.RelPath, chunk, sent, ent.Size, totalSent, totalSize)
				if !cont {
					return sent, over
				}
				return sent, nil
			}

			if _, werr := w.Write(packData(chunk)); werr != nil {
				return sent, werr
			}
			sent += int64(n)
			totalSent += int64(n)
			obs.SendFeedFile(ent.RelPath, chunk, sent, ent.Size, totalSent, totalSize)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return sent, rerr
		}
	}

	if sent < ent.Size {
		return sent, fmt.Errorf("nitroshare: file %q shorter than declared size (%d < %d): %w", ent.RelPath, sent, ent.Size, io.ErrUnexpectedEOF)
	}
	return sent, nil
}
