package dukto

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/liuyug/ndrop/internal/node"
	"github.com/liuyug/ndrop/internal/transfer"
)

// PackFilesHeader renders the transfer header (record count + total size).
func PackFilesHeader(count int, totalSize int64) []byte {
	return packFilesHeader(count, totalSize)
}

// PackText renders a complete text-message frame.
func PackText(text string) []byte {
	return packText(text)
}

// PackFiles streams entries to w, invoking obs.SendFeedFile/SendFinishFile
// per record as bytes are emitted. decide is consulted (defaulting to
// abort) if a file is found to have grown past its declared size.
// chunkSize bounds each read/write from disk (spec §3 "Chunk Size"); callers
// should resolve it via netinfo.RecommendedChunkSize.
func PackFiles(w io.Writer, obs node.TransferObserver, totalSize int64, entries []transfer.Entry, decide transfer.FileChangeDecider, chunkSize int) error {
	var totalSent int64
	if chunkSize <= 0 {
		chunkSize = 32 * 1024
	}

	for _, ent := range entries {
		if strings.IndexByte(ent.RelPath, 0x00) >= 0 {
			return transfer.ErrNulInName
		}

		if err := writeRecordHeader(w, ent.RelPath, ent.Size); err != nil {
			return err
		}

		switch {
		case ent.Size < 0: // directory
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

func writeRecordHeader(w io.Writer, name string, size int64) error {
	buf := make([]byte, 0, len(name)+1+8)
	buf = append(buf, []byte(name)...)
	buf = append(buf, 0x00)
	sizeBytes := make([]byte, 8)
	putInt64LE(sizeBytes, size)
	buf = append(buf, sizeBytes...)
	_, err := w.Write(buf)
	return err
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
				if _, werr := w.Write(chunk); werr != nil {
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

			if _, werr := w.Write(chunk); werr != nil {
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
		return sent, fmt.Errorf("dukto: file %q shorter than declared size (%d < %d): %w", ent.RelPath, sent, ent.Size, io.ErrUnexpectedEOF)
	}
	return sent, nil
}
