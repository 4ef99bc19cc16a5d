// Package transfer builds the sender-side Transfer Descriptor: an ordered
// walk of file/argument paths into (absolute, relative, size) entries,
// shared by both wire protocols' senders (spec §3 Transfer Descriptor, §4.E
// Sender).
//
// Grounded on the original ndrop/netdrop.py send_files() directory walk,
// translated into a recursive, name-sorted os.ReadDir traversal.
package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Entry is one record in a Transfer Descriptor. Size == -1 denotes a
// directory marker; Size >= 0 denotes a regular file of that many bytes.
type Entry struct {
	AbsPath string
	RelPath string
	Size    int64
}

// Descriptor is the immutable result of walking a set of sender arguments.
type Descriptor struct {
	Entries   []Entry
	TotalSize int64
}

// Build walks each argument path, producing directory markers for the
// argument itself (when it is a directory) and every subdirectory, and file
// entries for every regular file, with parents always preceding children
// (spec invariant: Directory precedence).
func Build(paths []string) (*Descriptor, error) {
	d := &Descriptor{}

	for _, arg := range paths {
		absPath, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("transfer: resolve %q: %w", arg, err)
		}
		basePath := filepath.Dir(absPath)

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("transfer: stat %q: %w", arg, err)
		}

		relPath, err := filepath.Rel(basePath, absPath)
		if err != nil {
			return nil, fmt.Errorf("transfer: relativize %q: %w", arg, err)
		}

		if !info.IsDir() {
			d.Entries = append(d.Entries, Entry{AbsPath: absPath, RelPath: relPath, Size: info.Size()})
			d.TotalSize += info.Size()
			continue
		}

		d.Entries = append(d.Entries, Entry{AbsPath: absPath, RelPath: relPath, Size: -1})
		if err := walkDir(absPath, basePath, d); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// walkDir appends directory and file entries under root (already emitted as
// its own marker by the caller), preserving parent-before-child order.
func walkDir(root, basePath string, d *Descriptor) error {
	children, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("transfer: read dir %q: %w", root, err)
	}

	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	var dirs []string
	for _, c := range children {
		full := filepath.Join(root, c.Name())
		rel, err := filepath.Rel(basePath, full)
		if err != nil {
			return fmt.Errorf("transfer: relativize %q: %w", full, err)
		}

		if c.IsDir() {
			d.Entries = append(d.Entries, Entry{AbsPath: full, RelPath: rel, Size: -1})
			dirs = append(dirs, full)
			continue
		}

		info, err := c.Info()
		if err != nil {
			return fmt.Errorf("transfer: stat %q: %w", full, err)
		}
		d.Entries = append(d.Entries, Entry{AbsPath: full, RelPath: rel, Size: info.Size()})
		d.TotalSize += info.Size()
	}

	for _, sub := range dirs {
		if err := walkDir(sub, basePath, d); err != nil {
			return err
		}
	}
	return nil
}
