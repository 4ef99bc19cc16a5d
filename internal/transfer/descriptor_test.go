package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirectoryPrecedence(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(root, "d", "sub"), 0o755))
	assert.NoError(t, os.WriteFile(filepath.Join(root, "d", "f"), []byte("x"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(root, "d", "sub", "g"), []byte("y"), 0o644))

	desc, err := Build([]string{root})
	assert.NoError(t, err)

	seen := map[string]bool{}
	for _, e := range desc.Entries {
		parent := filepath.Dir(e.RelPath)
		if parent != "." {
			assert.True(t, seen[parent], "parent %q must precede %q", parent, e.RelPath)
		}
		seen[e.RelPath] = true
	}
}

func TestTotalSizeAccounting(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("hello"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(root, "b"), []byte("world!"), 0o644))

	desc, err := Build([]string{filepath.Join(root, "a"), filepath.Join(root, "b")})
	assert.NoError(t, err)
	assert.Equal(t, int64(11), desc.TotalSize)
}

func TestEmptyDirectoryMarkerEmitted(t *testing.T) {
	root := t.TempDir()
	assert.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	desc, err := Build([]string{root})
	assert.NoError(t, err)
	assert.Len(t, desc.Entries, 2) // root marker + "empty" marker
	assert.Equal(t, int64(-1), desc.Entries[1].Size)
}
