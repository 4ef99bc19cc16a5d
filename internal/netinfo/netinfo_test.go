package netinfo

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExcludedRanges(t *testing.T) {
	assert.True(t, excluded(net.ParseIP("127.0.0.1").To4()))
	assert.True(t, excluded(net.ParseIP("169.254.1.2").To4()))
	assert.False(t, excluded(net.ParseIP("192.168.1.5").To4()))
}

func TestRecommendedChunkSizeCapsDefault(t *testing.T) {
	size := RecommendedChunkSize(0)
	assert.Equal(t, DefaultChunkSize, min(size, DefaultChunkSize))
	assert.LessOrEqual(t, size, DefaultChunkSize)
}

func TestRecommendedChunkSizeHonorsSmallerCap(t *testing.T) {
	assert.LessOrEqual(t, RecommendedChunkSize(4096), 4096)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
