package chunker

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomData returns deterministic pseudo-random bytes so failures reproduce.
func randomData(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(seed))
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

// checkCover asserts the ranges are contiguous, in order, and cover data.
func checkCover(t *testing.T, data []byte, ranges []Range) {
	t.Helper()
	var next int64
	for _, r := range ranges {
		assert.Equal(t, next, r.Offset)
		assert.Positive(t, r.Length)
		next = r.Offset + r.Length
	}
	assert.Equal(t, int64(len(data)), next)
}

func TestChunkEmptyInput(t *testing.T) {
	c := New(1024, 4096)
	assert.Empty(t, c.Chunk(nil))
	assert.Empty(t, c.Chunk([]byte{}))
}

func TestChunkSingleShortChunk(t *testing.T) {
	c := New(1024, 4096)

	data := randomData(t, 100, 1)
	ranges := c.Chunk(data)

	require.Len(t, ranges, 1)
	assert.Equal(t, Range{Offset: 0, Length: 100}, ranges[0])
}

func TestChunkBounds(t *testing.T) {
	c := New(1024, 8192)

	data := randomData(t, 256*1024, 2)
	ranges := c.Chunk(data)

	require.NotEmpty(t, ranges)
	checkCover(t, data, ranges)

	for i, r := range ranges {
		assert.LessOrEqual(t, r.Length, int64(8192), "chunk %d too large", i)
		if i < len(ranges)-1 {
			assert.GreaterOrEqual(t, r.Length, int64(1024), "chunk %d too small", i)
		}
	}
}

func TestChunkDeterministic(t *testing.T) {
	c := New(1024, 8192)

	data := randomData(t, 128*1024, 3)
	first := c.Chunk(data)
	second := c.Chunk(data)

	assert.Equal(t, first, second)
}

func TestChunkMaxSizeForcesCut(t *testing.T) {
	c := New(1024, 4096)

	// All-zero input never trips the content boundary after the window
	// fills, so every cut must come from the maximum size.
	data := make([]byte, 20000)
	for i := range data {
		data[i] = 0xff
	}
	ranges := c.Chunk(data)

	checkCover(t, data, ranges)
	for i, r := range ranges {
		if i < len(ranges)-1 {
			assert.Equal(t, int64(4096), r.Length)
		}
	}
}

// TestChunkEditLocality verifies that a local edit only disturbs chunk
// boundaries near the edit: ranges sufficiently far past the edit point
// realign with the unedited run.
func TestChunkEditLocality(t *testing.T) {
	c := New(256, 256*1024)

	data := randomData(t, 4*1024*1024, 4)
	edited := make([]byte, len(data))
	copy(edited, data)
	for i := 1000; i < 1050; i++ {
		edited[i] ^= 0xa5
	}

	origin := c.Chunk(data)
	changed := c.Chunk(edited)

	checkCover(t, edited, changed)

	// The rolling window only sees the edit near the start of the stream,
	// so boundary candidates past it are shared and both chunkings lock
	// back together within a few candidates. Everything past a generous
	// resync region must match exactly.
	const resyncLimit = 1024 * 1024
	stable := map[int64]bool{}
	for _, r := range origin {
		if r.Offset > resyncLimit {
			stable[r.Offset] = true
		}
	}
	require.NotEmpty(t, stable)

	matched := 0
	for _, r := range changed {
		if stable[r.Offset] {
			matched++
		}
	}
	assert.Equal(t, len(stable), matched, "boundaries past the edit must realign")
}

func TestNewValidation(t *testing.T) {
	assert.Panics(t, func() { New(0, 10) })
	assert.Panics(t, func() { New(-1, 10) })
	assert.Panics(t, func() { New(20, 10) })
	assert.NotPanics(t, func() { New(10, 10) })
}
