// Package chunker splits byte streams into content-defined chunks for
// deduplicated and incremental transfer.
//
// Boundaries are chosen by the content itself (a rolling checksum), not by
// fixed offsets, so a small edit near the start of a file leaves the chunk
// boundaries after the edit point unchanged and only the touched chunks need
// re-uploading.
package chunker

// Range is one chunk: a half-open byte range [Offset, Offset+Length) of the
// source buffer. Ranges returned by Chunk are contiguous, non-overlapping,
// and cover the whole input.
type Range struct {
	Offset int64
	Length int64
}

// boundaryDivisor is the fixed power of two the rolling digest must divide
// for a content-defined cut. A boundary fires with probability 1/2^16 per
// scanned byte once the minimum size is reached, so chunks average roughly
// minSize + 64KiB before the hard maximum kicks in.
const boundaryDivisor = 1 << 16

// Chunker splits buffers into content-defined chunks with configured size
// bounds. The zero value is not usable; use New.
type Chunker struct {
	minSize int
	maxSize int
}

// New returns a Chunker producing chunks of at least minSize and at most
// maxSize bytes (the final chunk of a buffer may be shorter than minSize).
// minSize must be positive and no larger than maxSize.
func New(minSize, maxSize int) *Chunker {
	if minSize <= 0 {
		panic("chunker: minSize must be positive")
	}
	if maxSize < minSize {
		panic("chunker: maxSize must be >= minSize")
	}
	return &Chunker{minSize: minSize, maxSize: maxSize}
}

// Chunk splits data into content-defined chunks.
//
// The algorithm keeps a rolling sum over a sliding window as wide as the
// minimum chunk size. Each byte is rolled in, and once the window is full the
// oldest byte is rolled out, so the sum always covers the most recent window.
// A cut happens when the chunk built so far has reached the minimum size and
// the digest is a multiple of a fixed power of two, or unconditionally when
// the chunk hits the maximum size (bounding memory and request size on
// pathological input). The final partial chunk is always emitted; empty input
// yields no chunks.
//
// Chunking is deterministic: identical input and bounds produce identical
// ranges.
func (c *Chunker) Chunk(data []byte) []Range {
	if len(data) == 0 {
		return nil
	}

	var (
		ranges []Range
		start  int
		sum    uint64
	)

	for i, b := range data {
		chunkLen := i - start + 1
		sum += uint64(b)
		if chunkLen > c.minSize {
			// Window is full: retire the byte that slid out of it.
			sum -= uint64(data[i-c.minSize])
		}

		cut := chunkLen >= c.maxSize ||
			(chunkLen >= c.minSize && sum%boundaryDivisor == 0)
		if cut {
			ranges = append(ranges, Range{Offset: int64(start), Length: int64(chunkLen)})
			start = i + 1
			sum = 0
		}
	}

	if start < len(data) {
		ranges = append(ranges, Range{Offset: int64(start), Length: int64(len(data) - start)})
	}
	return ranges
}

// MinSize returns the configured minimum chunk size.
func (c *Chunker) MinSize() int { return c.minSize }

// MaxSize returns the configured maximum chunk size.
func (c *Chunker) MaxSize() int { return c.maxSize }
