// Package chunkbuf implements the append-only, chunked byte store described
// in spec.md §3: a byte sequence split into fixed-size chunks that supports
// O(1) append and returns contiguous slices on read without ever copying
// already-written bytes. GrowBuffer never releases memory (used for the
// canonical stream); DiscardBuffer additionally supports releasing whole
// chunks that lie entirely below a caller-chosen offset (used for writer
// streams, which must be memory-bounded).
package chunkbuf

// ChunkSize is the fixed chunk size in bytes, per spec.md §3.
const ChunkSize = 4096

// GrowBuffer is an append-only chunked byte buffer that never discards data.
type GrowBuffer struct {
	chunks [][]byte
	length int
}

// NewGrowBuffer constructs an empty grow-only buffer.
func NewGrowBuffer() *GrowBuffer { return &GrowBuffer{} }

// Len returns the number of bytes appended so far.
func (b *GrowBuffer) Len() int { return b.length }

// Append adds bytes to the end of the buffer, copying the input so the
// caller's slice may be reused or mutated afterwards.
func (b *GrowBuffer) Append(data []byte) {
	for len(data) > 0 {
		idx := b.length / ChunkSize
		if idx == len(b.chunks) {
			b.chunks = append(b.chunks, make([]byte, 0, ChunkSize))
		}
		chunk := b.chunks[idx]
		room := ChunkSize - len(chunk)
		n := len(data)
		if n > room {
			n = room
		}
		b.chunks[idx] = append(chunk, data[:n]...)
		data = data[n:]
		b.length += n
	}
}

// GetChunk returns the contiguous slice starting at start, running up to the
// next chunk boundary or the buffer's current end, whichever comes first.
// Callers needing more than one chunk's worth of bytes must call GetChunk
// repeatedly, advancing start by the length of the slice returned each time.
func (b *GrowBuffer) GetChunk(start int) []byte {
	if start < 0 || start >= b.length {
		return nil
	}
	idx := start / ChunkSize
	offset := start % ChunkSize
	return b.chunks[idx][offset:]
}

// Bytes materializes the full buffer contents as one contiguous slice. It
// copies, so it should be avoided on hot paths for large buffers.
func (b *GrowBuffer) Bytes() []byte {
	return b.ReadRange(0, b.length)
}

// ReadRange copies out the contiguous byte range [start, end), walking
// across as many chunks as necessary.
func (b *GrowBuffer) ReadRange(start, end int) []byte {
	if end > b.length {
		end = b.length
	}
	if start < 0 || start >= end {
		return nil
	}
	out := make([]byte, 0, end-start)
	for pos := start; pos < end; {
		chunk := b.GetChunk(pos)
		if len(chunk) == 0 {
			break
		}
		n := len(chunk)
		if pos+n > end {
			n = end - pos
		}
		out = append(out, chunk[:n]...)
		pos += n
	}
	return out
}

// DiscardBuffer is a GrowBuffer that additionally supports releasing whole
// chunks lying entirely below a discard threshold. Reading below the
// discard threshold is a programming error — the caller is responsible for
// never doing so, per spec.md §3.
type DiscardBuffer struct {
	base      int // absolute offset of chunks[0]; chunks below it are gone
	chunks    [][]byte
	length    int // total bytes ever appended (absolute, including discarded)
	discarded int // absolute offset below which reads are undefined
}

// NewDiscardBuffer constructs an empty discardable buffer.
func NewDiscardBuffer() *DiscardBuffer { return &DiscardBuffer{} }

// Len returns the number of bytes appended so far (absolute length, not
// reduced by discarding).
func (b *DiscardBuffer) Len() int { return b.length }

// Append adds bytes to the end of the buffer.
func (b *DiscardBuffer) Append(data []byte) {
	for len(data) > 0 {
		idx := (b.length - b.base) / ChunkSize
		if idx == len(b.chunks) {
			b.chunks = append(b.chunks, make([]byte, 0, ChunkSize))
		}
		chunk := b.chunks[idx]
		room := ChunkSize - len(chunk)
		n := len(data)
		if n > room {
			n = room
		}
		b.chunks[idx] = append(chunk, data[:n]...)
		data = data[n:]
		b.length += n
	}
}

// GetChunk returns the contiguous slice starting at the absolute offset
// start, up to the next chunk boundary or current end. It panics if start
// falls below the discard threshold — callers must never read there, per
// spec.md — and returns nil if start is at or past the written length.
func (b *DiscardBuffer) GetChunk(start int) []byte {
	if start < b.discarded {
		panic("chunkbuf: read below discard threshold")
	}
	if start < 0 || start >= b.length {
		return nil
	}
	idx := (start - b.base) / ChunkSize
	offset := (start - b.base) % ChunkSize
	return b.chunks[idx][offset:]
}

// Discard releases memory for any whole chunk lying entirely below until.
// Partially-covered chunks are left intact. Discarding is idempotent and
// monotone: calling it with a value below the current threshold is a no-op.
func (b *DiscardBuffer) Discard(until int) {
	if until <= b.discarded {
		return
	}
	if until > b.length {
		until = b.length
	}
	releasable := (until - b.base) / ChunkSize
	if releasable <= 0 {
		b.discarded = until
		return
	}
	if releasable > len(b.chunks) {
		releasable = len(b.chunks)
	}
	b.chunks = b.chunks[releasable:]
	b.base += releasable * ChunkSize
	b.discarded = until
}

// DiscardAll releases every chunk, used when a writer has diverged and its
// buffer will never be read again.
func (b *DiscardBuffer) DiscardAll() {
	b.chunks = nil
	b.base = b.length
	b.discarded = b.length
}

// Discarded reports the current discard threshold.
func (b *DiscardBuffer) Discarded() int { return b.discarded }

// ReadRange copies out the contiguous byte range [start, end), walking
// across as many chunks as necessary. Like GetChunk, it panics if start
// falls below the discard threshold.
func (b *DiscardBuffer) ReadRange(start, end int) []byte {
	if end > b.length {
		end = b.length
	}
	if start < 0 || start >= end {
		return nil
	}
	out := make([]byte, 0, end-start)
	for pos := start; pos < end; {
		chunk := b.GetChunk(pos)
		if len(chunk) == 0 {
			break
		}
		n := len(chunk)
		if pos+n > end {
			n = end - pos
		}
		out = append(out, chunk[:n]...)
		pos += n
	}
	return out
}
