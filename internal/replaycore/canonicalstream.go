package replaycore

import (
	"fafsrv/replayserver/internal/chunkbuf"
	"fafsrv/replayserver/internal/progress"
	"fafsrv/replayserver/internal/streampos"
)

// CanonicalStream is the merged per-game output owned by the MergeEngine:
// an optional header, an append-only (never discarded) byte log, and a
// delayed-progress cursor read by live spectators and the on-disk saver.
// Data may be written past the delayed cursor; the cursor is advanced
// separately by the engine, per spec.md §3.
type CanonicalStream struct {
	header []byte // nil until the engine installs the first writer's header

	buf     *chunkbuf.GrowBuffer
	tracker *progress.Tracker[streampos.Position]
}

// NewCanonicalStream constructs an empty canonical stream at position Start.
func NewCanonicalStream() *CanonicalStream {
	return &CanonicalStream{
		buf:     chunkbuf.NewGrowBuffer(),
		tracker: progress.New(comparePositions, streampos.StartPos(), streampos.Top()),
	}
}

// HasHeader reports whether a header has been installed.
func (c *CanonicalStream) HasHeader() bool { return c.header != nil }

// Header returns the installed header bytes, or nil if none yet.
func (c *CanonicalStream) Header() []byte { return c.header }

// SetHeader installs the canonical header (taken from the first writer to
// deliver one, per spec.md §4.4.4) and advances the delayed cursor from
// Start to Data(0) — headers are available to spectators immediately, the
// delay applies only to payload bytes.
func (c *CanonicalStream) SetHeader(raw []byte) {
	if c.header != nil {
		return // first header wins; subsequent headers are ignored
	}
	c.header = raw
	c.tracker.Advance(streampos.DataPos(0))
}

// AppendData appends bytes to the canonical log. This does not by itself
// advance the delayed cursor; the engine does that separately via
// AdvanceDelayed once it has recomputed the minimum delayed position across
// the quorum.
func (c *CanonicalStream) AppendData(data []byte) { c.buf.Append(data) }

// Len returns the number of committed payload bytes (header excluded).
func (c *CanonicalStream) Len() int { return c.buf.Len() }

// ReadRange reads payload bytes in [start, end).
func (c *CanonicalStream) ReadRange(start, end int) []byte { return c.buf.ReadRange(start, end) }

// ByteAt returns the payload byte at offset and whether it is available.
func (c *CanonicalStream) ByteAt(offset int) (byte, bool) {
	if offset < 0 || offset >= c.buf.Len() {
		return 0, false
	}
	chunk := c.buf.GetChunk(offset)
	if len(chunk) == 0 {
		return 0, false
	}
	return chunk[0], true
}

// Delayed returns the current delayed cursor position.
func (c *CanonicalStream) Delayed() streampos.Position { return c.tracker.Position() }

// DelayedLen returns the delayed cursor's byte length (0 if not yet past
// the header).
func (c *CanonicalStream) DelayedLen() int64 { return c.tracker.Position().Len() }

// AdvanceDelayed moves the delayed cursor forward. It must never exceed
// buf.Len(); callers are expected to clamp (the engine's merge step already
// does: min(data.len, min over Q of delayed)).
func (c *CanonicalStream) AdvanceDelayed(p streampos.Position) {
	if p.Kind() == streampos.Data && p.Len() > int64(c.buf.Len()) {
		panic("replaycore: delayed cursor cannot exceed committed data length")
	}
	c.tracker.Advance(p)
}

// WaitDelayed returns a channel resolving once the delayed cursor is at
// least k — used by CanonicalReader to block until more bytes are safe to
// expose to spectators.
func (c *CanonicalStream) WaitDelayed(k streampos.Position) <-chan streampos.Position {
	return c.tracker.Wait(k)
}

// Finish marks the canonical stream Finished at its current data length,
// called by MergeEngine.FinishAll once every writer has finished.
func (c *CanonicalStream) Finish() {
	c.tracker.Advance(streampos.FinishedPos(int64(c.buf.Len())))
}

// IsFinished reports whether the canonical stream has reached Finished.
func (c *CanonicalStream) IsFinished() bool { return c.tracker.Position().IsFinished() }
