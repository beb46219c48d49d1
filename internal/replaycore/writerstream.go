package replaycore

import (
	"fafsrv/replayserver/internal/chunkbuf"
	"fafsrv/replayserver/internal/progress"
	"fafsrv/replayserver/internal/streampos"
)

// headerState enumerates WriterStream's header lifecycle: None -> Set ->
// Taken(len). Once taken, only the recorded length is kept (the bytes moved
// to the canonical stream), so positional math stays correct without
// holding a second copy of the header in memory.
type headerState int

const (
	headerNone headerState = iota
	headerSet
	headerTaken
)

// WriterStream is the append-only, front-discardable buffer and progress
// cursor for one connected producer, per spec.md §3/§4.2.
type WriterStream struct {
	state     headerState
	header    []byte // verbatim bytes; nil once taken
	headerLen int     // recorded length, valid once taken

	buf     *chunkbuf.DiscardBuffer
	tracker *progress.Tracker[streampos.Position]

	delayedPosition int64 // set by DelayTracker; monotone non-decreasing, <= buf.Len()
}

// NewWriterStream constructs an empty writer stream at position Start.
func NewWriterStream() *WriterStream {
	return &WriterStream{
		buf:     chunkbuf.NewDiscardBuffer(),
		tracker: progress.New(comparePositions, streampos.StartPos(), streampos.Top()),
	}
}

func comparePositions(a, b streampos.Position) int { return streampos.Compare(a, b) }

// Position returns the writer's current position.
func (w *WriterStream) Position() streampos.Position { return w.tracker.Position() }

// Wait returns a channel resolving once the writer's own position reaches k.
func (w *WriterStream) Wait(k streampos.Position) <-chan streampos.Position { return w.tracker.Wait(k) }

// HasHeader reports whether a header has been set (whether or not it has
// since been taken).
func (w *WriterStream) HasHeader() bool { return w.state != headerNone }

// SetHeader installs the verbatim header bytes read from the producer
// socket and advances the writer's position from Start to Data(0). It is a
// programming error to call this more than once; the producer task reads
// exactly one header before entering its payload loop.
func (w *WriterStream) SetHeader(raw []byte) {
	if w.state != headerNone {
		panic("replaycore: SetHeader called twice on a WriterStream")
	}
	w.header = raw
	w.state = headerSet
	w.tracker.Advance(streampos.DataPos(0))
}

// TakeHeader moves the header bytes out for reuse by the canonical stream,
// leaving only the recorded length behind. Returns (nil, false) if no
// header has been set yet, or if it was already taken.
func (w *WriterStream) TakeHeader() ([]byte, bool) {
	if w.state != headerSet {
		return nil, false
	}
	raw := w.header
	w.headerLen = len(raw)
	w.header = nil
	w.state = headerTaken
	return raw, true
}

// AddData appends payload bytes and advances the writer's position by their
// length.
func (w *WriterStream) AddData(data []byte) {
	w.buf.Append(data)
	w.tracker.Advance(streampos.DataPos(int64(w.buf.Len())))
}

// Finish transitions the writer to Finished(len); once finished, no further
// writes are permitted (spec.md §3's position-monotonicity invariant).
func (w *WriterStream) Finish() {
	w.tracker.Advance(streampos.FinishedPos(int64(w.buf.Len())))
}

// IsFinished reports whether the writer has finished.
func (w *WriterStream) IsFinished() bool { return w.tracker.Position().IsFinished() }

// Len returns the number of payload bytes appended so far (header
// excluded), regardless of how much has since been discarded.
func (w *WriterStream) Len() int { return w.buf.Len() }

// ReadRange reads payload bytes in [start, end). Reading below the discard
// threshold panics, by chunkbuf's contract.
func (w *WriterStream) ReadRange(start, end int) []byte { return w.buf.ReadRange(start, end) }

// ByteAt returns the single payload byte at offset, and whether it is
// available (i.e. offset < Len()).
func (w *WriterStream) ByteAt(offset int) (byte, bool) {
	if offset < 0 || offset >= w.buf.Len() {
		return 0, false
	}
	chunk := w.buf.GetChunk(offset)
	if len(chunk) == 0 {
		return 0, false
	}
	return chunk[0], true
}

// Discard releases memory for whole chunks lying entirely below until.
func (w *WriterStream) Discard(until int) { w.buf.Discard(until) }

// DiscardAll releases the writer's entire buffer, used once the engine has
// marked the writer as diverged.
func (w *WriterStream) DiscardAll() { w.buf.DiscardAll() }

// SetDelayedPosition is the DelayTracker's setter for the writer's sampled
// delayed position. Values must be monotone non-decreasing (a smaller value
// panics); a value above Len() is clamped to Len().
func (w *WriterStream) SetDelayedPosition(p int64) {
	if p < w.delayedPosition {
		panic("replaycore: delayed position must be monotone non-decreasing")
	}
	if p > int64(w.buf.Len()) {
		p = int64(w.buf.Len())
	}
	w.delayedPosition = p
}

// DelayedPosition returns the writer's most recently sampled delayed
// position.
func (w *WriterStream) DelayedPosition() int64 { return w.delayedPosition }
