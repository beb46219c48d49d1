package replaycore

import (
	"context"
	"io"

	"fafsrv/replayserver/internal/streampos"
)

const canonicalReaderBufferSize = 4096

// CanonicalReader streams a CanonicalStream's bytes to a sink in order:
// header, then data bytes up to the current delayed cursor, per spec.md
// §4.5. It is safe to start after the stream has already reached any
// state, including Finished.
//
// Every touch of the canonical stream goes through borrow, which hops onto
// the owning Replay's single goroutine for the duration of one synchronous
// read — the only suspension point is the channel receive while waiting for
// the delayed cursor to advance, which never happens inside a borrow.
type CanonicalReader struct {
	borrow func(func())
}

// NewCanonicalReader constructs a reader that accesses its canonical stream
// exclusively through borrow.
func NewCanonicalReader(borrow func(func())) *CanonicalReader {
	return &CanonicalReader{borrow: borrow}
}

// Run copies bytes to sink until the canonical stream finishes or ctx is
// cancelled. Cancellation is not reported as an error: the spectator task
// simply stops (spec.md §5's cancellation policy for reader tasks).
func (r *CanonicalReader) Run(ctx context.Context, canonical *CanonicalStream, sink io.Writer) error {
	var header []byte
	var hasHeader bool
	r.borrow(func() {
		hasHeader = canonical.HasHeader()
		header = canonical.Header()
	})

	if !hasHeader {
		var wait <-chan streampos.Position
		r.borrow(func() { wait = canonical.WaitDelayed(streampos.DataPos(0)) })
		select {
		case <-wait:
		case <-ctx.Done():
			return nil
		}
		r.borrow(func() { header = canonical.Header() })
	}
	if header != nil {
		if _, err := sink.Write(header); err != nil {
			return err
		}
	}

	buf := make([]byte, canonicalReaderBufferSize)
	sent := 0
	for {
		var delayedLen int
		var finished bool
		var chunk []byte
		r.borrow(func() {
			delayedLen = int(canonical.DelayedLen())
			finished = canonical.IsFinished()
			if sent < delayedLen {
				end := sent + canonicalReaderBufferSize
				if end > delayedLen {
					end = delayedLen
				}
				chunk = canonical.ReadRange(sent, end)
			}
		})

		if len(chunk) > 0 {
			n := copy(buf, chunk)
			if _, err := sink.Write(buf[:n]); err != nil {
				return err
			}
			sent += n
			continue
		}
		if finished {
			return nil
		}

		var wait <-chan streampos.Position
		r.borrow(func() { wait = canonical.WaitDelayed(streampos.DataPos(int64(sent + 1))) })
		select {
		case <-wait:
		case <-ctx.Done():
			return nil
		}
	}
}
