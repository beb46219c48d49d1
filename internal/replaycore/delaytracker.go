package replaycore

import (
	"time"

	"fafsrv/replayserver/internal/streampos"
)

// DelayEventKind enumerates the events DelayTracker emits for its owning
// Replay actor, per spec.md §4.3.
type DelayEventKind int

const (
	DelayHeaderReady DelayEventKind = iota
	DelayDataUpdate
	DelayFinished
)

func (k DelayEventKind) String() string {
	switch k {
	case DelayHeaderReady:
		return "HeaderReady"
	case DelayDataUpdate:
		return "DataUpdate"
	case DelayFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

// DelayEvent is one notification from a DelayTracker, tagged with the token
// of the writer it samples so the engine can route it.
type DelayEvent struct {
	Token Token
	Kind  DelayEventKind
}

// DelayTracker samples a WriterStream's position on a fixed interval,
// publishes the oldest sample in its ring as the writer's delayed position,
// and emits at most one event per sample. Ordering contract (spec.md §4.3):
// HeaderReady?, DataUpdate*, (one final DataUpdate with delayed == total
// length), Finished — never emits after Finished.
//
// Every touch of the WriterStream happens inside borrow, a caller-supplied
// function that hops onto the Replay's single owning goroutine for the
// duration of one synchronous sample (see Replay.do) — sleep is the only
// suspension point, and it runs outside any borrow, per spec.md §5's rule
// that a cell must never be held across an awaited suspension.
type DelayTracker struct {
	token    Token
	w        *WriterStream
	sampleMs int
	ringSize int
	sleep    func(time.Duration)
	borrow   func(func())

	events chan<- DelayEvent
}

// ringSize returns ceil(delayS*1000/sampleMs) + 1, the number of samples
// DelayTracker must retain to publish a position delay_s old.
func ringSize(delayS, sampleMs int) int {
	if sampleMs <= 0 {
		sampleMs = 1
	}
	delayMs := delayS * 1000
	n := delayMs / sampleMs
	if delayMs%sampleMs != 0 {
		n++
	}
	return n + 1
}

// NewDelayTracker constructs a tracker for w, reporting to token on events.
// sleep defaults to time.Sleep if nil.
func NewDelayTracker(token Token, w *WriterStream, delayS, sampleMs int, events chan<- DelayEvent, borrow func(func()), sleep func(time.Duration)) *DelayTracker {
	if sleep == nil {
		sleep = time.Sleep
	}
	return &DelayTracker{
		token:    token,
		w:        w,
		sampleMs: sampleMs,
		ringSize: ringSize(delayS, sampleMs),
		sleep:    sleep,
		borrow:   borrow,
		events:   events,
	}
}

// Run executes the sampling loop until the writer finishes or stop is
// closed. It is meant to be run on its own goroutine: sleep is this
// tracker's only suspension point, per spec.md §5.
func (t *DelayTracker) Run(stop <-chan struct{}) {
	ring := make([]streampos.Position, t.ringSize)
	next := 0
	filled := 0

	sawHeader := false
	var lastCurrent, lastDelayed streampos.Position
	haveLast := false

	for {
		select {
		case <-stop:
			return
		default:
		}

		var toEmit []DelayEventKind
		isFinished := false
		stopped := false

		t.borrow(func() {
			// stop may have been closed while this sample waited for the
			// owning goroutine; the writer must not be touched after that.
			select {
			case <-stop:
				stopped = true
				return
			default:
			}
			cur := t.w.Position()

			ring[next%t.ringSize] = cur
			next++
			if filled < t.ringSize {
				filled++
			}

			var oldest streampos.Position
			if filled < t.ringSize {
				oldest = streampos.StartPos()
			} else {
				oldest = ring[next%t.ringSize]
			}
			delayedLen := int64(0)
			if oldest.Kind() == streampos.Data || oldest.Kind() == streampos.Finished {
				delayedLen = oldest.Len()
			}
			t.w.SetDelayedPosition(delayedLen)

			changed := !haveLast || streampos.Compare(cur, lastCurrent) != 0 || streampos.Compare(oldest, lastDelayed) != 0
			haveLast = true
			lastCurrent = cur
			lastDelayed = oldest

			switch {
			case !sawHeader && cur.Kind() != streampos.Start:
				sawHeader = true
				toEmit = append(toEmit, DelayHeaderReady)
			case cur.IsFinished():
				t.w.SetDelayedPosition(int64(t.w.Len()))
				toEmit = append(toEmit, DelayDataUpdate, DelayFinished)
				isFinished = true
			case changed && cur.Kind() == streampos.Data:
				toEmit = append(toEmit, DelayDataUpdate)
			}
		})
		if stopped {
			return
		}

		for _, kind := range toEmit {
			select {
			case t.events <- DelayEvent{Token: t.token, Kind: kind}:
			case <-stop:
				return
			}
		}
		if isFinished {
			return
		}

		select {
		case <-stop:
			return
		default:
		}
		t.sleep(time.Duration(t.sampleMs) * time.Millisecond)
	}
}
