package replaycore

import (
	"testing"
	"time"
)

func TestRingSize(t *testing.T) {
	cases := []struct {
		delayS, sampleMs, want int
	}{
		{delayS: 1, sampleMs: 1000, want: 2},
		{delayS: 0, sampleMs: 10, want: 1},
		{delayS: 2, sampleMs: 300, want: 8}, // ceil(2000/300)=7, +1
		{delayS: 5, sampleMs: 500, want: 11},
	}
	for _, c := range cases {
		if got := ringSize(c.delayS, c.sampleMs); got != c.want {
			t.Errorf("ringSize(%d, %d) = %d, want %d", c.delayS, c.sampleMs, got, c.want)
		}
	}
}

func readDelayEvent(t *testing.T, events <-chan DelayEvent) DelayEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a DelayEvent")
		return DelayEvent{}
	}
}

func expectNoDelayEvent(t *testing.T, events <-chan DelayEvent) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev.Kind)
	default:
	}
}

// TestDelayTrackerOrdering drives a DelayTracker one sample at a time using a
// blocking injected sleep, and checks both the HeaderReady?, DataUpdate*,
// Finished ordering contract and the one-sample lag a ring of size 2
// (delay_s=1, sample_ms=1000) should produce.
func TestDelayTrackerOrdering(t *testing.T) {
	w := NewWriterStream()
	events := make(chan DelayEvent, 8)
	stop := make(chan struct{})
	step := make(chan struct{})
	parked := make(chan struct{})

	sleep := func(time.Duration) {
		parked <- struct{}{}
		<-step
	}
	borrow := func(fn func()) { fn() }

	tracker := NewDelayTracker(7, w, 1, 1000, events, borrow, sleep)
	go tracker.Run(stop)

	waitParked := func() {
		t.Helper()
		select {
		case <-parked:
		case <-time.After(2 * time.Second):
			t.Fatalf("tracker never parked in sleep")
		}
	}
	advance := func() { step <- struct{}{} }

	// Sample 0: fresh writer, Start. No event, delayed stays 0.
	waitParked()
	expectNoDelayEvent(t, events)
	if w.DelayedPosition() != 0 {
		t.Fatalf("DelayedPosition() = %d, want 0", w.DelayedPosition())
	}

	// Sample 1: header arrives -> HeaderReady, exactly once.
	w.SetHeader([]byte("H"))
	advance()
	waitParked()
	if ev := readDelayEvent(t, events); ev.Kind != DelayHeaderReady || ev.Token != 7 {
		t.Fatalf("event = %+v, want HeaderReady for token 7", ev)
	}
	expectNoDelayEvent(t, events)

	// Sample 2: data arrives -> DataUpdate, but the ring still reports the
	// previous (pre-data) sample as the delayed position.
	w.AddData([]byte{1, 2, 3})
	advance()
	waitParked()
	if ev := readDelayEvent(t, events); ev.Kind != DelayDataUpdate {
		t.Fatalf("event kind = %v, want DataUpdate", ev.Kind)
	}
	if w.DelayedPosition() != 0 {
		t.Fatalf("DelayedPosition() = %d, want 0 (one sample behind)", w.DelayedPosition())
	}

	// Sample 3: no new data, but the ring catches the delayed cursor up to
	// the current length -> another DataUpdate fires purely because the
	// delayed position moved.
	advance()
	waitParked()
	if ev := readDelayEvent(t, events); ev.Kind != DelayDataUpdate {
		t.Fatalf("event kind = %v, want DataUpdate (delayed cursor catch-up)", ev.Kind)
	}
	if w.DelayedPosition() != 3 {
		t.Fatalf("DelayedPosition() = %d, want 3", w.DelayedPosition())
	}

	// Sample 4: the writer finishes. The tracker snaps the delayed position
	// to the full length, emits a final DataUpdate for that change, then
	// Finished, and returns without sleeping again.
	w.Finish()
	advance()
	if ev := readDelayEvent(t, events); ev.Kind != DelayDataUpdate {
		t.Fatalf("event kind = %v, want a final DataUpdate", ev.Kind)
	}
	if ev := readDelayEvent(t, events); ev.Kind != DelayFinished {
		t.Fatalf("event kind = %v, want Finished", ev.Kind)
	}
	if w.DelayedPosition() != 3 {
		t.Fatalf("DelayedPosition() = %d, want 3 at finish", w.DelayedPosition())
	}
}

// A writer that sends a header and no payload, then finishes immediately,
// emits HeaderReady once and then a (DataUpdate, Finished) pair — the
// DataUpdate fires because Finished(0) is still a distinct tracked position
// from Data(0), even though no payload bytes were ever added.
func TestDelayTrackerHeaderOnlyThenFinish(t *testing.T) {
	w := NewWriterStream()
	events := make(chan DelayEvent, 8)
	stop := make(chan struct{})
	step := make(chan struct{})
	parked := make(chan struct{})

	sleep := func(time.Duration) {
		parked <- struct{}{}
		<-step
	}
	borrow := func(fn func()) { fn() }

	tracker := NewDelayTracker(1, w, 0, 10, events, borrow, sleep)
	go tracker.Run(stop)

	waitParked := func() {
		t.Helper()
		select {
		case <-parked:
		case <-time.After(2 * time.Second):
			t.Fatalf("tracker never parked in sleep")
		}
	}

	waitParked()
	expectNoDelayEvent(t, events)

	w.SetHeader(nil)
	step <- struct{}{}
	waitParked()
	if ev := readDelayEvent(t, events); ev.Kind != DelayHeaderReady {
		t.Fatalf("event kind = %v, want HeaderReady", ev.Kind)
	}
	expectNoDelayEvent(t, events)

	w.Finish()
	step <- struct{}{}

	if ev := readDelayEvent(t, events); ev.Kind != DelayDataUpdate {
		t.Fatalf("event kind = %v, want a final DataUpdate", ev.Kind)
	}
	if ev := readDelayEvent(t, events); ev.Kind != DelayFinished {
		t.Fatalf("event kind = %v, want Finished", ev.Kind)
	}
}

// Closing stop while the tracker is parked in sleep must make Run return
// promptly instead of sampling again.
func TestDelayTrackerStopDuringSleep(t *testing.T) {
	w := NewWriterStream()
	events := make(chan DelayEvent, 8)
	stop := make(chan struct{})
	parked := make(chan struct{})
	released := make(chan struct{})

	sleep := func(time.Duration) {
		parked <- struct{}{}
		<-released
	}
	borrow := func(fn func()) { fn() }

	tracker := NewDelayTracker(1, w, 1, 1000, events, borrow, sleep)
	done := make(chan struct{})
	go func() {
		tracker.Run(stop)
		close(done)
	}()

	select {
	case <-parked:
	case <-time.After(2 * time.Second):
		t.Fatalf("tracker never parked in sleep")
	}

	close(stop)
	close(released)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after stop was closed")
	}
}
