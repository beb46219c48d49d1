package replaycore

import (
	"bytes"
	"testing"

	"fafsrv/replayserver/internal/streampos"
)

func TestCanonicalStreamHeaderFirstWins(t *testing.T) {
	c := NewCanonicalStream()
	c.SetHeader([]byte("first"))
	c.SetHeader([]byte("second"))
	if string(c.Header()) != "first" {
		t.Fatalf("Header() = %q, want first header kept", c.Header())
	}
	if streampos.Compare(c.Delayed(), streampos.DataPos(0)) != 0 {
		t.Fatalf("delayed position after SetHeader = %v, want Data(0)", c.Delayed())
	}
}

func TestCanonicalStreamAppendDoesNotAdvanceDelayed(t *testing.T) {
	c := NewCanonicalStream()
	c.SetHeader([]byte("h"))
	c.AppendData([]byte("abcdef"))
	if c.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", c.Len())
	}
	if c.DelayedLen() != 0 {
		t.Fatalf("DelayedLen() = %d, want 0 (AppendData must not advance the cursor)", c.DelayedLen())
	}
}

func TestCanonicalStreamAdvanceDelayedWakesWaiters(t *testing.T) {
	c := NewCanonicalStream()
	c.SetHeader([]byte("h"))
	c.AppendData([]byte("abcdef"))

	ch := c.WaitDelayed(streampos.DataPos(4))
	select {
	case <-ch:
		t.Fatalf("should not be ready yet")
	default:
	}
	c.AdvanceDelayed(streampos.DataPos(4))
	select {
	case pos := <-ch:
		if pos.Len() != 4 {
			t.Fatalf("resolved delayed position = %v, want Data(4)", pos)
		}
	default:
		t.Fatalf("wait should have resolved")
	}
	if !bytes.Equal(c.ReadRange(0, 4), []byte("abcd")) {
		t.Fatalf("ReadRange mismatch")
	}
}

func TestCanonicalStreamAdvanceDelayedBeyondDataPanics(t *testing.T) {
	c := NewCanonicalStream()
	c.SetHeader([]byte("h"))
	c.AppendData([]byte("abc"))
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic advancing delayed cursor past committed data")
		}
	}()
	c.AdvanceDelayed(streampos.DataPos(10))
}

func TestCanonicalStreamFinishWithNoHeaderOrData(t *testing.T) {
	c := NewCanonicalStream()
	c.Finish()
	if c.HasHeader() {
		t.Fatalf("no header should have been set")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
	if !c.IsFinished() {
		t.Fatalf("expected Finished")
	}
}
