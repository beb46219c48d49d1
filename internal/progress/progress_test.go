package progress

import "testing"

func intCmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func TestWaitFastPath(t *testing.T) {
	tr := New(intCmp, 0, 100)
	tr.Advance(5)
	ch := tr.Wait(3)
	select {
	case got := <-ch:
		if got != 5 {
			t.Fatalf("got %d, want 5", got)
		}
	default:
		t.Fatalf("expected fast-path wait to be immediately ready")
	}
}

func TestWaitBlocksUntilAdvance(t *testing.T) {
	tr := New(intCmp, 0, 100)
	ch := tr.Wait(10)
	select {
	case <-ch:
		t.Fatalf("wait resolved before position advanced")
	default:
	}
	tr.Advance(9)
	select {
	case <-ch:
		t.Fatalf("wait resolved at position 9 but threshold was 10")
	default:
	}
	tr.Advance(10)
	select {
	case got := <-ch:
		if got != 10 {
			t.Fatalf("got %d, want 10", got)
		}
	default:
		t.Fatalf("wait should resolve once position reaches threshold")
	}
}

func TestAdvancePastMultipleThresholdsWakesAll(t *testing.T) {
	tr := New(intCmp, 0, 100)
	ch1 := tr.Wait(5)
	ch2 := tr.Wait(7)
	ch3 := tr.Wait(20)
	tr.Advance(10)

	for i, ch := range []<-chan int{ch1, ch2} {
		select {
		case got := <-ch:
			if got != 10 {
				t.Fatalf("waiter %d got %d, want 10", i, got)
			}
		default:
			t.Fatalf("waiter %d should have been woken", i)
		}
	}
	select {
	case <-ch3:
		t.Fatalf("waiter at 20 should not be woken by advance to 10")
	default:
	}
	if tr.PendingWaiters() != 1 {
		t.Fatalf("PendingWaiters() = %d, want 1", tr.PendingWaiters())
	}
}

func TestAdvanceBackwardsPanics(t *testing.T) {
	tr := New(intCmp, 0, 100)
	tr.Advance(10)
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected panic on backwards advance")
		}
	}()
	tr.Advance(5)
}

func TestAtTop(t *testing.T) {
	tr := New(intCmp, 0, 100)
	if tr.AtTop() {
		t.Fatalf("fresh tracker should not be at top")
	}
	tr.Advance(100)
	if !tr.AtTop() {
		t.Fatalf("tracker at 100 should report AtTop with top sentinel 100")
	}
}
