package streampos

import "testing"

func TestVariantOrdering(t *testing.T) {
	cases := []struct {
		name string
		a, b Position
		want int
	}{
		{"start<header", StartPos(), HeaderPos(), -1},
		{"header<data0", HeaderPos(), DataPos(0), -1},
		{"data0<data5", DataPos(0), DataPos(5), -1},
		{"data5>data0", DataPos(5), DataPos(0), 1},
		{"data5==data5", DataPos(5), DataPos(5), 0},
		{"data<finished-regardless-of-n", DataPos(1000), FinishedPos(1), -1},
		{"finished==finished-different-n", FinishedPos(999), FinishedPos(0), 0},
		{"start==start", StartPos(), StartPos(), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compare(tc.a, tc.b)
			if got != tc.want {
				t.Fatalf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestAdd(t *testing.T) {
	if got := Add(DataPos(4), 3); got != DataPos(7) {
		t.Fatalf("Data(4)+3 = %s, want Data(7)", got)
	}
	if got := Add(StartPos(), 5); got != StartPos() {
		t.Fatalf("Start+5 = %s, want Start", got)
	}
	if got := Add(HeaderPos(), 5); got != HeaderPos() {
		t.Fatalf("Header+5 = %s, want Header", got)
	}
	if got := Add(FinishedPos(10), 5); got != FinishedPos(10) {
		t.Fatalf("Finished(10)+5 = %s, want Finished(10) unchanged", got)
	}
}

func TestTopIsAboveEveryData(t *testing.T) {
	top := Top()
	for _, n := range []int64{0, 1, 1 << 20, 1 << 40} {
		if !Less(DataPos(n), top) {
			t.Fatalf("Data(%d) should be less than Top()", n)
		}
	}
	if Less(top, Bottom()) {
		t.Fatalf("Top() should never be less than Bottom()")
	}
}

func TestLenOnlyMeaningfulForDataAndFinished(t *testing.T) {
	if StartPos().Len() != 0 || HeaderPos().Len() != 0 {
		t.Fatalf("Start/Header should report zero length")
	}
	if DataPos(42).Len() != 42 {
		t.Fatalf("Data(42).Len() should be 42")
	}
	if FinishedPos(7).Len() != 7 {
		t.Fatalf("Finished(7).Len() should be 7")
	}
}
