package timebase

import (
	"testing"
	"time"

	"github.com/zsiec/phasemux/internal/media"
)

var (
	rate50   = media.EditRate{Num: 50, Den: 1}
	rate5994 = media.EditRate{Num: 60000, Den: 1001}
)

func TestSampleNumberIntegerRate(t *testing.T) {
	t.Parallel()

	for n := int64(0); n < 100; n++ {
		ns := n * 20_000_000
		if got := SampleNumber(ns, rate50); got != n {
			t.Fatalf("SampleNumber(%d): got %d, want %d", ns, got, n)
		}
		if got := Nanoseconds(n, rate50); got != ns {
			t.Fatalf("Nanoseconds(%d): got %d, want %d", n, got, ns)
		}
	}
}

func TestSampleNumberRoundsToNearest(t *testing.T) {
	t.Parallel()

	// 9.9ms and 10.1ms around the 20ms grid.
	if got := SampleNumber(9_900_000, rate50); got != 0 {
		t.Errorf("SampleNumber(9.9ms): got %d, want 0", got)
	}
	if got := SampleNumber(10_100_000, rate50); got != 1 {
		t.Errorf("SampleNumber(10.1ms): got %d, want 1", got)
	}
}

func TestRoundTripNonIntegerRate(t *testing.T) {
	t.Parallel()

	// Around "now" expressed in samples since the epoch.
	base := int64(1_760_000_000) * 60
	for sn := base; sn < base+5000; sn++ {
		ns := Nanoseconds(sn, rate5994)
		if got := SampleNumber(ns, rate5994); got != sn {
			t.Fatalf("round trip %d: got %d via %dns", sn, got, ns)
		}
	}
}

func TestSpanTilesTimeline(t *testing.T) {
	t.Parallel()

	var total int64
	for sn := int64(0); sn < 60000; sn++ {
		total += Span(sn, rate5994)
	}
	// 60000 samples at 60000/1001 last exactly 1001 seconds.
	if total != 1001*int64(time.Second) {
		t.Errorf("total span: got %d, want %d", total, 1001*int64(time.Second))
	}
}

func TestLargeValuesUseWideArithmetic(t *testing.T) {
	t.Parallel()

	r := media.EditRate{Num: 240000, Den: 1001}
	ns := int64(1_760_000_000) * int64(time.Second)
	sn := SampleNumber(ns, r)
	back := Nanoseconds(sn, r)
	if d := back - ns; d < -int64(Span(sn, r)) || d > int64(Span(sn, r)) {
		t.Errorf("round trip drifted by %dns", d)
	}
}

func TestNegativeSampleNumber(t *testing.T) {
	t.Parallel()

	if got := Nanoseconds(-1, rate50); got != -20_000_000 {
		t.Errorf("Nanoseconds(-1): got %d, want -20000000", got)
	}
}

func TestCeilDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int64
		rate media.EditRate
		unit time.Duration
		want time.Duration
	}{
		{"four periods p50", 4, rate50, time.Nanosecond, 80 * time.Millisecond},
		{"half period p50 in ms", 1, rate50.Mul(2), time.Millisecond, 10 * time.Millisecond},
		{"half period 59.94 in ms", 1, rate5994.Mul(2), time.Millisecond, 9 * time.Millisecond},
		{"four periods 59.94", 4, rate5994, time.Nanosecond, 66_733_334 * time.Nanosecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CeilDuration(tt.n, tt.rate, tt.unit); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
