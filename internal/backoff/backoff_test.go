package backoff

import (
	"testing"
	"time"
)

func TestExponential_CapsAtMax(t *testing.T) {
	max := 60 * time.Second
	for attempt := 0; attempt < 20; attempt++ {
		d := Exponential(time.Second, max, attempt)
		upperBound := max + max/5 // +20% jitter headroom
		if d > upperBound {
			t.Errorf("attempt %d: got %v, want <= %v", attempt, d, upperBound)
		}
		if d <= 0 {
			t.Errorf("attempt %d: got non-positive duration %v", attempt, d)
		}
	}
}

func TestExponential_GrowsWithAttempt(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Hour
	// Attempt 4 is nominally 16x attempt 0; even with +/-20% jitter on both it
	// stays above 10x, so the check only asserts it exceeds half of attempt 0.
	d0 := Exponential(base, max, 0)
	d4 := Exponential(base, max, 4)
	if d4 <= d0/2 {
		t.Errorf("expected backoff to grow with attempt count: attempt0=%v attempt4=%v", d0, d4)
	}
}
