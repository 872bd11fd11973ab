package backoff

import (
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	base, max := 50*time.Millisecond, 500*time.Millisecond
	if d := Delay(base, max, 0); d < 50*time.Millisecond || d >= 100*time.Millisecond {
		t.Errorf("attempt 0 delay %v not in [50ms, 100ms)", d)
	}
	if d := Delay(base, max, 1); d < 100*time.Millisecond || d >= 150*time.Millisecond {
		t.Errorf("attempt 1 delay %v not in [100ms, 150ms)", d)
	}
	if d := Delay(base, max, 2); d < 200*time.Millisecond || d >= 250*time.Millisecond {
		t.Errorf("attempt 2 delay %v not in [200ms, 250ms)", d)
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	d := Delay(100*time.Millisecond, 200*time.Millisecond, 40)
	if d < 200*time.Millisecond || d >= 300*time.Millisecond {
		t.Errorf("capped delay %v not in [200ms, 300ms)", d)
	}
	if d := Delay(0, time.Millisecond, 3); d != time.Millisecond {
		t.Errorf("zero base should return max, got %v", d)
	}
}
