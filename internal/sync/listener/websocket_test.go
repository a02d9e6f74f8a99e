package listener

import (
	"testing"
	"time"
)

func TestRedialDelayDoublesCapsAndResets(t *testing.T) {
	// Short-lived connections double the delay up to the cap.
	var d time.Duration
	for _, want := range []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	} {
		d = redialDelay(d, 100*time.Millisecond)
		if d != want {
			t.Fatalf("expected delay %s, got %s", want, d)
		}
	}

	// A connection that stayed up past the cap was healthy; its drop
	// restarts the schedule at the base.
	if got := redialDelay(30*time.Second, time.Hour); got != time.Second {
		t.Errorf("expected reset to %s after a long-lived connection, got %s", time.Second, got)
	}
}
