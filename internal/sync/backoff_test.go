package sync

import (
	"testing"
	"time"
)

func TestBackoff_GrowsExponentially(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Max: 10 * time.Minute}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, c := range cases {
		if got := b.Delay(c.attempt); got != c.want {
			t.Errorf("attempt %d: got %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Max: 10 * time.Second}

	if got := b.Delay(20); got != 10*time.Second {
		t.Errorf("expected delay capped at 10s, got %v", got)
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	b := Backoff{Base: 4 * time.Second, Factor: 2, Max: time.Minute, Jitter: true}

	for i := 0; i < 100; i++ {
		d := b.Delay(2) // nominal 8s
		if d < 4*time.Second || d > 8*time.Second {
			t.Fatalf("jittered delay %v outside [4s, 8s]", d)
		}
	}
}

func TestBackoff_AttemptFloor(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Max: time.Minute}

	if got := b.Delay(0); got != time.Second {
		t.Errorf("attempt 0 should behave like attempt 1, got %v", got)
	}
}

func TestNewBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0, 0)

	if b.Base != time.Second {
		t.Errorf("expected 1s default base, got %v", b.Base)
	}
	if b.Factor != 2 {
		t.Errorf("expected factor 2, got %v", b.Factor)
	}
	if b.Max != 10*time.Minute {
		t.Errorf("expected 10m default cap, got %v", b.Max)
	}
	if !b.Jitter {
		t.Error("expected jitter enabled")
	}
}
