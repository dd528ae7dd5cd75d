package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	c := NewConstant(3 * time.Second)
	for _, n := range []int{1, 2, 10} {
		if got := c.Delay(n); got != 3*time.Second {
			t.Errorf("Delay(%d) = %v, want 3s", n, got)
		}
	}
}

func TestExponentialGrowth(t *testing.T) {
	e := NewExponential(time.Second, 0, 0)
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
	}
	for _, c := range cases {
		if got := e.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestExponentialCap(t *testing.T) {
	e := NewExponential(time.Second, 10*time.Second, 0)
	if got := e.Delay(20); got != 10*time.Second {
		t.Errorf("Delay(20) = %v, want cap 10s", got)
	}
}

func TestExponentialJitterBounds(t *testing.T) {
	e := NewExponential(time.Second, 0, 0.2)
	lo := time.Duration(float64(4*time.Second) * 0.8)
	hi := time.Duration(float64(4*time.Second) * 1.2)
	for i := 0; i < 1000; i++ {
		d := e.Delay(2)
		if d < lo || d > hi {
			t.Fatalf("Delay(2) = %v, outside [%v, %v]", d, lo, hi)
		}
	}
}

func TestExponentialClampsAttempt(t *testing.T) {
	e := NewExponential(time.Second, 0, 0)
	if got, want := e.Delay(0), e.Delay(1); got != want {
		t.Errorf("Delay(0) = %v, want %v", got, want)
	}
}
