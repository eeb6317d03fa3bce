package ptime_test

import (
	"testing"
	"time"

	"github.com/riglabs/peeps/ptime"
)

func TestNowMonotonic(t *testing.T) {
	a := ptime.Now()
	time.Sleep(2 * time.Millisecond)
	b := ptime.Now()

	if b < a {
		t.Fatalf("Now() went backwards: a=%d b=%d", a, b)
	}
}

func TestSinceMatchesRealElapsed(t *testing.T) {
	start := ptime.Now()
	time.Sleep(10 * time.Millisecond)

	d := ptime.Since(start)
	if d < 5*time.Millisecond {
		t.Errorf("Since() = %v, want at least 5ms", d)
	}
}

func TestSub(t *testing.T) {
	a := ptime.Ptime(100)
	b := ptime.Ptime(150)
	if got := ptime.Sub(b, a); got != 50*time.Millisecond {
		t.Errorf("Sub(150, 100) = %v, want 50ms", got)
	}
}
