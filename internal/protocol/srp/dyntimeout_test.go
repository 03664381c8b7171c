package srp

import (
	"testing"
	"time"

	"github.com/danmuck/cpsw/internal/testutil/testlog"
)

func TestDynTimeoutStartsAtInitial(t *testing.T) {
	testlog.Start(t)

	d := NewDynTimeout(10*time.Millisecond, time.Millisecond)
	if got := d.Get(); got != 10*time.Millisecond {
		t.Fatalf("expected 10ms, got %s", got)
	}
}

func TestDynTimeoutConvergesToMarginAboveRTT(t *testing.T) {
	testlog.Start(t)

	d := NewDynTimeout(10*time.Millisecond, 100*time.Microsecond)
	for i := 0; i < 5000; i++ {
		d.Update(100 * time.Microsecond)
	}
	if got := d.Get(); got < 400*time.Microsecond || got > 404*time.Microsecond {
		t.Fatalf("expected ~400us, got %s", got)
	}
	if d.Samples() != 5000 || d.MaxRTT() != 100*time.Microsecond {
		t.Fatalf("unexpected samples %d max %s", d.Samples(), d.MaxRTT())
	}
}

func TestDynTimeoutRespectsFloor(t *testing.T) {
	testlog.Start(t)

	d := NewDynTimeout(10*time.Millisecond, DefaultTimeoutCap)
	for i := 0; i < 5000; i++ {
		d.Update(10 * time.Microsecond)
	}
	if got := d.Get(); got != DefaultTimeoutCap {
		t.Fatalf("expected floor %s, got %s", DefaultTimeoutCap, got)
	}
}

func TestDynTimeoutRelaxGrowsAndResetRestores(t *testing.T) {
	testlog.Start(t)

	d := NewDynTimeout(10*time.Millisecond, time.Millisecond)
	d.Relax()
	if got := d.Get(); got != 10546*time.Microsecond {
		t.Fatalf("expected 10546us after relax, got %s", got)
	}
	d.Reset(10 * time.Millisecond)
	if got := d.Get(); got != 10*time.Millisecond {
		t.Fatalf("expected reset to 10ms, got %s", got)
	}
}
