package portpool

import "testing"

func TestAcquirePreferred(t *testing.T) {
	p := New(9000, 9010)
	got := p.Acquire(9005)
	if got != 9005 {
		t.Fatalf("Acquire(9005) = %d, want 9005", got)
	}
	if !p.IsUsed(9005) {
		t.Fatal("expected 9005 to be marked used")
	}
}

func TestAcquireFallsBackWhenPreferredTaken(t *testing.T) {
	p := New(9000, 9002)
	if got := p.Acquire(9000); got != 9000 {
		t.Fatalf("first Acquire = %d, want 9000", got)
	}
	if got := p.Acquire(9000); got != 9001 {
		t.Fatalf("second Acquire = %d, want 9001 (ascending scan)", got)
	}
}

func TestAcquireExhausted(t *testing.T) {
	p := New(9000, 9001)
	p.Acquire(0)
	p.Acquire(0)
	if got := p.Acquire(0); got != 0 {
		t.Fatalf("Acquire on exhausted pool = %d, want 0", got)
	}
}

func TestReleaseOutOfRangeIsNoop(t *testing.T) {
	p := New(9000, 9001)
	p.Release(80)
	if p.UsedCount() != 0 {
		t.Fatalf("UsedCount = %d, want 0", p.UsedCount())
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	p := New(9000, 9000)
	p.Acquire(9000)
	p.Release(9000)
	if got := p.Acquire(0); got != 9000 {
		t.Fatalf("Acquire after release = %d, want 9000", got)
	}
}

func TestAvailableCount(t *testing.T) {
	p := New(9000, 9009)
	if p.AvailableCount() != 10 {
		t.Fatalf("AvailableCount = %d, want 10", p.AvailableCount())
	}
	p.Acquire(0)
	if p.AvailableCount() != 9 {
		t.Fatalf("AvailableCount after acquire = %d, want 9", p.AvailableCount())
	}
}
