package balancer

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestReserveRespectsRequestBudget(t *testing.T) {
	clk := newClock()
	b := New([]Deployment{{ID: "a", ReqsPerMin: 2, TokensPerMin: 1000}}, Options{Clock: clk.Now})

	for i := 0; i < 2; i++ {
		if _, ok := b.Reserve(1, ""); !ok {
			t.Fatalf("reserve %d should succeed", i)
		}
	}
	if _, ok := b.Reserve(1, ""); ok {
		t.Fatalf("third reserve should exceed the 2 rpm budget")
	}

	clk.Advance(61 * time.Second)
	if _, ok := b.Reserve(1, ""); !ok {
		t.Fatalf("reserve should succeed once the window slides")
	}
}

func TestUnreserveRestoresCapacityImmediately(t *testing.T) {
	clk := newClock()
	b := New([]Deployment{{ID: "a", ReqsPerMin: 1, TokensPerMin: 1000}}, Options{Clock: clk.Now})

	if _, ok := b.Reserve(1, ""); !ok {
		t.Fatalf("first reserve should succeed")
	}
	if _, ok := b.Reserve(1, ""); ok {
		t.Fatalf("budget should be exhausted")
	}

	b.Unreserve("a", 1)
	if _, ok := b.Reserve(1, ""); !ok {
		t.Fatalf("unreserved unit should be usable without waiting out the window")
	}

	// unknown ids and unmatched units are ignored
	b.Unreserve("nope", 1)
	b.Unreserve("a", 99)
	if _, ok := b.Reserve(1, ""); ok {
		t.Fatalf("unmatched unreserve must not free capacity")
	}
}

func TestTokenBudgetBlocksSelection(t *testing.T) {
	clk := newClock()
	b := New([]Deployment{{ID: "a", ReqsPerMin: 100, TokensPerMin: 50}}, Options{Clock: clk.Now})

	if _, ok := b.Reserve(1, ""); !ok {
		t.Fatalf("first reserve should succeed")
	}
	// usage may overshoot the budget by one in-flight reservation
	b.RecordUsage("a", 60)
	if b.HasAvailable("", 1) {
		t.Fatalf("deployment over token budget must be unavailable")
	}
	clk.Advance(61 * time.Second)
	if !b.HasAvailable("", 1) {
		t.Fatalf("token window should slide")
	}
}

func TestZeroBudgetsNeverAvailable(t *testing.T) {
	b := New([]Deployment{{ID: "a"}}, Options{Clock: newClock().Now})
	if b.HasAvailable("", 1) {
		t.Fatalf("zero-budget deployment must have no capacity")
	}
	if _, ok := b.Reserve(1, ""); ok {
		t.Fatalf("zero-budget deployment must not be reservable")
	}
}

func TestLeastLoadedSelection(t *testing.T) {
	clk := newClock()
	b := New([]Deployment{
		{ID: "a", ReqsPerMin: 10, TokensPerMin: 1000},
		{ID: "b", ReqsPerMin: 10, TokensPerMin: 1000},
	}, Options{Clock: clk.Now})

	// lexicographic tie-break on a fresh balancer
	id, ok := b.Reserve(1, "")
	if !ok || id != "a" {
		t.Fatalf("first reserve = %q, want a", id)
	}
	// a now has less free request capacity
	id, ok = b.Reserve(1, "")
	if !ok || id != "b" {
		t.Fatalf("second reserve = %q, want b", id)
	}
	// equal request load again, free tokens break the tie
	b.RecordUsage("a", 500)
	id, ok = b.Reserve(1, "")
	if !ok || id != "b" {
		t.Fatalf("third reserve = %q, want b (more free tokens)", id)
	}
}

func TestSpecificPreferenceNeverReassigned(t *testing.T) {
	clk := newClock()
	b := New([]Deployment{
		{ID: "a", ReqsPerMin: 1, TokensPerMin: 100},
		{ID: "b", ReqsPerMin: 10, TokensPerMin: 1000},
	}, Options{Clock: clk.Now})

	if _, ok := b.Reserve(1, "a"); !ok {
		t.Fatalf("specific reserve on a should succeed")
	}
	if _, ok := b.Reserve(1, "a"); ok {
		t.Fatalf("exhausted specific deployment must not fall back to b")
	}
}

func TestQuarantineAndRecovery(t *testing.T) {
	clk := newClock()
	b := New([]Deployment{
		{ID: "a", ReqsPerMin: 60, TokensPerMin: 6000, ErrorBackoff: 2 * time.Second},
		{ID: "b", ReqsPerMin: 60, TokensPerMin: 6000, ErrorBackoff: 2 * time.Second},
	}, Options{Clock: clk.Now})

	b.RegisterError("a")
	id, ok := b.Reserve(1, "")
	if !ok || id != "b" {
		t.Fatalf("reserve during quarantine = %q, want b", id)
	}
	if b.HasAvailable("a", 1) {
		t.Fatalf("quarantined deployment must be unavailable")
	}

	clk.Advance(2 * time.Second)
	if !b.HasAvailable("a", 1) {
		t.Fatalf("deployment should be reselectable after backoff")
	}
}

func TestNextWakeReflectsQuarantineAndWindow(t *testing.T) {
	clk := newClock()
	b := New([]Deployment{{ID: "a", ReqsPerMin: 1, TokensPerMin: 100, ErrorBackoff: 5 * time.Second}}, Options{Clock: clk.Now})

	if next := b.NextWake(clk.Now()); !next.IsZero() {
		t.Fatalf("fresh balancer should have no wake hint, got %v", next)
	}
	if _, ok := b.Reserve(1, ""); !ok {
		t.Fatalf("reserve should succeed")
	}
	next := b.NextWake(clk.Now())
	if want := clk.Now().Add(time.Minute); !next.Equal(want) {
		t.Fatalf("wake hint = %v, want window expiry %v", next, want)
	}

	b.RegisterError("a")
	next = b.NextWake(clk.Now())
	if want := clk.Now().Add(5 * time.Second); !next.Equal(want) {
		t.Fatalf("wake hint = %v, want quarantine end %v", next, want)
	}
}
