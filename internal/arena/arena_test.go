package arena

import "testing"

func TestInsertGet(t *testing.T) {
	var a Arena[string]

	h1 := a.Insert("one")
	h2 := a.Insert("two")

	if got := a.Get(h1); got == nil || *got != "one" {
		t.Fatalf("Get(h1) = %v, want one", got)
	}
	if got := a.Get(h2); got == nil || *got != "two" {
		t.Fatalf("Get(h2) = %v, want two", got)
	}
	if a.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", a.Len())
	}
}

func TestHandleSurvivesUnrelatedRemoval(t *testing.T) {
	var a Arena[int]

	h1 := a.Insert(1)
	h2 := a.Insert(2)
	h3 := a.Insert(3)

	if _, ok := a.Remove(h2); !ok {
		t.Fatal("Remove(h2) failed")
	}

	if got := a.Get(h1); got == nil || *got != 1 {
		t.Fatalf("Get(h1) after unrelated removal = %v, want 1", got)
	}
	if got := a.Get(h3); got == nil || *got != 3 {
		t.Fatalf("Get(h3) after unrelated removal = %v, want 3", got)
	}
}

func TestSlotReuseInvalidatesStaleHandle(t *testing.T) {
	var a Arena[int]

	stale := a.Insert(10)
	if _, ok := a.Remove(stale); !ok {
		t.Fatal("Remove failed")
	}

	// The freed slot is reused with a bumped generation.
	fresh := a.Insert(20)
	if fresh.slot != stale.slot {
		t.Fatalf("expected slot reuse: stale=%v fresh=%v", stale, fresh)
	}
	if fresh.gen == stale.gen {
		t.Fatal("generation must change on slot reuse")
	}

	if got := a.Get(stale); got != nil {
		t.Fatalf("stale handle resolved to %v, want nil", *got)
	}
	if got := a.Get(fresh); got == nil || *got != 20 {
		t.Fatalf("fresh handle = %v, want 20", got)
	}
}

func TestRemoveStaleIsNoop(t *testing.T) {
	var a Arena[int]

	h := a.Insert(1)
	if _, ok := a.Remove(h); !ok {
		t.Fatal("first Remove failed")
	}
	if _, ok := a.Remove(h); ok {
		t.Fatal("second Remove of same handle must fail")
	}
	if a.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", a.Len())
	}
}

func TestZeroHandleInvalid(t *testing.T) {
	var a Arena[int]
	var h Handle

	if h.IsValid() {
		t.Fatal("zero Handle must be invalid")
	}
	if got := a.Get(h); got != nil {
		t.Fatal("Get(zero) must return nil")
	}
}

func TestIter(t *testing.T) {
	var a Arena[int]

	a.Insert(1)
	h2 := a.Insert(2)
	a.Insert(3)
	a.Remove(h2)

	sum := 0
	a.Iter(func(_ Handle, v *int) bool {
		sum += *v
		return true
	})
	if sum != 4 {
		t.Fatalf("sum over live entries = %d, want 4", sum)
	}
}
