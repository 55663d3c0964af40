package ids

import "testing"

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids: %s >= %s", a, b)
	}
}

func TestNextPrincipalIDIncreases(t *testing.T) {
	prev := NextPrincipalID()
	for i := 0; i < 100; i++ {
		next := NextPrincipalID()
		if next <= prev {
			t.Fatalf("expected increasing ids: %d <= %d", next, prev)
		}
		prev = next
	}
}

func TestSetNodeRejectsOutOfRange(t *testing.T) {
	if err := SetNode(1 << 20); err == nil {
		t.Fatal("expected error for node id out of range")
	}
}
