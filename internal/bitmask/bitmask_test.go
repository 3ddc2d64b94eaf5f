package bitmask

import "testing"

func TestSetClearHas(t *testing.T) {
	var m Mask32

	if !m.IsZero() {
		t.Fatal("new mask should be zero")
	}

	m.Set(0)
	m.Set(5)
	m.Set(31)

	for _, i := range []int{0, 5, 31} {
		if !m.Has(i) {
			t.Errorf("bit %d should be set", i)
		}
	}
	if m.Has(1) {
		t.Error("bit 1 should not be set")
	}
	if m.Count() != 3 {
		t.Errorf("Count() = %d, want 3", m.Count())
	}

	m.Clear(5)
	if m.Has(5) {
		t.Error("bit 5 should be cleared")
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}
}

func TestLowestSet(t *testing.T) {
	var m Mask32

	if got := m.LowestSet(); got != -1 {
		t.Errorf("LowestSet() on empty mask = %d, want -1", got)
	}

	m.Set(17)
	m.Set(3)
	m.Set(30)

	// Drain in ascending order.
	want := []int{3, 17, 30}
	for _, w := range want {
		got := m.LowestSet()
		if got != w {
			t.Fatalf("LowestSet() = %d, want %d", got, w)
		}
		m.Clear(got)
	}
	if !m.IsZero() {
		t.Error("mask should be empty after draining")
	}
}
