package cache

import "testing"

func TestMap_SetGetDelete(t *testing.T) {
	m := NewMap[string, uint64]()
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected miss on empty map")
	}
	m.Set("a", 42)
	v, ok := m.Get("a")
	if !ok || v != 42 {
		t.Fatalf("expected (42, true), got (%d, %v)", v, ok)
	}
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestMap_KeysAndSize(t *testing.T) {
	m := NewMap[int, string]()
	m.Set(1, "x")
	m.Set(2, "y")
	if m.Size() != 2 {
		t.Fatalf("expected size 2, got %d", m.Size())
	}
	keys := m.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}
