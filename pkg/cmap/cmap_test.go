package cmap

import (
	"fmt"
	"sync"
	"testing"
)

func TestBasicOperations(t *testing.T) {
	m := New[string, int]()

	m.Set("a", 1)
	m.Set("b", 2)

	if v, ok := m.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v", v, ok)
	}
	if !m.Has("b") {
		t.Error("Has(b) should be true")
	}
	if m.Has("c") {
		t.Error("Has(c) should be false")
	}
	if m.Count() != 2 {
		t.Errorf("Count() = %d, want 2", m.Count())
	}

	m.Delete("a")
	if m.Has("a") {
		t.Error("a should be deleted")
	}

	m.Clear()
	if m.Count() != 0 {
		t.Errorf("Count() after Clear = %d", m.Count())
	}
}

func TestSetIfAbsent(t *testing.T) {
	m := New[string, string]()

	v, stored := m.SetIfAbsent("k", "first")
	if !stored || v != "first" {
		t.Errorf("first SetIfAbsent = %q, %v", v, stored)
	}
	v, stored = m.SetIfAbsent("k", "second")
	if stored || v != "first" {
		t.Errorf("second SetIfAbsent = %q, %v", v, stored)
	}
}

func TestPop(t *testing.T) {
	m := New[string, int]()
	m.Set("x", 42)

	if v, ok := m.Pop("x"); !ok || v != 42 {
		t.Errorf("Pop(x) = %d, %v", v, ok)
	}
	if _, ok := m.Pop("x"); ok {
		t.Error("second Pop should miss")
	}
}

func TestRangeAndKeys(t *testing.T) {
	m := New[string, int]()
	for i := 0; i < 50; i++ {
		m.Set(fmt.Sprintf("key-%d", i), i)
	}

	seen := 0
	m.Range(func(_ string, _ int) bool {
		seen++
		return true
	})
	if seen != 50 {
		t.Errorf("Range visited %d entries, want 50", seen)
	}

	if len(m.Keys()) != 50 {
		t.Errorf("Keys() length = %d, want 50", len(m.Keys()))
	}

	// Early stop.
	seen = 0
	m.Range(func(_ string, _ int) bool {
		seen++
		return seen < 5
	})
	if seen != 5 {
		t.Errorf("Range with early stop visited %d", seen)
	}
}

func TestNonStringKeys(t *testing.T) {
	m := New[int, string]()
	m.Set(7, "seven")
	if v, ok := m.Get(7); !ok || v != "seven" {
		t.Errorf("Get(7) = %q, %v", v, ok)
	}
}

func TestInvalidShardCountFallsBack(t *testing.T) {
	for _, n := range []int{0, -1, 3, 17} {
		m := NewWithShards[string, int](n)
		if len(m.shards) != DefaultShardCount {
			t.Errorf("NewWithShards(%d) shards = %d, want %d", n, len(m.shards), DefaultShardCount)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New[string, int]()
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key-%d-%d", g, i)
				m.Set(key, i)
				m.Get(key)
				if i%3 == 0 {
					m.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()
}
