package sync

import (
	"fmt"
	"testing"
)

func TestTracker_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	tr := NewTracker[int](3, func(key string, _ int) {
		evicted = append(evicted, key)
	})

	for i, key := range []string{"a", "b", "c"} {
		tr.GetOrCreate(key, func() int { return i })
	}

	// Touch "a" so "b" becomes the oldest.
	if _, ok := tr.Get("a"); !ok {
		t.Fatal("expected a to be tracked")
	}

	tr.GetOrCreate("d", func() int { return 3 })

	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("expected b evicted, got %v", evicted)
	}
	if tr.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", tr.Len())
	}
	want := []string{"c", "a", "d"}
	got := tr.Keys()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}

func TestTracker_GetOrCreateMemoizes(t *testing.T) {
	tr := NewTracker[*struct{ n int }](0, nil)

	calls := 0
	create := func() *struct{ n int } {
		calls++
		return &struct{ n int }{n: calls}
	}

	first, created := tr.GetOrCreate("k", create)
	if !created {
		t.Error("expected first call to create")
	}
	second, created := tr.GetOrCreate("k", create)
	if created {
		t.Error("expected second call to reuse")
	}
	if first != second {
		t.Error("expected the same instance by reference")
	}
	if calls != 1 {
		t.Errorf("expected create called once, got %d", calls)
	}
}

func TestTracker_DefaultCapacity(t *testing.T) {
	evictions := 0
	tr := NewTracker[int](-1, func(string, int) { evictions++ })

	for i := 0; i < DefaultTrackerCapacity+1; i++ {
		tr.GetOrCreate(fmt.Sprintf("scope-%d", i), func() int { return i })
	}

	if evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", evictions)
	}
	if _, ok := tr.Peek("scope-0"); ok {
		t.Error("expected scope-0 to be evicted")
	}
}

func TestTracker_RemoveAndPurgeRunCallback(t *testing.T) {
	evicted := map[string]bool{}
	tr := NewTracker[int](10, func(key string, _ int) { evicted[key] = true })

	tr.GetOrCreate("x", func() int { return 1 })
	tr.GetOrCreate("y", func() int { return 2 })

	if !tr.Remove("x") {
		t.Error("expected Remove to report presence")
	}
	tr.Purge()

	if !evicted["x"] || !evicted["y"] {
		t.Errorf("expected both evicted, got %v", evicted)
	}
	if tr.Len() != 0 {
		t.Errorf("expected empty tracker, got %d", tr.Len())
	}
}

func TestTracker_RemoveIf(t *testing.T) {
	evicted := 0
	tr := NewTracker[int](0, func(string, int) { evicted++ })
	tr.GetOrCreate("k", func() int { return 2 })

	if tr.RemoveIf("k", func(v int) bool { return v == 1 }) {
		t.Error("expected a non-matching value to stay")
	}
	if tr.RemoveIf("missing", func(int) bool { return true }) {
		t.Error("expected a missing key to report false")
	}
	if !tr.RemoveIf("k", func(v int) bool { return v == 2 }) {
		t.Error("expected the matching value to be removed")
	}
	if evicted != 1 || tr.Len() != 0 {
		t.Errorf("expected one eviction and an empty tracker, got %d / %d", evicted, tr.Len())
	}
}
