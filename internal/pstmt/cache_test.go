package pstmt

import "testing"

func TestGetOrCreateCachesByQueryText(t *testing.T) {
	c, err := New(10, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e1, created := c.GetOrCreate("select 1", nil)
	if !created {
		t.Fatal("expected the first sighting of a query to be created")
	}

	e2, created := c.GetOrCreate("select 1", nil)
	if created {
		t.Error("expected the second sighting of the same query to reuse the entry")
	}
	if e1 != e2 {
		t.Error("expected the same *Entry for the same query text")
	}
	if e1.CanonicalName == "" {
		t.Error("expected a non-empty canonical name")
	}
}

func TestGetOrCreateDistinctQueriesGetDistinctNames(t *testing.T) {
	c, err := New(10, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, _ := c.GetOrCreate("select 1", nil)
	b, _ := c.GetOrCreate("select 2", nil)

	if a.CanonicalName == b.CanonicalName {
		t.Error("expected distinct queries to get distinct canonical names")
	}
}

func TestLookupWithoutCreate(t *testing.T) {
	c, err := New(10, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := c.Lookup("select 1"); ok {
		t.Error("expected Lookup to miss before any GetOrCreate")
	}

	c.GetOrCreate("select 1", nil)
	if _, ok := c.Lookup("select 1"); !ok {
		t.Error("expected Lookup to hit after GetOrCreate")
	}
}

func TestEvictionInvokesOnEvict(t *testing.T) {
	var evicted []*Entry
	c, err := New(1, func(e *Entry) { evicted = append(evicted, e) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.GetOrCreate("select 1", nil)
	c.GetOrCreate("select 2", nil)

	if len(evicted) != 1 {
		t.Fatalf("expected exactly one eviction once the cache exceeded its size, got %d", len(evicted))
	}
	if evicted[0].Query != "select 1" {
		t.Errorf("expected the least-recently-used entry to be evicted, got %q", evicted[0].Query)
	}
	if c.Len() != 1 {
		t.Errorf("expected cache len=1 after eviction, got %d", c.Len())
	}
}

func TestPurgeInvokesOnEvictForEverything(t *testing.T) {
	var evicted []*Entry
	c, err := New(10, func(e *Entry) { evicted = append(evicted, e) })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.GetOrCreate("select 1", nil)
	c.GetOrCreate("select 2", nil)
	c.Purge()

	if len(evicted) != 2 {
		t.Errorf("expected Purge to evict both entries, got %d", len(evicted))
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache after Purge, got len=%d", c.Len())
	}
}
