package ecs

import "testing"

func TestCacheBasicOperations(t *testing.T) {
	cache := FactoryNewCache[string](10)

	items := []string{"item1", "item2", "item3", "item4", "item5"}
	indices := make([]int, len(items))

	for i, item := range items {
		index, err := cache.Register(item, item)
		if err != nil {
			t.Fatalf("Register(%s): %v", item, err)
		}
		indices[i] = index
		if index != i {
			t.Errorf("index for %s = %d, want %d", item, index, i)
		}
	}

	for i, item := range items {
		index, found := cache.GetIndex(item)
		if !found {
			t.Errorf("%s not found in cache", item)
		}
		if index != indices[i] {
			t.Errorf("GetIndex(%s) = %d, want %d", item, index, indices[i])
		}
	}

	for i, item := range items {
		got := *cache.GetItem(indices[i])
		if got != item {
			t.Errorf("GetItem(%d) = %s, want %s", indices[i], got, item)
		}
		got32 := *cache.GetItem32(uint32(indices[i]))
		if got32 != item {
			t.Errorf("GetItem32(%d) = %s, want %s", indices[i], got32, item)
		}
	}

	if _, found := cache.GetIndex("nonexistent"); found {
		t.Error("found a key that was never registered")
	}
}

func TestCacheCapacity(t *testing.T) {
	const capacity = 5
	cache := FactoryNewCache[int](capacity)

	for i := 0; i < capacity; i++ {
		if _, err := cache.Register(string(rune('a'+i)), i); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}

	if _, err := cache.Register("overflow", 100); err == nil {
		t.Error("expected an error registering past capacity")
	}
}

func TestCacheRejectsDuplicateKey(t *testing.T) {
	cache := FactoryNewCache[int](10)
	if _, err := cache.Register("dup", 1); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := cache.Register("dup", 2); err == nil {
		t.Error("expected an error re-registering an existing key")
	}
}

func TestCacheClear(t *testing.T) {
	cache := FactoryNewCache[string](10).(*SimpleCache[string])

	items := []string{"item1", "item2", "item3"}
	for _, item := range items {
		if _, err := cache.Register(item, item); err != nil {
			t.Fatalf("Register(%s): %v", item, err)
		}
	}

	cache.Clear()

	for _, item := range items {
		if _, found := cache.GetIndex(item); found {
			t.Errorf("%s still found after Clear", item)
		}
	}

	for _, item := range items {
		if _, err := cache.Register(item, item); err != nil {
			t.Errorf("Register(%s) after Clear: %v", item, err)
		}
	}
}

func TestCacheWithStructValues(t *testing.T) {
	cache := FactoryNewCache[Position](10)

	positions := []Position{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: 5, Y: 6}}
	keys := []string{"pos1", "pos2", "pos3"}

	for i, pos := range positions {
		if _, err := cache.Register(keys[i], pos); err != nil {
			t.Fatalf("Register(%s): %v", keys[i], err)
		}
	}

	for i, key := range keys {
		index, found := cache.GetIndex(key)
		if !found {
			t.Fatalf("%s not found", key)
		}
		got := *cache.GetItem(index)
		if got != positions[i] {
			t.Errorf("GetItem(%s) = %+v, want %+v", key, got, positions[i])
		}
	}
}

func TestCacheConcurrentReads(t *testing.T) {
	cache := FactoryNewCache[int](100)

	idx, err := cache.Register("item", 42)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if got := *cache.GetItem(idx); got != 42 {
				t.Errorf("concurrent GetItem = %d, want 42", got)
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if _, err := cache.Register(string(rune('A'+i)), i); err != nil {
			break
		}
	}

	<-done
}
