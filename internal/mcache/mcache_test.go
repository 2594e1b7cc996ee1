package mcache

import (
	"sync"
	"testing"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/dss/buntdss"
	"github.com/cea-hpc/phobos/internal/model"
)

func TestAcquireReleaseRefcount(t *testing.T) {
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	c := New(store, 1)
	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}

	m1, err := c.Acquire(id, "posix-dir", model.FSPosix)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := c.Acquire(id, "posix-dir", model.FSPosix)
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Fatal("second acquire of the same id must share the same entry")
	}
	if c.RefCount(id) != 2 {
		t.Fatalf("expected refcount 2, got %d", c.RefCount(id))
	}

	c.Release(id)
	if c.RefCount(id) != 1 {
		t.Fatalf("expected refcount 1 after one release, got %d", c.RefCount(id))
	}
	c.Release(id)
	if c.RefCount(id) != 0 {
		t.Fatalf("expected refcount 0 after both released, got %d", c.RefCount(id))
	}
}

func TestSingleBuilderPerKey(t *testing.T) {
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	c := New(store, 1)
	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "concurrent", Library: "lib0"}

	const n = 50
	var wg sync.WaitGroup
	results := make([]*model.Medium, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := c.Acquire(id, "posix-dir", model.FSPosix)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = m
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatal("all concurrent acquires of the same key must observe the same builder result")
		}
	}
	if c.RefCount(id) != n {
		t.Fatalf("expected refcount %d, got %d", n, c.RefCount(id))
	}
}

func TestUpdateForcesRebuildNotCurrentHolders(t *testing.T) {
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	c := New(store, 1)
	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}

	m1, err := c.Acquire(id, "posix-dir", model.FSPosix)
	if err != nil {
		t.Fatal(err)
	}
	c.Update(id)
	if c.RefCount(id) != 0 {
		t.Fatal("update must drop the map entry so the cache no longer reports held refs for it")
	}
	m2, err := c.Acquire(id, "posix-dir", model.FSPosix)
	if err != nil {
		t.Fatal(err)
	}
	if m1 == m2 {
		t.Fatal("acquire after update must rebuild rather than reuse the stale entry")
	}
}
