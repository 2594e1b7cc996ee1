// Package mcache implements C2, the media cache: a reference-counted, keyed
// lookup of medium metadata with single-builder-per-key semantics (§4.2).
//
// The single-builder guarantee is delegated to golang.org/x/sync/singleflight
// — already in the teacher's go.mod — rather than hand-rolled, matching the
// contract of §4.2 exactly: "a single task builds the entry... other callers
// block until build completes and then share the result."
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package mcache

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/dss"
	"github.com/cea-hpc/phobos/internal/model"
)

type entry struct {
	medium *model.Medium
	refs   int
}

// Cache is map: id -> medium, ref-counted, at-most-one-builder-per-id (§4.2).
type Cache struct {
	mu      sync.Mutex
	entries map[cmn.ResID]*entry
	group   singleflight.Group
	store   dss.Client
	maxHlth int
}

func New(store dss.Client, maxHealth int) *Cache {
	return &Cache{
		entries: make(map[cmn.ResID]*entry),
		store:   store,
		maxHlth: maxHealth,
	}
}

// Acquire increments the ref count and returns the medium, building it via
// the DSS on first access. Concurrent acquires of the same key coalesce so
// the builder runs at most once (§3 "Lifecycle of a medium reference").
// Builder failure is propagated to all blocked callers; no poisoning is
// cached (§4.2 "Failure").
func (c *Cache) Acquire(id cmn.ResID, mtype string, fstype model.FSType) (*model.Medium, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.refs++
		c.mu.Unlock()
		return e.medium, nil
	}
	c.mu.Unlock()

	// singleflight keys by string; ResID.String() is stable and unique.
	v, err, _ := c.group.Do(id.String(), func() (any, error) {
		if _, err := c.store.MediumHealth(id); err != nil {
			// Row doesn't exist yet: treat as fresh insert (build path).
			if uerr := c.store.MediumUpsert(id, mtype); uerr != nil {
				return nil, uerr
			}
		}
		h, err := c.store.MediumHealth(id)
		if err != nil {
			return nil, err
		}
		m := model.NewMedium(id, mtype, fstype, c.maxHlth)
		m.Health = h
		return m, nil
	})
	if err != nil {
		// Not cached: the next Acquire retries the builder from scratch.
		return nil, cmn.NewError(cmn.KindIO, "", err)
	}

	m := v.(*model.Medium)
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		// Another acquirer's builder (different singleflight window) won the
		// race to insert; share that entry instead of the one we just built.
		e.refs++
		c.mu.Unlock()
		return e.medium, nil
	}
	c.entries[id] = &entry{medium: m, refs: 1}
	c.mu.Unlock()
	return m, nil
}

// Release decrements; when count hits zero, storage may be dropped (§4.2).
func (c *Cache) Release(id cmn.ResID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(c.entries, id)
	}
}

// Update forces a rebuild on next Acquire but keeps the current entry valid
// for current holders (§4.2 update): the map entry is dropped unconditionally
// so the *next* Acquire re-runs the builder, while any *model.Medium already
// handed out to a caller remains a valid Go object for as long as that
// caller holds it — it is simply no longer reachable through the cache.
func (c *Cache) Update(id cmn.ResID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Insert is used by notify flows that already have the row (§4.2 insert):
// resource-added notifications hand the cache a ready-made entry instead of
// re-querying the DSS.
func (c *Cache) Insert(m *model.Medium) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[m.ID]; ok {
		e.medium = m
		return
	}
	c.entries[m.ID] = &entry{medium: m, refs: 0}
}

func (c *Cache) RefCount(id cmn.ResID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.refs
	}
	return 0
}
