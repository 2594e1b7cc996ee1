// Package model holds the LRS data model of spec.md §3: mediums, devices,
// lock records, and the request/sub-request containers that flow between
// the scheduler and the device workers.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package model

import (
	"sync"

	"github.com/cea-hpc/phobos/internal/cmn"
)

type AdmStatus int

const (
	AdmLocked AdmStatus = iota
	AdmUnlocked
	AdmFailed
)

func (s AdmStatus) String() string {
	switch s {
	case AdmLocked:
		return "locked"
	case AdmUnlocked:
		return "unlocked"
	case AdmFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FSType is the medium's filesystem type (§3 "Medium").
type FSType int

const (
	FSPosix FSType = iota
	FSLTFS
	FSRados
)

// Flags gates a medium's eligibility for put/get/delete (§3).
type Flags struct {
	Put    bool
	Get    bool
	Delete bool
}

// Medium is the storage container: tape, directory root, or pool (§3 "Medium").
// Every mutating method must be called with Lock held; the cache and
// registry hand out *Medium behind their own synchronization and the
// fields here are otherwise not safe to touch from multiple goroutines.
type Medium struct {
	mu sync.Mutex

	ID        cmn.ResID
	Model     string
	AdmStatus AdmStatus
	FSType    FSType
	Address   string // address encoding for the library adapter
	Flags     Flags
	CapUsed   int64
	CapFree   int64
	Tags      []string // ordered multiset
	Groups    []string
	Lock      *LockRecord // current cooperative lock, or nil
	CopyCnt   int         // sync-batching copy counter
	Health    int
}

// NewMedium constructs a medium in its initial admin state: locked until
// formatted (§4.1 add-medium), with health saturated at max.
func NewMedium(id cmn.ResID, model string, fstype FSType, maxHealth int) *Medium {
	return &Medium{
		ID:        id,
		Model:     model,
		AdmStatus: AdmLocked,
		FSType:    fstype,
		Flags:     Flags{Put: true, Get: true, Delete: true},
		Health:    maxHealth,
	}
}

func (m *Medium) Lock_() { m.mu.Lock() }
func (m *Medium) Unlock_() { m.mu.Unlock() }

// IsFailed implements the invariant of §3: "a medium is failed iff its
// health is 0 or its admin status is failed". Callers must hold m's lock.
func (m *Medium) IsFailed() bool {
	return m.Health == 0 || m.AdmStatus == AdmFailed
}

// Eligible reports whether the medium may participate in the given
// operation: "a medium with any flag false is excluded from the
// corresponding operation" (§3).
func (m *Medium) Eligible(put, get, del bool) bool {
	if m.IsFailed() {
		return false
	}
	if put && !m.Flags.Put {
		return false
	}
	if get && !m.Flags.Get {
		return false
	}
	if del && !m.Flags.Delete {
		return false
	}
	return true
}

// HasTags reports whether the medium carries every tag in want (tag
// constraint matching for write-allocate, §3/§4.5).
func (m *Medium) HasTags(want []string) bool {
	for _, w := range want {
		found := false
		for _, t := range m.Tags {
			if t == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// InGroup reports whether the medium belongs to the requested grouping set,
// or true when no grouping is requested (§3/§4.5 write-allocate grouping).
func (m *Medium) InGroup(group string) bool {
	if group == "" {
		return true
	}
	for _, g := range m.Groups {
		if g == group {
			return true
		}
	}
	return false
}
