// Package sched implements C5, the I/O scheduler: three independent
// scheduler instances per family (write, read, format), each with its own
// configurable placement algorithm and device-set (§4.5).
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package sched

import (
	"sort"
	"sync"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
)

// ClaimKind is one of the three device-claim operations a dispatcher can
// perform against a scheduler's device-set (§4.5 "claim-device(kind)").
type ClaimKind int

const (
	// ClaimTake: the dispatcher reclaims the device outright.
	ClaimTake ClaimKind = iota
	// ClaimBorrow: temporary use; the device can later be returned.
	ClaimBorrow
	// ClaimExchange: the device is swapped with another scheduler; from
	// this scheduler's perspective the primitive is identical to Take.
	// base keeps no record of the device given in return, and
	// DispatchDevices moves devices with RemoveDevice/AddDevice rather than
	// ClaimDevice, so nothing pairs the two sides of an exchange.
	ClaimExchange
)

// MediumLocker is the subset of lock.Coordinator the write and read
// schedulers need to take a medium's DSS lock before committing a candidate
// (§1, §4.7, §8 scenario 5). Declared as a minimal interface rather than an
// import of internal/lock so the scheduler package keeps its existing
// decoupled-collaborator shape (cf. DeviceLookup, MediaLister).
type MediumLocker interface {
	LockMedium(m *model.Medium, early bool) error
}

// MediumLookup resolves a medium id to its live record, used by the read
// scheduler to obtain the *model.Medium LockMedium requires.
type MediumLookup func(cmn.ResID) (*model.Medium, bool)

// Scheduler is the common interface every per-purpose algorithm satisfies
// (§4.5 "Interface each algorithm exports").
type Scheduler interface {
	Push(req *model.Request)
	Peek() *model.Request
	Remove(req *model.Request)
	Requeue(req *model.Request)
	AddDevice(id cmn.ResID)
	RemoveDevice(id cmn.ResID)
	ClaimDevice(id cmn.ResID, kind ClaimKind) bool
	Devices() []cmn.ResID
	// GetDeviceMediumPair is the central placement decision (§4.5).
	GetDeviceMediumPair(req *model.Request, isRetry bool) (dev cmn.ResID, mediumIndex int, ok bool)
}

// base implements the purpose-agnostic parts shared by every algorithm:
// the FIFO request queue and device-set management (§4.5).
type base struct {
	mu       sync.Mutex
	queue    []*model.Request
	devices  map[cmn.ResID]bool
	borrowed map[cmn.ResID]bool // devices claimed with ClaimBorrow, eligible for return
}

func newBase() base {
	return base{devices: make(map[cmn.ResID]bool), borrowed: make(map[cmn.ResID]bool)}
}

// Push enqueues at the tail, preserving per-client FIFO order within this
// scheduler (§4.6 "Ordering guarantees").
func (b *base) Push(req *model.Request) {
	b.mu.Lock()
	b.queue = append(b.queue, req)
	b.mu.Unlock()
}

// Peek returns the head request without removing it.
func (b *base) Peek() *model.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	return b.queue[0]
}

// Remove drops req from the queue wherever it is (normally the head, once
// get-device-medium-pair has produced an assignment for it).
func (b *base) Remove(req *model.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, r := range b.queue {
		if r == req {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

// Requeue re-inserts at the tail after a transient failure (§4.5).
func (b *base) Requeue(req *model.Request) {
	b.Push(req)
}

func (b *base) AddDevice(id cmn.ResID) {
	b.mu.Lock()
	b.devices[id] = true
	delete(b.borrowed, id)
	b.mu.Unlock()
}

func (b *base) RemoveDevice(id cmn.ResID) {
	b.mu.Lock()
	delete(b.devices, id)
	delete(b.borrowed, id)
	b.mu.Unlock()
}

// ClaimDevice removes id from this scheduler's set, marking it borrowed
// (and thus returnable) when kind is ClaimBorrow.
func (b *base) ClaimDevice(id cmn.ResID, kind ClaimKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.devices[id] {
		return false
	}
	delete(b.devices, id)
	if kind == ClaimBorrow {
		b.borrowed[id] = true
	}
	return true
}

// ReturnBorrowed gives a borrowed device back to its original scheduler.
func (b *base) ReturnBorrowed(id cmn.ResID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.borrowed[id] {
		return false
	}
	delete(b.borrowed, id)
	b.devices[id] = true
	return true
}

func (b *base) Devices() []cmn.ResID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]cmn.ResID, 0, len(b.devices))
	for id := range b.devices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// QueueLen reports how many requests are currently queued.
func (b *base) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *base) owns(id cmn.ResID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[id]
}
