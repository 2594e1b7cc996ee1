// Package lock implements C7, the lock coordinator: acquisition, renewal,
// and release of DSS cooperative locks on devices and media, keyed on
// (hostname, pid) (§3 "Lock record", §4.7).
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package lock

import (
	"os"
	"sync"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/dss"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/nlog"
)

// Coordinator owns this daemon's identity (hostname, pid) and mediates every
// DSS lock taken on its behalf. A resource already locked by a different
// owner yields EEXIST (dss.ErrConflict), translated to KindLockConflict
// (§4.7 "Conflict").
type Coordinator struct {
	store    dss.Client
	hostname string
	pid      int

	mu    sync.Mutex
	owned map[cmn.ResID]*ownedLock // resources this daemon currently holds
}

type ownedLock struct {
	rec      *model.LockRecord
	isDevice bool
}

func New(store dss.Client, hostname string) *Coordinator {
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return &Coordinator{
		store:    store,
		hostname: hostname,
		pid:      os.Getpid(),
		owned:    make(map[cmn.ResID]*ownedLock),
	}
}

func (c *Coordinator) Hostname() string { return c.hostname }
func (c *Coordinator) PID() int         { return c.pid }

// LockDevice takes a device lock on daemon startup for every device
// configured for this host (§4.7 "On daemon start, the coordinator takes
// device locks for all devices configured for this host").
func (c *Coordinator) LockDevice(d *model.Device) error {
	lr := model.NewLock(c.hostname, c.pid, false)
	if err := c.store.DeviceLock(d.ID, lr); err != nil {
		if err == dss.ErrConflict {
			return cmn.NewError(cmn.KindLockConflict, "", cmn.ErrLockConflict)
		}
		return cmn.NewError(cmn.KindIO, "", err)
	}
	d.Lock_()
	d.Lock = lr
	d.Unlock_()
	c.mu.Lock()
	c.owned[d.ID] = &ownedLock{rec: lr, isDevice: true}
	c.mu.Unlock()
	nlog.Infof("lock: device %s locked by %s/%d", d.ID, c.hostname, c.pid)
	return nil
}

func (c *Coordinator) UnlockDevice(d *model.Device) error {
	d.Lock_()
	lr := d.Lock
	d.Lock = nil
	d.Unlock_()
	if lr == nil {
		return nil
	}
	c.mu.Lock()
	delete(c.owned, d.ID)
	c.mu.Unlock()
	if err := c.store.DeviceUnlock(d.ID, lr); err != nil {
		return cmn.NewError(cmn.KindIO, "", err)
	}
	return nil
}

// LockMedium is taken lazily at allocation time (§4.7 "medium locks are
// taken lazily at allocation time"). early marks a multi-step operation's
// provisional lock (§3 invariant), confirmed or released by the caller.
func (c *Coordinator) LockMedium(m *model.Medium, early bool) error {
	lr := model.NewLock(c.hostname, c.pid, early)
	if err := c.store.MediumLock(m.ID, lr); err != nil {
		if err == dss.ErrConflict {
			return cmn.NewError(cmn.KindLockConflict, "", cmn.ErrLockConflict)
		}
		return cmn.NewError(cmn.KindIO, "", err)
	}
	m.Lock_()
	m.Lock = lr
	m.Unlock_()
	c.mu.Lock()
	c.owned[m.ID] = &ownedLock{rec: lr, isDevice: false}
	c.mu.Unlock()
	return nil
}

// ConfirmMedium converts an early medium lock into a normal one on success
// of the multi-step operation it guarded (§3 invariant).
func (c *Coordinator) ConfirmMedium(m *model.Medium) {
	m.Lock_()
	m.Lock.Confirm()
	m.Unlock_()
}

// UnlockMedium is released at release time (§4.7).
func (c *Coordinator) UnlockMedium(m *model.Medium) error {
	m.Lock_()
	lr := m.Lock
	m.Lock = nil
	m.Unlock_()
	if lr == nil {
		return nil
	}
	c.mu.Lock()
	delete(c.owned, m.ID)
	c.mu.Unlock()
	if err := c.store.MediumUnlock(m.ID, lr); err != nil {
		return cmn.NewError(cmn.KindIO, "", err)
	}
	return nil
}

// Owns reports whether this daemon's identity currently holds the lock on
// the given resource, used by the scheduler before dispatching I/O against
// a medium or device (§4.7 "sub-request DSS lock ownership check", §8).
func (c *Coordinator) Owns(id cmn.ResID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owned[id]
	return ok
}

// Relock re-establishes every lock this daemon believes it holds after a
// transient DSS reconnect (§4.7 "re-lock after any transient DSS
// reconnect"). A resource now held by a different owner surfaces as a
// conflict for the caller to fail that resource out rather than retry
// forever.
func (c *Coordinator) Relock() (conflicts []cmn.ResID) {
	c.mu.Lock()
	snapshot := make(map[cmn.ResID]*ownedLock, len(c.owned))
	for id, ol := range c.owned {
		snapshot[id] = ol
	}
	c.mu.Unlock()

	for id, ol := range snapshot {
		owner, ok := c.store.LockOwner(id)
		if ok && !owner.Owner(c.hostname, c.pid) {
			nlog.Warningf("lock: relock of %s lost to %s/%d", id, owner.Hostname, owner.OwnerPID)
			conflicts = append(conflicts, id)
			c.mu.Lock()
			delete(c.owned, id)
			c.mu.Unlock()
			continue
		}
		if ok {
			continue // still ours, nothing to do
		}
		// Lock row vanished (DSS restarted empty-handed): re-take it.
		var err error
		if ol.isDevice {
			err = c.store.DeviceLock(id, ol.rec)
		} else {
			err = c.store.MediumLock(id, ol.rec)
		}
		if err != nil {
			nlog.Errorf("lock: relock of %s failed: %v", id, err)
			conflicts = append(conflicts, id)
		}
	}
	return conflicts
}
