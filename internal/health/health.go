// Package health implements C4, the health/failure tracker: two symmetric
// operations on a resource, with fail-and-release semantics at zero (§4.4).
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package health

import (
	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/dss"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/nlog"
)

// Tracker applies increase/decrease-health to devices and media, releasing
// the DSS lock (media) or transitioning to failed (devices) on exhaustion.
type Tracker struct {
	store     dss.Client
	maxHealth int
}

func New(store dss.Client, maxHealth int) *Tracker {
	return &Tracker{store: store, maxHealth: maxHealth}
}

// IncreaseMedium saturates at max_health (§4.4 increase-health).
func (t *Tracker) IncreaseMedium(m *model.Medium) int {
	m.Lock_()
	defer m.Unlock_()
	if m.Health < t.maxHealth {
		m.Health++
	}
	return m.Health
}

func (t *Tracker) IncreaseDevice(d *model.Device) int {
	d.Lock_()
	defer d.Unlock_()
	if d.Health < t.maxHealth {
		d.Health++
	}
	return d.Health
}

// DecreaseMedium decrements; on reaching 0, atomically marks the medium
// failed and releases its DSS lock (§4.4 decrease-health).
func (t *Tracker) DecreaseMedium(m *model.Medium) (int, error) {
	m.Lock_()
	if m.Health > 0 {
		m.Health--
	}
	newHealth := m.Health
	var heldLock *model.LockRecord
	if newHealth == 0 {
		m.AdmStatus = model.AdmFailed
		heldLock = m.Lock
		m.Lock = nil
	}
	m.Unlock_()

	if heldLock == nil {
		return newHealth, nil
	}
	nlog.Warningf("health: medium %s exhausted, failing and releasing lock", m.ID)
	if err := t.store.MediumUpdateStatus(m.ID, model.AdmFailed); err != nil {
		return newHealth, cmn.NewError(cmn.KindIO, "", err)
	}
	if err := t.store.MediumUnlock(m.ID, heldLock); err != nil {
		return newHealth, cmn.NewError(cmn.KindIO, "", err)
	}
	return newHealth, nil
}

// DecreaseDevice decrements; on reaching 0 the device transitions to failed
// locally. Its DSS lock is retained until the admin removes it (§4.3 failure
// policy: "a device reaching 0 is transitioned to failed locally (its DSS
// lock is retained until the admin removes it)").
func (t *Tracker) DecreaseDevice(d *model.Device) int {
	d.Lock_()
	defer d.Unlock_()
	if d.Health > 0 {
		d.Health--
	}
	if d.Health == 0 {
		d.AdmStatus = model.AdmFailed
		d.State = model.StateFailed
		nlog.Warningf("health: device %s exhausted, transitioning to failed", d.ID)
	}
	return d.Health
}
