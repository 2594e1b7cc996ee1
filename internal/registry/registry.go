// Package registry implements C1, the resource registry: the in-memory
// catalog of known drives and media, synchronized with the DSS.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package registry

import (
	"sync"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/dss"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/nlog"
)

// Registry exclusively owns device and medium records (§3 "Ownership").
type Registry struct {
	mu      sync.RWMutex
	devices map[cmn.ResID]*model.Device
	media   map[cmn.ResID]*model.Medium
	byDevLoaded map[cmn.ResID]cmn.ResID // device -> loaded medium, kept injective (§4.1 (iii))

	store     dss.Client
	maxHealth int
}

func New(store dss.Client, maxHealth int) *Registry {
	return &Registry{
		devices:     make(map[cmn.ResID]*model.Device),
		media:       make(map[cmn.ResID]*model.Medium),
		byDevLoaded: make(map[cmn.ResID]cmn.ResID),
		store:       store,
		maxHealth:   maxHealth,
	}
}

// AddDevice inserts a device in state empty with health=max, admin status
// unlocked, no loaded medium (§4.1 add-device). It also ensures the matching
// DSS row exists (invariant (i)).
func (r *Registry) AddDevice(id cmn.ResID, path, model_ string) (*model.Device, error) {
	if err := r.store.DeviceUpsert(id, path, model_); err != nil {
		return nil, cmn.NewError(cmn.KindIO, "", err)
	}
	d := model.NewDevice(id, path, model_, r.maxHealth)
	r.mu.Lock()
	r.devices[id] = d
	r.mu.Unlock()
	nlog.Infof("registry: added device %s at %s", id, path)
	return d, nil
}

// AddMedium inserts a medium in the DSS and registry; initial admin status
// is locked until formatted (§4.1 add-medium).
func (r *Registry) AddMedium(id cmn.ResID, mtype string, fstype model.FSType) (*model.Medium, error) {
	if err := r.store.MediumUpsert(id, mtype); err != nil {
		return nil, cmn.NewError(cmn.KindIO, "", err)
	}
	m := model.NewMedium(id, mtype, fstype, r.maxHealth)
	r.mu.Lock()
	r.media[id] = m
	r.mu.Unlock()
	nlog.Infof("registry: added medium %s", id)
	return m, nil
}

// LookupDevice returns a borrowed view (the registry keeps ownership).
func (r *Registry) LookupDevice(id cmn.ResID) (*model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

func (r *Registry) LookupMedium(id cmn.ResID) (*model.Medium, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.media[id]
	return m, ok
}

// FailDevice sets admin status failed, forces health to 0, releases any
// held DSS lock (§4.1 fail-device).
func (r *Registry) FailDevice(id cmn.ResID) error {
	d, ok := r.LookupDevice(id)
	if !ok {
		return cmn.NewError(cmn.KindInvalid, "", cmn.ErrInvalid)
	}
	d.Lock_()
	d.AdmStatus = model.AdmFailed
	d.Health = 0
	d.State = model.StateFailed
	heldLock := d.Lock
	d.Lock = nil
	d.Unlock_()
	if heldLock != nil {
		if err := r.store.DeviceUnlock(id, heldLock); err != nil {
			nlog.Errorf("registry: unlock failed device %s: %v", id, err)
		}
	}
	return r.store.DeviceUpdateStatus(id, model.AdmFailed)
}

// FailMedium mirrors FailDevice for media (§4.1 fail-medium).
func (r *Registry) FailMedium(id cmn.ResID) error {
	m, ok := r.LookupMedium(id)
	if !ok {
		return cmn.NewError(cmn.KindInvalid, "", cmn.ErrInvalid)
	}
	m.Lock_()
	m.AdmStatus = model.AdmFailed
	m.Health = 0
	heldLock := m.Lock
	m.Lock = nil
	m.Unlock_()
	if heldLock != nil {
		if err := r.store.MediumUnlock(id, heldLock); err != nil {
			nlog.Errorf("registry: unlock failed medium %s: %v", id, err)
		}
	}
	return r.store.MediumUpdateStatus(id, model.AdmFailed)
}

// ListByFamily is a snapshot iterator (§4.1 list-by-family).
func (r *Registry) ListByFamily(f cmn.Family) (devices []*model.Device, media []*model.Medium) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, d := range r.devices {
		if id.Family == f {
			devices = append(devices, d)
		}
	}
	for id, m := range r.media {
		if id.Family == f {
			media = append(media, m)
		}
	}
	return
}

// SetLoaded records device->medium and enforces the injective mapping
// invariant (§4.1 (iii)): no two devices may claim the same loaded medium.
func (r *Registry) SetLoaded(dev cmn.ResID, med cmn.ResID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for d, m := range r.byDevLoaded {
		if m == med && d != dev {
			return cmn.Errorf(cmn.KindInvalid, "", "medium %s already loaded on device %s", med, d)
		}
	}
	r.byDevLoaded[dev] = med
	return nil
}

func (r *Registry) ClearLoaded(dev cmn.ResID) {
	r.mu.Lock()
	delete(r.byDevLoaded, dev)
	r.mu.Unlock()
}

// DeviceHolding reverses byDevLoaded: which device, if any, currently has
// med loaded. Used by the router (C9) to locate the device a release
// request's I/O must run on without re-running get-device-medium-pair.
func (r *Registry) DeviceHolding(med cmn.ResID) (cmn.ResID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for d, m := range r.byDevLoaded {
		if m == med {
			return d, true
		}
	}
	return cmn.ResID{}, false
}

// CheckInjective verifies invariant (iii) holds; used by property tests (§8).
func (r *Registry) CheckInjective() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[cmn.ResID]bool, len(r.byDevLoaded))
	for _, m := range r.byDevLoaded {
		if seen[m] {
			return false
		}
		seen[m] = true
	}
	return true
}
