package sched

import (
	"fmt"
	"sort"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/nlog"
)

// MediaLister returns every medium known for one family, used by the write
// and format schedulers to evaluate placement candidates without owning
// the registry themselves.
type MediaLister func() []*model.Medium

// DeviceLookup resolves a device id handed out by base.Devices() to the
// live *model.Device, used to check idle/loaded state.
type DeviceLookup func(cmn.ResID) (*model.Device, bool)

// WriteScheduler implements the write decision algorithm of §4.5: pick a
// medium from the free pool satisfying tag/group/library/prevent-duplicate
// constraints, preferring one already loaded on an idle device, tie-broken
// by best-fit or first-fit.
type WriteScheduler struct {
	base
	policy string // "best_fit" | "first_fit"
	media  MediaLister
	devLK  DeviceLookup
	dup    *cuckoo.Filter
	locker MediumLocker
}

func NewWrite(policy string, media MediaLister, devLK DeviceLookup) *WriteScheduler {
	return &WriteScheduler{
		base:   newBase(),
		policy: policy,
		media:  media,
		devLK:  devLK,
		dup:    cuckoo.NewFilter(1 << 16),
	}
}

// WithLocker installs the DSS lock coordinator. Every candidate medium must
// be lockable before the scheduler commits to it (§1, §4.7); a candidate
// already locked by another host is skipped rather than failing the whole
// placement decision. Without a locker, placement proceeds unlocked (used by
// tests that don't exercise §8 scenario 5).
func (w *WriteScheduler) WithLocker(locker MediumLocker) *WriteScheduler {
	w.locker = locker
	return w
}

// tryLock attempts to take the DSS lock on m, returning false (and logging
// anything other than a conflict) if the candidate must be skipped.
func (w *WriteScheduler) tryLock(m *model.Medium) bool {
	if w.locker == nil {
		return true
	}
	if err := w.locker.LockMedium(m, false); err != nil {
		if cmn.KindOf(err) != cmn.KindLockConflict {
			nlog.Warningf("sched: lock medium %s: %v", m.ID, err)
		}
		return false
	}
	return true
}

// dupKey derives the "equivalent write" signature used by prevent-duplicate:
// same family, library restriction, group and tag set is treated as an
// equivalent placement request.
func dupKey(ws *model.WriteSpec, slot int) []byte {
	var tags []string
	if slot < len(ws.TagsPerMedium) {
		tags = ws.TagsPerMedium[slot]
	}
	return []byte(fmt.Sprintf("%s|%s|%s|%v", ws.Family, ws.LibraryRestrict, ws.Group, tags))
}

func (w *WriteScheduler) GetDeviceMediumPair(req *model.Request, isRetry bool) (cmn.ResID, int, bool) {
	ws := req.Write
	if ws == nil {
		return cmn.ResID{}, 0, false
	}
	slot := len(req.Subs()) // next unfilled media slot

	var tags []string
	if slot < len(ws.TagsPerMedium) {
		tags = ws.TagsPerMedium[slot]
	}

	if ws.PreventDuplicate && !isRetry {
		if w.dup.Lookup(dupKey(ws, slot)) {
			return cmn.ResID{}, 0, false
		}
	}

	var candidates []*model.Medium
	for _, m := range w.media() {
		m.Lock_()
		ok := m.Eligible(true, false, false) && m.HasTags(tags) && m.InGroup(ws.Group) &&
			(ws.LibraryRestrict == "" || m.ID.Library == ws.LibraryRestrict) &&
			(!ws.NoSplit || m.CapFree >= ws.SizeBytes)
		m.Unlock_()
		if ok {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return cmn.ResID{}, 0, false
	}

	markPlaced := func() {
		if ws.PreventDuplicate {
			w.dup.InsertUnique(dupKey(ws, slot))
		}
	}

	// Prefer media already loaded on an idle, scheduler-owned device.
	for _, m := range candidates {
		if dev, ok := w.idleDeviceFor(m.ID); ok {
			if !w.tryLock(m) {
				continue
			}
			markPlaced()
			req.SetMedium(slot, m.ID)
			return dev.ID, slot, true
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		fi := candidates[i].CapFree >= ws.SizeBytes
		fj := candidates[j].CapFree >= ws.SizeBytes
		if fi != fj {
			return fi // media that hold the whole write come first
		}
		if w.policy == "first_fit" {
			return false // stable: keep the lister's order
		}
		return candidates[i].CapFree < candidates[j].CapFree // best-fit: smallest that fits
	})

	dev, ok := w.anyUsableDevice()
	if !ok {
		return cmn.ResID{}, 0, false
	}
	for _, m := range candidates {
		if !w.tryLock(m) {
			continue
		}
		markPlaced()
		req.SetMedium(slot, m.ID)
		return dev.ID, slot, true
	}
	return cmn.ResID{}, 0, false
}

// idleDeviceFor finds a scheduler-owned device currently mounted with
// medium and not busy with other queued work.
func (w *WriteScheduler) idleDeviceFor(medium cmn.ResID) (*model.Device, bool) {
	for _, id := range w.Devices() {
		d, ok := w.devLK(id)
		if !ok {
			continue
		}
		d.Lock_()
		isIdle := d.State == model.StateMounted && d.Loaded != nil && *d.Loaded == medium && d.QueueLen() == 0
		d.Unlock_()
		if isIdle {
			return d, true
		}
	}
	return nil, false
}

// anyUsableDevice returns any owned device not failed, preferring an empty
// or idle one so the worker can load the chosen medium without contention.
func (w *WriteScheduler) anyUsableDevice() (*model.Device, bool) {
	var best *model.Device
	for _, id := range w.Devices() {
		d, ok := w.devLK(id)
		if !ok {
			continue
		}
		d.Lock_()
		usable := !d.IsFailed()
		qlen := d.QueueLen()
		d.Unlock_()
		if !usable {
			continue
		}
		if best == nil {
			best = d
			continue
		}
		best.Lock_()
		bestQ := best.QueueLen()
		best.Unlock_()
		if qlen < bestQ {
			best = d
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

var _ Scheduler = (*WriteScheduler)(nil)
