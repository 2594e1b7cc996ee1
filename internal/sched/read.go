package sched

import (
	"sort"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/nlog"
)

// ReadAlgo selects the tie-breaking strategy for the read scheduler (§6
// io_sched_<fam>.read_algo).
type ReadAlgo string

const (
	ReadFIFO    ReadAlgo = "fifo"
	ReadGrouped ReadAlgo = "grouped"
)

// ReadScheduler implements the read decision algorithm of §4.5: walk the
// request's Free candidates, prefer media already mounted, and swap the
// chosen entry to Allocated on success.
type ReadScheduler struct {
	base
	algo  ReadAlgo
	devLK DeviceLookup
	// mountedOn reports which owned device currently has a medium mounted,
	// used both to prefer mounted media and to compute the grouped
	// tie-breaker's queue-depth term.
	mountedOn func(cmn.ResID) (cmn.ResID, bool)
	locker    MediumLocker
	medLK     MediumLookup
}

func NewRead(algo ReadAlgo, devLK DeviceLookup, mountedOn func(cmn.ResID) (cmn.ResID, bool)) *ReadScheduler {
	return &ReadScheduler{base: newBase(), algo: algo, devLK: devLK, mountedOn: mountedOn}
}

// WithLocker installs the DSS lock coordinator and a medium-id resolver so
// the read scheduler can take a candidate's lock before allocating it (§1,
// §4.7). A candidate already locked by another host is moved to the read
// media list's Unavailable section (§8 scenario 5) instead of being picked.
func (s *ReadScheduler) WithLocker(locker MediumLocker, medLK MediumLookup) *ReadScheduler {
	s.locker = locker
	s.medLK = medLK
	return s
}

// tryLock attempts to take the DSS lock on the candidate medium id,
// returning false (and logging anything other than a conflict) if the
// candidate must be skipped.
func (s *ReadScheduler) tryLock(id cmn.ResID) bool {
	if s.locker == nil || s.medLK == nil {
		return true
	}
	m, ok := s.medLK(id)
	if !ok {
		return true // no live record to lock; let the device worker report the real error
	}
	if err := s.locker.LockMedium(m, false); err != nil {
		if cmn.KindOf(err) != cmn.KindLockConflict {
			nlog.Warningf("sched: lock medium %s: %v", id, err)
		}
		return false
	}
	return true
}

func (s *ReadScheduler) GetDeviceMediumPair(req *model.Request, isRetry bool) (cmn.ResID, int, bool) {
	rl := req.Read
	if rl == nil {
		return cmn.ResID{}, 0, false
	}
	entries := rl.FreeEntries()
	if len(entries) == 0 {
		return cmn.ResID{}, 0, false
	}

	switch s.algo {
	case ReadGrouped:
		sort.SliceStable(entries, func(i, j int) bool {
			return s.less(entries[i].ID, entries[j].ID)
		})
	default: // fifo: candidate order as inserted
	}

	for _, e := range entries {
		dev, ok := s.deviceFor(e.ID)
		if !ok {
			continue
		}
		if !s.tryLock(e.ID) {
			rl.ToUnavailable(e.ID)
			continue
		}
		rl.Allocate(e.ID)
		return dev, e.Index, true
	}
	return cmn.ResID{}, 0, false
}

// less implements the documented grouped-read tie-breaker: mounted-first,
// then ascending device queue depth, then ascending medium identifier
// string (resolved Open Question #3).
func (s *ReadScheduler) less(a, b cmn.ResID) bool {
	aDev, aMounted := s.mountedOn(a)
	bDev, bMounted := s.mountedOn(b)
	if aMounted != bMounted {
		return aMounted // mounted sorts first
	}
	if aMounted && bMounted {
		aq, bq := s.queueDepth(aDev), s.queueDepth(bDev)
		if aq != bq {
			return aq < bq
		}
	}
	return a.String() < b.String()
}

func (s *ReadScheduler) queueDepth(dev cmn.ResID) int {
	d, ok := s.devLK(dev)
	if !ok {
		return 0
	}
	d.Lock_()
	defer d.Unlock_()
	return d.QueueLen()
}

// deviceFor reports whether some owned device can host medium: either it
// is already mounted there, or an empty/idle owned device can load it.
func (s *ReadScheduler) deviceFor(medium cmn.ResID) (cmn.ResID, bool) {
	if dev, ok := s.mountedOn(medium); ok && s.owns(dev) {
		return dev, true
	}
	for _, id := range s.Devices() {
		d, ok := s.devLK(id)
		if !ok {
			continue
		}
		d.Lock_()
		usable := !d.IsFailed() && d.QueueLen() == 0
		d.Unlock_()
		if usable {
			return id, true
		}
	}
	return cmn.ResID{}, false
}

var _ Scheduler = (*ReadScheduler)(nil)
