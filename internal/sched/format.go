package sched

import (
	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
)

// FormatScheduler implements the trivial format decision algorithm of
// §4.5: pick the target medium, failing if it is already mounted on
// another worker's device.
type FormatScheduler struct {
	base
	devLK     DeviceLookup
	mountedOn func(cmn.ResID) (cmn.ResID, bool)
}

func NewFormat(devLK DeviceLookup, mountedOn func(cmn.ResID) (cmn.ResID, bool)) *FormatScheduler {
	return &FormatScheduler{base: newBase(), devLK: devLK, mountedOn: mountedOn}
}

func (s *FormatScheduler) GetDeviceMediumPair(req *model.Request, isRetry bool) (cmn.ResID, int, bool) {
	if len(req.Media) == 0 {
		return cmn.ResID{}, 0, false
	}
	target := req.Media[0]
	if holder, mounted := s.mountedOn(target); mounted && !s.owns(holder) {
		return cmn.ResID{}, 0, false
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
			return id, 0, true
		}
	}
	return cmn.ResID{}, 0, false
}

var _ Scheduler = (*FormatScheduler)(nil)
