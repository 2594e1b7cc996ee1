// Package diskstat samples real block-device I/O counters as a
// supplementary input to the health tracker (C4) for the directory and
// disk-reserved families, whose "devices" are plain filesystems rather than
// SCSI-class hardware the library adapter already watches (§4.4, §6).
//
// It polls github.com/lufia/iostat on a fixed interval and diffs each
// drive's cumulative counters against the previous sample, the same
// full-read-then-diff shape as /proc/diskstats polling (one read per tick,
// delta against the prior tick) rather than hooking into a change
// notification the kernel doesn't offer.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package diskstat

import (
	"sync"
	"time"

	"github.com/lufia/iostat"

	"github.com/cea-hpc/phobos/internal/health"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/nlog"
)

// Sampler polls drive stats for a fixed set of devices, each mapped by its
// OS drive name, and reports a device as failing to the health tracker once
// its I/O counters stop advancing for stallMax consecutive polls while the
// drive is otherwise mounted and in use.
type Sampler struct {
	interval time.Duration
	hlt      *health.Tracker
	devices  map[string]*model.Device // OS drive name -> tracked device
	stallMax int

	mu      sync.Mutex
	prev    map[string]iostat.DriveStats
	stalled map[string]int
	stop    chan struct{}
	done    chan struct{}
}

func New(interval time.Duration, hlt *health.Tracker, devices map[string]*model.Device, stallMax int) *Sampler {
	if stallMax <= 0 {
		stallMax = 3
	}
	return &Sampler{
		interval: interval,
		hlt:      hlt,
		devices:  devices,
		stallMax: stallMax,
		prev:     make(map[string]iostat.DriveStats),
		stalled:  make(map[string]int),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run polls until Shutdown is called; meant to run on its own goroutine.
func (s *Sampler) Run() {
	defer close(s.done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.poll()
		}
	}
}

func (s *Sampler) Shutdown() {
	close(s.stop)
	<-s.done
}

func (s *Sampler) poll() {
	drives, err := iostat.ReadDriveStats()
	if err != nil {
		nlog.Warningf("diskstat: read drive stats: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range drives {
		dev, tracked := s.devices[d.Name]
		if !tracked {
			continue
		}
		prev, hadPrev := s.prev[d.Name]
		s.prev[d.Name] = d
		if !hadPrev {
			continue
		}

		dev.Lock_()
		mounted := dev.State == model.StateMounted || dev.State == model.StateLoaded
		dev.Unlock_()
		if !mounted {
			s.stalled[d.Name] = 0
			continue
		}

		if d.ReadCount == prev.ReadCount && d.WriteCount == prev.WriteCount {
			s.stalled[d.Name]++
			if s.stalled[d.Name] >= s.stallMax {
				nlog.Warningf("diskstat: device %s (%s) stalled for %d consecutive polls, decreasing health",
					dev.ID, d.Name, s.stalled[d.Name])
				s.hlt.DecreaseDevice(dev)
				s.stalled[d.Name] = 0
			}
		} else {
			s.stalled[d.Name] = 0
		}
	}
}
