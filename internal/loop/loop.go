// Package loop implements C6, the main scheduler loop: one task per family
// draining inbound requests, dispatching devices, and handing sub-requests
// to device workers (§4.6).
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package loop

import (
	"time"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/device"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/nlog"
	"github.com/cea-hpc/phobos/internal/sched"
)

// Responder emits a finished request's response via the router (C9); the
// loop never talks to the transport directly.
type Responder interface {
	Respond(req *model.Request)
}

// Loop runs one family's scheduling cycle (§4.6 steps 1-6).
type Loop struct {
	family cmn.Family
	group  *sched.Group
	resp   Responder

	inbound chan *model.Request
	stop    chan struct{}
	done    chan struct{}

	workers     map[cmn.ResID]*device.Worker
	allDevices  []cmn.ResID
	priority    []string // default: write, read, format
	starvationK int
	pollEvery   time.Duration

	iteration int
}

func New(family cmn.Family, group *sched.Group, resp Responder, workers map[cmn.ResID]*device.Worker,
	priority []string, starvationK int, pollEvery time.Duration) *Loop {
	allDevices := make([]cmn.ResID, 0, len(workers))
	for id := range workers {
		allDevices = append(allDevices, id)
	}
	return &Loop{
		family:      family,
		group:       group,
		resp:        resp,
		inbound:     make(chan *model.Request, 256),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		workers:     workers,
		allDevices:  allDevices,
		priority:    priority,
		starvationK: starvationK,
		pollEvery:   pollEvery,
	}
}

// Submit routes a request into the loop's inbound queue; called by the
// router (C9) after it has determined the request's family.
func (l *Loop) Submit(req *model.Request) {
	select {
	case l.inbound <- req:
	default:
		nlog.Warningf("loop %s: inbound queue full, dropping request from %s", l.family, req.ClientID)
	}
}

func (l *Loop) Shutdown() {
	close(l.stop)
	<-l.done
}

// Run is the per-family event loop (§4.6). Meant to run on its own
// goroutine: go loop.Run().
func (l *Loop) Run() {
	defer close(l.done)
	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case req := <-l.inbound:
			l.route(req)
			l.tick()
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) route(req *model.Request) {
	switch req.Kind {
	case model.KindWriteAllocate:
		l.group.Write.Push(req)
	case model.KindReadAllocate:
		l.group.Read.Push(req)
	case model.KindFormat:
		l.group.Format.Push(req)
	default:
		// release-read/write, notify, monitor, configure, ping: handled
		// directly by the router/registry, never queued in a C5 scheduler.
		l.resp.Respond(req)
	}
}

// tick performs one iteration of steps 2-5 of §4.6.
func (l *Loop) tick() {
	sched.DispatchDevices(l.group, l.allDevices, func(id cmn.ResID) int {
		if w, ok := l.workers[id]; ok {
			w.Device().Lock_()
			defer w.Device().Unlock_()
			return w.Device().QueueLen()
		}
		return 0
	})

	l.iteration++
	order := l.orderForIteration()
	for _, kind := range order {
		s := l.schedulerFor(kind)
		req := s.Peek()
		if req == nil {
			continue
		}
		dev, mediumIdx, ok := s.GetDeviceMediumPair(req, false)
		if !ok {
			continue
		}
		s.Remove(req)
		l.dispatchSub(req, dev, mediumIdx)
	}

	l.collectResults()
}

// orderForIteration applies the configured priority, elevating read every
// starvationK iterations to avoid starvation (§4.6 step 3).
func (l *Loop) orderForIteration() []string {
	if l.starvationK > 0 && l.iteration%l.starvationK == 0 {
		return []string{"read", "write", "format"}
	}
	return l.priority
}

func (l *Loop) schedulerFor(kind string) sched.Scheduler {
	switch kind {
	case "write":
		return l.group.Write
	case "read":
		return l.group.Read
	case "format":
		return l.group.Format
	default:
		return l.group.Write
	}
}

func (l *Loop) dispatchSub(req *model.Request, dev cmn.ResID, mediumIdx int) {
	w, ok := l.workers[dev]
	if !ok {
		req.MarkFailed()
		l.resp.Respond(req)
		return
	}
	var medium cmn.ResID
	if mediumIdx < len(req.Media) {
		medium = req.Media[mediumIdx]
	}
	sub := &model.SubRequest{Parent: req, Device: dev, MediumIndex: mediumIdx, Medium: medium}
	req.AddSub(sub)
	w.Submit(sub)
}

// collectResults drains every worker's result channel non-blockingly,
// updates the owning request, and emits a response once the request is
// fully satisfied or has definitively failed (§4.6 step 5).
func (l *Loop) collectResults() {
	for _, w := range l.workers {
	drain:
		for {
			select {
			case r := <-w.Results():
				l.handleResult(r)
			default:
				break drain
			}
		}
	}
}

func (l *Loop) handleResult(r device.Result) {
	for _, ackedSub := range r.Acks {
		l.completeSub(ackedSub, nil)
	}
	if r.Sub == nil {
		return
	}
	l.completeSub(r.Sub, r.Err)
}

func (l *Loop) completeSub(sub *model.SubRequest, err error) {
	sub.Err = err
	req := sub.Parent
	if err != nil {
		req.MarkFailed()
	} else {
		req.MarkSatisfied()
	}
	if req.Done() {
		l.resp.Respond(req)
	}
}
