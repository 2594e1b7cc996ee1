// Package device implements C3, the device worker: one cooperative task per
// physical device, owning its mutex-protected record and sub-request FIFO,
// driving the load/mount/write/read/format state machine (§4.3). Grounded
// on the per-mountpath jogger pattern (select loop over a priority channel
// and a stop channel) used throughout the example pack's erasure-coding
// workers.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package device

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cea-hpc/phobos/internal/adapter"
	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/health"
	"github.com/cea-hpc/phobos/internal/lock"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/nlog"
	"github.com/cea-hpc/phobos/internal/syncbatch"
)

// Adapters bundles the three family-scoped external collaborators a worker
// drives (§6).
type Adapters struct {
	Dev adapter.Device
	FS  adapter.Filesystem
	Lib adapter.Library
}

// Result is emitted for every completed or failed sub-request, consumed by
// the main scheduler loop to assemble client responses (§4.6 step 5).
type Result struct {
	Sub  *model.SubRequest
	Err  error
	// Acks carries the batch of release-write sub-requests acknowledged by
	// the same sync (§4.8); empty for every other kind of result.
	Acks []*model.SubRequest
}

// Worker owns exactly one device. Submit/Results/Shutdown are the only
// thread-safe entry points; everything else runs on the worker's own
// goroutine started by Run (§5 "Each device worker runs on its own OS
// thread").
type Worker struct {
	dev   *model.Device
	ad    Adapters
	hlt   *health.Tracker
	locks *lock.Coordinator
	batch *syncbatch.Batcher

	mountPrefix   string
	retryAttempts int
	retryBaseWait time.Duration
	mediumLK      MediumLookup

	in   chan *model.SubRequest
	out  chan Result
	stop chan struct{}
	done chan struct{}
}

// MediumLookup resolves a medium id to its live *model.Medium, used to flip
// a medium read-only on ENOSPC/EDQUOT/EROFS without the worker owning the
// registry itself (§4.3 failure policy).
type MediumLookup func(cmn.ResID) (*model.Medium, bool)

func New(dev *model.Device, ad Adapters, hlt *health.Tracker, locks *lock.Coordinator,
	batch *syncbatch.Batcher, mountPrefix string, retryAttempts int, retryBaseWait time.Duration, mediumLK MediumLookup) *Worker {
	return &Worker{
		dev:           dev,
		ad:            ad,
		hlt:           hlt,
		locks:         locks,
		batch:         batch,
		mountPrefix:   mountPrefix,
		retryAttempts: retryAttempts,
		mediumLK:      mediumLK,
		retryBaseWait: retryBaseWait,
		in:            make(chan *model.SubRequest, 64),
		out:           make(chan Result, 64),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (w *Worker) Device() *model.Device { return w.dev }
func (w *Worker) Results() <-chan Result { return w.out }

// Submit hands a sub-request to this device's FIFO; the caller (main loop)
// has already removed it from its scheduler.
func (w *Worker) Submit(s *model.SubRequest) {
	w.dev.Lock_()
	w.dev.PushSubRequest(s)
	w.dev.Unlock_()
	select {
	case w.in <- s:
	default:
		// in is only a wake-up signal; the authoritative queue lives on
		// w.dev, so a full signal channel just means the worker is already
		// awake and will observe the push on its next loop iteration.
	}
}

// Run drives the worker loop until Shutdown is called. It is meant to run
// on its own goroutine: go worker.Run().
func (w *Worker) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			w.drainWithShutdownError()
			return
		case <-w.in:
			w.drainQueue()
		case <-time.After(100 * time.Millisecond):
			w.drainQueue()
		}
	}
}

// Shutdown stops the loop and blocks until it has drained (§4.3
// "Cancellation": drain queue, emit ESHUTDOWN, unmount/unload if safe,
// release DSS locks).
func (w *Worker) Shutdown() {
	close(w.stop)
	<-w.done
}

func (w *Worker) drainQueue() {
	for {
		w.dev.Lock_()
		head := w.dev.HeadSubRequest()
		w.dev.Unlock_()
		if head == nil {
			return
		}
		w.process(head)
		w.dev.Lock_()
		w.dev.PopSubRequest()
		w.dev.Unlock_()
	}
}

func (w *Worker) drainWithShutdownError() {
	w.dev.Lock_()
	pending := w.dev.DrainSubRequests()
	w.dev.Unlock_()
	for _, sub := range pending {
		w.emit(Result{Sub: sub, Err: cmn.NewError(cmn.KindShutdown, sub.Parent.Kind.String(), cmn.ErrShutdown)})
	}
	w.unmountUnloadIfSafe()
	if w.dev.Lock != nil {
		if err := w.locks.UnlockDevice(w.dev); err != nil {
			nlog.Errorf("device %s: unlock on shutdown: %v", w.dev.ID, err)
		}
	}
}

func (w *Worker) unmountUnloadIfSafe() {
	w.dev.Lock_()
	state := w.dev.State
	loaded := w.dev.Loaded
	mp := w.dev.MountPoint
	path := w.dev.Path
	w.dev.Unlock_()
	if state == model.StateMounted {
		_ = w.ad.FS.Umount(path, mp)
	}
	if (state == model.StateMounted || state == model.StateLoaded) && loaded != nil {
		_ = w.ad.Dev.Eject(path)
		w.dev.Lock_()
		w.dev.State = model.StateEmpty
		w.dev.Loaded = nil
		w.dev.Unlock_()
	}
}

func (w *Worker) emit(r Result) {
	w.out <- r
}

// process runs the full sequence for one sub-request: ensure the required
// medium is mounted on this device, then execute the operation implied by
// the parent request's kind.
func (w *Worker) process(sub *model.SubRequest) {
	req := sub.Parent

	if req.Kind == model.KindFormat {
		w.emit(w.doFormat(sub))
		return
	}

	if err := w.ensureMounted(sub.Medium); err != nil {
		w.emit(Result{Sub: sub, Err: err})
		return
	}

	switch req.Kind {
	case model.KindWriteAllocate, model.KindReadAllocate:
		// Allocation is satisfied once the medium is mounted and ready;
		// no data moves at allocation time (payload bytes are out of
		// scope, §1).
		w.emit(Result{Sub: sub})
	case model.KindReleaseWrite:
		w.emit(w.doWriteIO(sub))
	case model.KindReleaseRead:
		w.emit(w.doReadIO(sub))
	default:
		w.emit(Result{Sub: sub, Err: cmn.Errorf(cmn.KindInvalid, req.Kind.String(), "device worker cannot handle request kind %s", req.Kind)})
	}
}

// ensureMounted brings the device to state mounted with exactly `medium`
// loaded, unmounting/unloading the current occupant first if it differs
// (§4.3 "the worker first unmounts/unloads and then loads/mounts").
func (w *Worker) ensureMounted(medium cmn.ResID) error {
	w.dev.Lock_()
	state := w.dev.State
	loaded := w.dev.Loaded
	w.dev.Unlock_()

	if state == model.StateMounted && loaded != nil && *loaded == medium {
		return nil
	}
	if loaded != nil && *loaded != medium {
		if state == model.StateMounted {
			if err := w.withRetry("unmount", func() error { return w.ad.FS.Umount(w.dev.Path, w.dev.MountPoint) }); err != nil {
				return w.failDevice(err)
			}
			w.dev.Lock_()
			w.dev.State = model.StateLoaded
			w.dev.Unlock_()
		}
		if err := w.withRetry("unload", func() error { return w.ad.Dev.Eject(w.dev.Path) }); err != nil {
			return w.failDevice(err)
		}
		w.dev.Lock_()
		w.dev.State = model.StateEmpty
		w.dev.Loaded = nil
		w.dev.Unlock_()
	}

	if err := w.withRetry("load", func() error { return w.ad.Dev.Load(w.dev.Path, medium) }); err != nil {
		return w.failLoadOrMount(medium, err)
	}
	w.dev.Lock_()
	w.dev.State = model.StateLoaded
	m := medium
	w.dev.Loaded = &m
	w.dev.Unlock_()

	mp := filepath.Join(w.mountPrefix, string(medium.Family), medium.Name)
	if err := w.withRetry("mount", func() error { return w.ad.FS.Mount(w.dev.Path, mp) }); err != nil {
		return w.failLoadOrMount(medium, err)
	}
	w.dev.Lock_()
	w.dev.State = model.StateMounted
	w.dev.MountPoint = mp
	w.dev.Unlock_()
	return nil
}

// failLoadOrMount applies the §4.3 failure policy for load/mount: decrement
// both device and medium health on a non-retryable failure.
func (w *Worker) failLoadOrMount(medium cmn.ResID, err error) error {
	w.hlt.DecreaseDevice(w.dev)
	w.decreaseMediumHealth(medium)
	nlog.Warningf("device %s: load/mount of %s failed: %v", w.dev.ID, medium, err)
	return err
}

// failDevice applies the §4.3 failure policy for a device-side failure
// (unmount/unload) encountered while evicting the previously loaded medium
// to make room for a new one. w.dev.Loaded still names that medium at every
// call site, since it's only cleared after the unload step succeeds.
func (w *Worker) failDevice(err error) error {
	w.hlt.DecreaseDevice(w.dev)
	w.dev.Lock_()
	loaded := w.dev.Loaded
	w.dev.Unlock_()
	if loaded != nil {
		w.decreaseMediumHealth(*loaded)
	}
	return err
}

// decreaseMediumHealth resolves id to its live record and decrements its
// health alongside the device's, per §4.3's "decrement device and medium
// health" failure policy. Best-effort: a medium this worker can no longer
// resolve (e.g. already removed from the registry) just skips the
// medium-side decrement.
func (w *Worker) decreaseMediumHealth(id cmn.ResID) {
	if w.mediumLK == nil {
		return
	}
	m, ok := w.mediumLK(id)
	if !ok {
		return
	}
	if _, err := w.hlt.DecreaseMedium(m); err != nil {
		nlog.Warningf("device %s: decrease medium %s health: %v", w.dev.ID, id, err)
	}
}

// setReadOnly implements §4.3/§7: ENOSPC/EDQUOT/EROFS on a write forces the
// currently-loaded medium to read-only (flags.put = false) without
// decrementing health.
func (w *Worker) setReadOnly() {
	if w.mediumLK == nil {
		return
	}
	w.dev.Lock_()
	loaded := w.dev.Loaded
	w.dev.Unlock_()
	if loaded == nil {
		return
	}
	m, ok := w.mediumLK(*loaded)
	if !ok {
		return
	}
	m.Lock_()
	m.Flags.Put = false
	m.Unlock_()
	nlog.Warningf("device %s: medium %s forced read-only after ENOSPC/EDQUOT/EROFS", w.dev.ID, m.ID)
}

// accountSpace updates the currently-loaded medium's used/free space
// atomically for a write of nbytes (§4.3 "write-io"). Insufficient free
// space surfaces as a KindNoSpace error rather than decrementing health.
func (w *Worker) accountSpace(nbytes int64) error {
	if w.mediumLK == nil {
		return nil
	}
	w.dev.Lock_()
	loaded := w.dev.Loaded
	w.dev.Unlock_()
	if loaded == nil {
		return nil
	}
	m, ok := w.mediumLK(*loaded)
	if !ok {
		return nil
	}
	m.Lock_()
	defer m.Unlock_()
	if m.CapFree < nbytes {
		return cmn.NewError(cmn.KindNoSpace, "", cmn.ErrNoSpace)
	}
	m.CapFree -= nbytes
	m.CapUsed += nbytes
	return nil
}

func (w *Worker) doFormat(sub *model.SubRequest) Result {
	label := sub.Medium.Name
	err := w.withRetry("format", func() error { return w.ad.FS.Format(w.dev.Path, label) })
	if err != nil {
		w.hlt.DecreaseDevice(w.dev)
		w.decreaseMediumHealth(sub.Medium)
		return Result{Sub: sub, Err: err}
	}
	return Result{Sub: sub}
}

// doWriteIO accounts a release-write against the device's sync accumulator
// and, when the batcher trips a threshold, issues the sync and flushes the
// whole batch of acks (§4.8). It also updates the medium's used/free space
// atomically (§4.3 "write-io"), forcing the medium read-only instead of
// failing it when capacity runs out (§4.3 failure policy, §7).
func (w *Worker) doWriteIO(sub *model.SubRequest) Result {
	var size int64
	if sub.Parent.Write != nil {
		size = sub.Parent.Write.SizeBytes
	}

	err := w.withRetry("write-io", func() error { return w.accountSpace(size) })
	if err != nil {
		if cmn.IsNoSpace(err) {
			w.setReadOnly()
			return Result{Sub: sub, Err: err}
		}
		w.hlt.DecreaseDevice(w.dev)
		w.decreaseMediumHealth(sub.Medium)
		return Result{Sub: sub, Err: err}
	}

	tripped := w.batch.Accumulate(w.dev, sub, size)
	if !tripped {
		return Result{} // no result yet: ack is deferred until the batch flushes
	}

	if err := w.ad.FS.Sync(w.dev.MountPoint); err != nil {
		discarded := w.batch.Discard(w.dev)
		w.hlt.DecreaseDevice(w.dev)
		w.decreaseMediumHealth(sub.Medium)
		syncErr := fmt.Errorf("sync failed, %d releases discarded: %w", len(discarded), err)
		for _, d := range discarded {
			if d != sub {
				w.emit(Result{Sub: d, Err: syncErr})
			}
		}
		return Result{Sub: sub, Err: syncErr}
	}
	acks := w.batch.Flush(w.dev)
	return Result{Acks: acks}
}

func (w *Worker) doReadIO(sub *model.SubRequest) Result {
	err := w.withRetry("read-io", func() error { return nil }) // locate+read extent metadata; no payload bytes (§1)
	if err != nil {
		w.hlt.DecreaseDevice(w.dev)
		w.decreaseMediumHealth(sub.Medium)
		return Result{Sub: sub, Err: err}
	}
	return Result{Sub: sub}
}

// withRetry retries a retryable-classified failure with bounded attempts
// and exponential pacing (§4.3 failure policy).
func (w *Worker) withRetry(op string, fn func() error) error {
	var err error
	wait := w.retryBaseWait
	for attempt := 0; attempt <= w.retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !cmn.IsRetryable(err) {
			return err
		}
		nlog.Warningf("device %s: %s attempt %d failed, retrying: %v", w.dev.ID, op, attempt, err)
		time.Sleep(wait)
		wait *= 2
	}
	return err
}
