// Package syncbatch implements C8, the sync batcher: per-device threshold
// accounting that turns many release-write acknowledgements into one
// filesystem sync plus one batched ack flush (§4.8).
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package syncbatch

import (
	"sync"
	"time"

	"github.com/cea-hpc/phobos/internal/cfg"
	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
)

// Batcher tracks pending release-writes per device until one of the
// configured thresholds trips, at which point the caller must sync the
// medium and then call Flush to obtain the batch of sub-requests to
// acknowledge (§4.8 invariant: exactly one ack per release, issued after
// the corresponding sync).
type Batcher struct {
	mu      sync.Mutex
	pending map[cmn.ResID][]*model.SubRequest
	cfgFor  func(cmn.Family) cfg.SyncThresholds

	// onFlush, when set, observes the size of every batch this Batcher
	// flushes — the ambient hook internal/metrics.Registry.ObserveSyncBatch
	// is wired through without syncbatch importing the metrics package.
	onFlush func(fam cmn.Family, n int)
}

func New(cfgFor func(cmn.Family) cfg.SyncThresholds) *Batcher {
	return &Batcher{
		pending: make(map[cmn.ResID][]*model.SubRequest),
		cfgFor:  cfgFor,
	}
}

// WithFlushObserver installs a callback invoked with every flushed batch's
// size, keyed by the flushing device's family.
func (b *Batcher) WithFlushObserver(fn func(fam cmn.Family, n int)) *Batcher {
	b.onFlush = fn
	return b
}

// Accumulate records one release-write against the device's accumulator and
// reports whether a threshold is now exceeded and a sync must be issued.
func (b *Batcher) Accumulate(dev *model.Device, sub *model.SubRequest, nbytes int64) (tripped bool) {
	dev.Lock_()
	if dev.Sync.Count == 0 {
		dev.Sync.OldestNS = time.Now().UnixNano()
	}
	dev.Sync.Count++
	dev.Sync.Bytes += nbytes
	th := b.cfgFor(dev.ID.Family)
	age := time.Duration(time.Now().UnixNano()-dev.Sync.OldestNS) * time.Nanosecond
	tripped = dev.Sync.Count >= th.NbReq ||
		dev.Sync.Bytes >= th.WSizeKB*1024 ||
		(th.TimeMS > 0 && age >= th.TimeMS)
	dev.Unlock_()

	b.mu.Lock()
	b.pending[dev.ID] = append(b.pending[dev.ID], sub)
	b.mu.Unlock()
	return tripped
}

// Flush zeroes the device's accumulator and returns the batch of
// sub-requests to acknowledge now that the sync has completed successfully.
func (b *Batcher) Flush(dev *model.Device) []*model.SubRequest {
	dev.Lock_()
	dev.Sync = model.SyncAccum{}
	dev.Unlock_()

	b.mu.Lock()
	batch := b.pending[dev.ID]
	delete(b.pending, dev.ID)
	b.mu.Unlock()

	if b.onFlush != nil {
		b.onFlush(dev.ID.Family, len(batch))
	}
	return batch
}

// Discard drops the pending batch without acknowledging it, used when the
// sync itself fails and the medium is failed instead (§4.8 "On sync
// failure, the medium is failed"); callers surface an error response for
// each discarded sub-request rather than a positive ack.
func (b *Batcher) Discard(dev *model.Device) []*model.SubRequest {
	return b.Flush(dev)
}

func (b *Batcher) PendingCount(dev cmn.ResID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[dev])
}
