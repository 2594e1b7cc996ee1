package syncbatch

import (
	"testing"
	"time"

	"github.com/cea-hpc/phobos/internal/cfg"
	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
)

func thresholds(f cmn.Family) cfg.SyncThresholds {
	return cfg.SyncThresholds{NbReq: 3, WSizeKB: 1 << 20, TimeMS: time.Hour}
}

func TestAccumulateTripsOnCount(t *testing.T) {
	b := New(thresholds)
	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	dev := model.NewDevice(id, "/mnt/d1", "dir", 1)

	for i := 0; i < 2; i++ {
		sub := &model.SubRequest{Device: id}
		if tripped := b.Accumulate(dev, sub, 1024); tripped {
			t.Fatalf("must not trip before threshold, iteration %d", i)
		}
	}
	sub := &model.SubRequest{Device: id}
	if !b.Accumulate(dev, sub, 1024) {
		t.Fatal("expected threshold trip on 3rd release")
	}
	if b.PendingCount(id) != 3 {
		t.Fatalf("expected 3 pending acks, got %d", b.PendingCount(id))
	}
}

func TestFlushResetsAccumulatorAndReturnsAllPending(t *testing.T) {
	b := New(thresholds)
	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	dev := model.NewDevice(id, "/mnt/d1", "dir", 1)

	subs := make([]*model.SubRequest, 3)
	for i := range subs {
		subs[i] = &model.SubRequest{Device: id}
		b.Accumulate(dev, subs[i], 100)
	}
	batch := b.Flush(dev)
	if len(batch) != 3 {
		t.Fatalf("expected 3 acks flushed, got %d", len(batch))
	}
	if dev.Sync.Count != 0 || dev.Sync.Bytes != 0 {
		t.Fatal("flush must zero the accumulator")
	}
	if b.PendingCount(id) != 0 {
		t.Fatal("flush must clear pending list")
	}
}

func TestDiscardOnSyncFailure(t *testing.T) {
	b := New(thresholds)
	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	dev := model.NewDevice(id, "/mnt/d1", "dir", 1)
	sub := &model.SubRequest{Device: id}
	b.Accumulate(dev, sub, 10)

	discarded := b.Discard(dev)
	if len(discarded) != 1 {
		t.Fatalf("expected the one pending sub-request discarded, got %d", len(discarded))
	}
	if dev.Sync.Count != 0 {
		t.Fatal("discard must still zero the accumulator")
	}
}
