package model

import (
	"testing"

	"github.com/cea-hpc/phobos/internal/cmn"
)

func idN(n string) cmn.ResID { return cmn.ResID{Family: cmn.FamilyDirectory, Name: n, Library: "lib0"} }

func TestMediumFailedInvariant(t *testing.T) {
	m := NewMedium(idN("m1"), "dir-model", FSPosix, 2)
	if m.IsFailed() {
		t.Fatal("fresh medium must not be failed")
	}
	m.Health = 0
	if !m.IsFailed() {
		t.Fatal("health==0 must imply failed")
	}
	m.Health = 2
	m.AdmStatus = AdmFailed
	if !m.IsFailed() {
		t.Fatal("admin failed must imply failed")
	}
}

func TestMediumEligible(t *testing.T) {
	m := NewMedium(idN("m1"), "dir-model", FSPosix, 1)
	m.Flags.Put = false
	if m.Eligible(true, false, false) {
		t.Fatal("put-ineligible medium must be excluded from put")
	}
	if !m.Eligible(false, true, false) {
		t.Fatal("get should still be eligible")
	}
}

func TestReadMediaListInvariant(t *testing.T) {
	ids := []cmn.ResID{idN("a"), idN("b"), idN("c")}
	l := NewReadMediaList(ids, 1)
	if !l.Invariant() {
		t.Fatal("invariant must hold initially")
	}
	l.Allocate(ids[0])
	l.ToUnavailable(ids[1])
	if !l.Invariant() {
		t.Fatal("invariant must hold after allocate/unavailable")
	}
	if l.NAllocated() != 1 || l.NUnavailable() != 1 || l.NFree() != 1 {
		t.Fatalf("unexpected section sizes: alloc=%d unavail=%d free=%d", l.NAllocated(), l.NUnavailable(), l.NFree())
	}
}

func TestReadMediaListRequeuePolicy(t *testing.T) {
	ids := []cmn.ResID{idN("a"), idN("b"), idN("c")}
	l := NewReadMediaList(ids, 1)
	l.Allocate(ids[0])
	l.ToError(ids[0]) // simulate allocated-then-failed, per final-failure invariant
	l.ToUnavailable(ids[1])

	l.Requeue()

	if l.NError() != 1 {
		t.Fatalf("error entries must be sticky across requeue, got %d", l.NError())
	}
	if l.NUnavailable() != 0 {
		t.Fatalf("unavailable entries must be merged back into free, got %d unavailable", l.NUnavailable())
	}
	if l.NFree() != 2 {
		t.Fatalf("expected 2 free after requeue, got %d", l.NFree())
	}
	if !l.Invariant() {
		t.Fatal("invariant must hold after requeue")
	}
}

func TestReadMediaListFinalFailureSwap(t *testing.T) {
	ids := []cmn.ResID{idN("a")}
	l := NewReadMediaList(ids, 1)
	l.Allocate(ids[0])
	if l.NAllocated() != 1 {
		t.Fatal("expected allocated entry")
	}
	l.ToError(ids[0])
	if l.NAllocated() != 0 || l.NError() != 1 {
		t.Fatal("final failure must swap the single allocated entry to error")
	}
}

func TestDeviceSubRequestFIFO(t *testing.T) {
	d := NewDevice(idN("d1"), "/dev/st0", "tape-model", 1)
	req := &Request{Kind: KindWriteAllocate}
	s1 := &SubRequest{Parent: req, Device: d.ID, Medium: idN("m1")}
	s2 := &SubRequest{Parent: req, Device: d.ID, Medium: idN("m2")}
	d.PushSubRequest(s1)
	d.PushSubRequest(s2)

	if d.HeadSubRequest() != s1 {
		t.Fatal("head must be first-inserted")
	}
	if got := d.PopSubRequest(); got != s1 {
		t.Fatal("pop must return first-inserted")
	}
	if d.QueueLen() != 1 {
		t.Fatalf("expected 1 remaining, got %d", d.QueueLen())
	}
}

func TestDeviceDrainOnShutdown(t *testing.T) {
	d := NewDevice(idN("d1"), "/dev/st0", "tape-model", 1)
	d.PushSubRequest(&SubRequest{Device: d.ID})
	d.PushSubRequest(&SubRequest{Device: d.ID})
	drained := d.DrainSubRequests()
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained sub-requests, got %d", len(drained))
	}
	if d.QueueLen() != 0 {
		t.Fatal("queue must be empty after drain")
	}
}

func TestLockRecordEarlyConfirm(t *testing.T) {
	l := NewLock("host-a", 1234, true)
	if !l.IsEarly {
		t.Fatal("expected early lock")
	}
	l.Confirm()
	if l.IsEarly {
		t.Fatal("confirm must clear early flag")
	}
	if !l.Owner("host-a", 1234) {
		t.Fatal("owner check must match hostname+pid")
	}
	if l.Owner("host-b", 1234) {
		t.Fatal("owner check must not match a different hostname")
	}
}

func TestResIDHashDeterministic(t *testing.T) {
	a := idN("m1")
	b := idN("m1")
	if a.Hash() != b.Hash() {
		t.Fatal("equal ResIDs must hash equally")
	}
	c := idN("m2")
	if a.Hash() == c.Hash() {
		t.Fatal("different ResIDs should (almost certainly) hash differently")
	}
}
