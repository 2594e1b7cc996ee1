package sched

import (
	"testing"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
)

func medium(name string, capFree int64, tags ...string) *model.Medium {
	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: name, Library: "lib0"}
	m := model.NewMedium(id, "dir", model.FSPosix, 1)
	m.CapFree = capFree
	m.Tags = tags
	return m
}

func deviceReg(devs ...*model.Device) DeviceLookup {
	m := map[cmn.ResID]*model.Device{}
	for _, d := range devs {
		m[d.ID] = d
	}
	return func(id cmn.ResID) (*model.Device, bool) { d, ok := m[id]; return d, ok }
}

func TestWriteSchedulerBestFit(t *testing.T) {
	small := medium("small", 100)
	big := medium("big", 10_000)
	media := []*model.Medium{big, small}
	d1 := model.NewDevice(cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}, "/d1", "dir", 1)
	lk := deviceReg(d1)

	ws := NewWrite("best_fit", func() []*model.Medium { return media }, lk)
	ws.AddDevice(d1.ID)

	req := &model.Request{Kind: model.KindWriteAllocate, Write: &model.WriteSpec{NMedia: 1, SizeBytes: 50, Family: cmn.FamilyDirectory}}
	dev, idx, ok := ws.GetDeviceMediumPair(req, false)
	if !ok {
		t.Fatal("expected a placement")
	}
	if dev != d1.ID || idx != 0 {
		t.Fatalf("unexpected placement dev=%v idx=%d", dev, idx)
	}
	if req.Media[0] != small.ID {
		t.Fatalf("best-fit must choose the smallest medium that fits, got %v", req.Media[0])
	}
}

func TestWriteSchedulerNoSplitExcludesTooSmall(t *testing.T) {
	small := medium("small", 100)
	media := []*model.Medium{small}
	d1 := model.NewDevice(cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}, "/d1", "dir", 1)
	lk := deviceReg(d1)

	ws := NewWrite("best_fit", func() []*model.Medium { return media }, lk)
	ws.AddDevice(d1.ID)

	req := &model.Request{Kind: model.KindWriteAllocate, Write: &model.WriteSpec{NMedia: 1, SizeBytes: 1000, NoSplit: true, Family: cmn.FamilyDirectory}}
	_, _, ok := ws.GetDeviceMediumPair(req, false)
	if ok {
		t.Fatal("no-split write must not place on a medium smaller than the whole write")
	}
}

func TestWriteSchedulerTagConstraint(t *testing.T) {
	untagged := medium("m1", 1000)
	tagged := medium("m2", 1000, "fast")
	media := []*model.Medium{untagged, tagged}
	d1 := model.NewDevice(cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}, "/d1", "dir", 1)
	lk := deviceReg(d1)

	ws := NewWrite("best_fit", func() []*model.Medium { return media }, lk)
	ws.AddDevice(d1.ID)

	req := &model.Request{
		Kind:  model.KindWriteAllocate,
		Write: &model.WriteSpec{NMedia: 1, SizeBytes: 10, TagsPerMedium: [][]string{{"fast"}}, Family: cmn.FamilyDirectory},
	}
	_, _, ok := ws.GetDeviceMediumPair(req, false)
	if !ok {
		t.Fatal("expected a placement satisfying the tag constraint")
	}
	if req.Media[0] != tagged.ID {
		t.Fatalf("expected the tagged medium chosen, got %v", req.Media[0])
	}
}

func TestReadSchedulerPrefersMounted(t *testing.T) {
	m1 := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	m2 := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m2", Library: "lib0"}
	d1 := model.NewDevice(cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}, "/d1", "dir", 1)
	d1.State = model.StateMounted
	d1.Loaded = &m2
	lk := deviceReg(d1)
	mountedOn := func(id cmn.ResID) (cmn.ResID, bool) {
		if id == m2 {
			return d1.ID, true
		}
		return cmn.ResID{}, false
	}

	rs := NewRead(ReadGrouped, lk, mountedOn)
	rs.AddDevice(d1.ID)

	rl := model.NewReadMediaList([]cmn.ResID{m1, m2}, 1)
	req := &model.Request{Kind: model.KindReadAllocate, Read: rl}

	dev, idx, ok := rs.GetDeviceMediumPair(req, false)
	if !ok {
		t.Fatal("expected a placement")
	}
	if dev != d1.ID {
		t.Fatalf("expected the mounted-medium device, got %v", dev)
	}
	if rl.Free()[0] != m1 {
		t.Fatalf("expected m2 allocated and m1 left free, got free=%v", rl.Free())
	}
	_ = idx
}

// fakeLocker simulates a lock coordinator that refuses a fixed set of media.
type fakeLocker struct{ refuse map[cmn.ResID]bool }

func (l *fakeLocker) LockMedium(m *model.Medium, early bool) error {
	if l.refuse[m.ID] {
		return cmn.NewError(cmn.KindLockConflict, "", cmn.ErrLockConflict)
	}
	return nil
}

func TestWriteSchedulerSkipsLockedCandidate(t *testing.T) {
	locked := medium("locked", 10_000)
	free := medium("free", 10_000)
	media := []*model.Medium{locked, free}
	d1 := model.NewDevice(cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}, "/d1", "dir", 1)
	lk := deviceReg(d1)

	ws := NewWrite("first_fit", func() []*model.Medium { return media }, lk).
		WithLocker(&fakeLocker{refuse: map[cmn.ResID]bool{locked.ID: true}})
	ws.AddDevice(d1.ID)

	req := &model.Request{Kind: model.KindWriteAllocate, Write: &model.WriteSpec{NMedia: 1, SizeBytes: 50, Family: cmn.FamilyDirectory}}
	_, _, ok := ws.GetDeviceMediumPair(req, false)
	if !ok {
		t.Fatal("expected placement on the unlocked candidate")
	}
	if req.Media[0] != free.ID {
		t.Fatalf("expected the locked candidate skipped in favor of %v, got %v", free.ID, req.Media[0])
	}
}

func TestReadSchedulerMovesLockConflictToUnavailable(t *testing.T) {
	m1 := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	m2 := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m2", Library: "lib0"}
	d1 := model.NewDevice(cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}, "/d1", "dir", 1)
	lk := deviceReg(d1)
	mountedOn := func(cmn.ResID) (cmn.ResID, bool) { return cmn.ResID{}, false }

	med1 := model.NewMedium(m1, "dir", model.FSPosix, 1)
	med2 := model.NewMedium(m2, "dir", model.FSPosix, 1)
	medLK := func(id cmn.ResID) (*model.Medium, bool) {
		switch id {
		case m1:
			return med1, true
		case m2:
			return med2, true
		}
		return nil, false
	}

	rs := NewRead(ReadFIFO, lk, mountedOn).
		WithLocker(&fakeLocker{refuse: map[cmn.ResID]bool{m1: true}}, medLK)
	rs.AddDevice(d1.ID)

	rl := model.NewReadMediaList([]cmn.ResID{m1, m2}, 1)
	req := &model.Request{Kind: model.KindReadAllocate, Read: rl}

	dev, idx, ok := rs.GetDeviceMediumPair(req, false)
	if !ok {
		t.Fatal("expected a placement on the second candidate")
	}
	if dev != d1.ID {
		t.Fatalf("unexpected device %v", dev)
	}
	if idx != 1 {
		t.Fatalf("expected the second entry (m2) allocated, got index %d", idx)
	}
	if len(rl.Free()) != 0 {
		t.Fatalf("expected no remaining free entries (m1 moved to unavailable), got %v", rl.Free())
	}
	if rl.NUnavailable() != 1 {
		t.Fatalf("expected the lock-conflicting candidate moved to unavailable, got %d", rl.NUnavailable())
	}
}

func TestFormatSchedulerRejectsMountedElsewhere(t *testing.T) {
	target := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	otherDev := cmn.ResID{Family: cmn.FamilyDirectory, Name: "other", Library: "lib0"}
	mountedOn := func(id cmn.ResID) (cmn.ResID, bool) {
		if id == target {
			return otherDev, true
		}
		return cmn.ResID{}, false
	}
	fs := NewFormat(deviceReg(), mountedOn)
	req := &model.Request{Kind: model.KindFormat, Media: []cmn.ResID{target}}
	_, _, ok := fs.GetDeviceMediumPair(req, false)
	if ok {
		t.Fatal("format must fail when the target medium is mounted on a device this scheduler doesn't own")
	}
}

func TestBaseFIFOAndDeviceClaim(t *testing.T) {
	b := newBase()
	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	b.AddDevice(id)
	if len(b.Devices()) != 1 {
		t.Fatal("expected one owned device")
	}
	if !b.ClaimDevice(id, ClaimBorrow) {
		t.Fatal("borrow claim should succeed on an owned device")
	}
	if len(b.Devices()) != 0 {
		t.Fatal("borrowed device must be removed from the owning set")
	}
	if !b.ReturnBorrowed(id) {
		t.Fatal("expected the borrowed device to be returnable")
	}
	if len(b.Devices()) != 1 {
		t.Fatal("returned device must be back in the owning set")
	}

	r1 := &model.Request{ClientID: "a"}
	r2 := &model.Request{ClientID: "b"}
	b.Push(r1)
	b.Push(r2)
	if b.Peek() != r1 {
		t.Fatal("FIFO order violated")
	}
	b.Remove(r1)
	if b.Peek() != r2 {
		t.Fatal("remove must preserve remaining FIFO order")
	}
}
