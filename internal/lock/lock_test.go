package lock

import (
	"testing"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/dss/buntdss"
	"github.com/cea-hpc/phobos/internal/model"
)

func TestLockUnlockDevice(t *testing.T) {
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	id := cmn.ResID{Family: cmn.FamilyTape, Name: "d1", Library: "lib0"}
	if err := store.DeviceUpsert(id, "/dev/st0", "lto8"); err != nil {
		t.Fatal(err)
	}
	d := model.NewDevice(id, "/dev/st0", "lto8", 1)

	c := New(store, "host-a")
	if err := c.LockDevice(d); err != nil {
		t.Fatal(err)
	}
	if !c.Owns(id) {
		t.Fatal("coordinator should own the device lock it just took")
	}
	if d.Lock == nil || d.Lock.Hostname != "host-a" {
		t.Fatal("device model must reflect the taken lock")
	}

	if err := c.UnlockDevice(d); err != nil {
		t.Fatal(err)
	}
	if c.Owns(id) {
		t.Fatal("coordinator must not own the lock after release")
	}
	if d.Lock != nil {
		t.Fatal("device model lock must be cleared after release")
	}
}

func TestLockMediumConflict(t *testing.T) {
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	_ = store.MediumUpsert(id, "posix-dir")
	m := model.NewMedium(id, "posix-dir", model.FSPosix, 1)

	a := New(store, "host-a")
	if err := a.LockMedium(m, false); err != nil {
		t.Fatal(err)
	}

	m2 := model.NewMedium(id, "posix-dir", model.FSPosix, 1)
	b := New(store, "host-b")
	err = b.LockMedium(m2, false)
	if err == nil {
		t.Fatal("expected conflict locking a medium already held by another host")
	}
	if cmn.KindOf(err) != cmn.KindLockConflict {
		t.Fatalf("expected KindLockConflict, got %v", cmn.KindOf(err))
	}
}

func TestEarlyLockConfirm(t *testing.T) {
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	_ = store.MediumUpsert(id, "posix-dir")
	m := model.NewMedium(id, "posix-dir", model.FSPosix, 1)

	c := New(store, "host-a")
	if err := c.LockMedium(m, true); err != nil {
		t.Fatal(err)
	}
	if !m.Lock.IsEarly {
		t.Fatal("lock should start early")
	}
	c.ConfirmMedium(m)
	if m.Lock.IsEarly {
		t.Fatal("confirm must clear the early flag")
	}
}

func TestRelockDetectsLostOwnership(t *testing.T) {
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	id := cmn.ResID{Family: cmn.FamilyTape, Name: "d1", Library: "lib0"}
	_ = store.DeviceUpsert(id, "/dev/st0", "lto8")
	d := model.NewDevice(id, "/dev/st0", "lto8", 1)

	c := New(store, "host-a")
	if err := c.LockDevice(d); err != nil {
		t.Fatal(err)
	}

	// simulate another host stealing the lock after a DSS restart
	_ = store.DeviceUnlock(id, d.Lock)
	stolen := model.NewLock("host-b", 999, false)
	_ = store.DeviceLock(id, stolen)

	conflicts := c.Relock()
	if len(conflicts) != 1 || conflicts[0] != id {
		t.Fatalf("expected relock to report a conflict on %s, got %v", id, conflicts)
	}
	if c.Owns(id) {
		t.Fatal("coordinator must drop ownership bookkeeping on lost relock")
	}
}
