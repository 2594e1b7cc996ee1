package health

import (
	"testing"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/dss/buntdss"
	"github.com/cea-hpc/phobos/internal/model"
)

func TestDecreaseMediumToFailure(t *testing.T) {
	store, err := buntdss.Open(":memory:", 2)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	id := cmn.ResID{Family: cmn.FamilyTape, Name: "m1", Library: "lib0"}
	if err := store.MediumUpsert(id, "lto8"); err != nil {
		t.Fatal(err)
	}
	m := model.NewMedium(id, "lto8", model.FSLTFS, 2)
	m.Lock = model.NewLock("host-a", 1, false)
	_ = store.MediumLock(id, m.Lock)

	tr := New(store, 2)

	// scenario 3 (§8): two consecutive mount failures.
	h, err := tr.DecreaseMedium(m)
	if err != nil {
		t.Fatal(err)
	}
	if h != 1 || m.IsFailed() {
		t.Fatalf("after first failure expected health=1, not failed; got health=%d failed=%v", h, m.IsFailed())
	}

	h, err = tr.DecreaseMedium(m)
	if err != nil {
		t.Fatal(err)
	}
	if h != 0 || !m.IsFailed() {
		t.Fatalf("after second failure expected health=0, failed; got health=%d failed=%v", h, m.IsFailed())
	}
	if m.Lock != nil {
		t.Fatal("failed medium must have released its lock")
	}
	if _, ok := store.LockOwner(id); ok {
		t.Fatal("DSS lock must be released on medium failure")
	}
}

func TestDecreaseDeviceRetainsLock(t *testing.T) {
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	id := cmn.ResID{Family: cmn.FamilyTape, Name: "d1", Library: "lib0"}
	_ = store.DeviceUpsert(id, "/dev/st0", "lto8")
	d := model.NewDevice(id, "/dev/st0", "lto8", 1)
	d.Lock = model.NewLock("host-a", 1, false)
	_ = store.DeviceLock(id, d.Lock)

	tr := New(store, 1)
	h := tr.DecreaseDevice(d)
	if h != 0 || d.State != model.StateFailed {
		t.Fatalf("expected device failed at health 0, got health=%d state=%v", h, d.State)
	}
	if d.Lock == nil {
		t.Fatal("device lock must be retained until admin intervention, per §4.3")
	}
}

func TestIncreaseHealthSaturates(t *testing.T) {
	store, _ := buntdss.Open(":memory:", 1)
	defer store.Close()
	id := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	m := model.NewMedium(id, "dir", model.FSPosix, 1)
	tr := New(store, 1)
	if h := tr.IncreaseMedium(m); h != 1 {
		t.Fatalf("expected saturation at max_health=1, got %d", h)
	}
}
