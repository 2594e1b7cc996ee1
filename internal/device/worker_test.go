package device

import (
	"testing"
	"time"

	"github.com/cea-hpc/phobos/internal/adapter"
	"github.com/cea-hpc/phobos/internal/cfg"
	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/dss/buntdss"
	"github.com/cea-hpc/phobos/internal/health"
	"github.com/cea-hpc/phobos/internal/lock"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/syncbatch"
)

type fakeDevAdapter struct{ loadErr, ejectErr error }

func (f *fakeDevAdapter) Lookup(serial string) (string, error) { return serial, nil }
func (f *fakeDevAdapter) Query(path string) (adapter.DeviceState, error) {
	return adapter.DevStateEmpty, nil
}
func (f *fakeDevAdapter) Load(path string, medium cmn.ResID) error  { return f.loadErr }
func (f *fakeDevAdapter) Eject(path string) error                   { return f.ejectErr }

type fakeFS struct{ mountErr, syncErr error }

func (f *fakeFS) Mount(devicePath, mountPoint string) error { return f.mountErr }
func (f *fakeFS) Umount(devicePath, mountPoint string) error { return nil }
func (f *fakeFS) Format(devicePath, label string) error      { return nil }
func (f *fakeFS) Statfs(mountPoint string) (adapter.FSInfo, error) {
	return adapter.FSInfo{}, nil
}
func (f *fakeFS) Sync(mountPoint string) error { return f.syncErr }

type fakeLib struct{}

func (fakeLib) Open(cmn.Family) error                            { return nil }
func (fakeLib) Close() error                                     { return nil }
func (fakeLib) DriveLookup(string) (string, error)                { return "", nil }
func (fakeLib) MediaLookup(string) (string, error)                { return "", nil }
func (fakeLib) MediaMove(string, string) error                    { return nil }
func (fakeLib) Scan() ([]adapter.LibraryEntry, error)              { return nil, nil }

func newTestWorker(t *testing.T, dev *model.Device, fsErr, loadErr error) (*Worker, *health.Tracker) {
	t.Helper()
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	_ = store.DeviceUpsert(dev.ID, dev.Path, dev.Model)

	hlt := health.New(store, 1)
	locks := lock.New(store, "host-a")
	batch := syncbatch.New(func(cmn.Family) cfg.SyncThresholds {
		return cfg.SyncThresholds{NbReq: 1, WSizeKB: 1 << 20, TimeMS: time.Hour}
	})
	ad := Adapters{Dev: &fakeDevAdapter{loadErr: loadErr}, FS: &fakeFS{syncErr: fsErr}, Lib: fakeLib{}}
	mediumLK := func(cmn.ResID) (*model.Medium, bool) { return nil, false }
	w := New(dev, ad, hlt, locks, batch, "/mnt/phobos", 0, time.Millisecond, mediumLK)
	return w, hlt
}

func writeRequest(nmedia int, medium cmn.ResID) *model.Request {
	return &model.Request{
		Kind:  model.KindReleaseWrite,
		Write: &model.WriteSpec{NMedia: nmedia, SizeBytes: 4096, Family: medium.Family},
		Media: []cmn.ResID{medium},
	}
}

func TestProcessMountsThenWriteIOAck(t *testing.T) {
	devID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	medID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	dev := model.NewDevice(devID, "/dev/d1", "dir", 1)

	w, _ := newTestWorker(t, dev, nil, nil)
	req := writeRequest(1, medID)
	sub := &model.SubRequest{Parent: req, Device: devID, Medium: medID}

	go w.Run()
	defer w.Shutdown()

	w.Submit(sub)
	select {
	case r := <-w.Results():
		if len(r.Acks) != 1 || r.Acks[0] != sub {
			t.Fatalf("expected the sub-request acknowledged in the batch, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write-io ack")
	}
	if dev.State != model.StateMounted {
		t.Fatalf("expected device mounted, got %v", dev.State)
	}
}

func TestLoadFailureDecrementsHealth(t *testing.T) {
	devID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	medID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	dev := model.NewDevice(devID, "/dev/d1", "dir", 1)

	w, hlt := newTestWorker(t, dev, nil, cmn.NewError(cmn.KindIO, "", cmn.ErrResourceFailed))
	req := writeRequest(1, medID)
	sub := &model.SubRequest{Parent: req, Device: devID, Medium: medID}

	go w.Run()
	defer w.Shutdown()

	w.Submit(sub)
	select {
	case r := <-w.Results():
		if r.Err == nil {
			t.Fatal("expected an error result on load failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	_ = hlt
	if dev.Health != 0 {
		t.Fatalf("expected device health decremented to 0, got %d", dev.Health)
	}
}

func TestLoadFailureDecrementsMediumHealthToo(t *testing.T) {
	devID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	medID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	dev := model.NewDevice(devID, "/dev/d1", "dir", 2)

	store, err := buntdss.Open(":memory:", 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	_ = store.DeviceUpsert(dev.ID, dev.Path, dev.Model)

	hlt := health.New(store, 2)
	locks := lock.New(store, "host-a")
	batch := syncbatch.New(func(cmn.Family) cfg.SyncThresholds {
		return cfg.SyncThresholds{NbReq: 1, WSizeKB: 1 << 20, TimeMS: time.Hour}
	})
	med := model.NewMedium(medID, "dir", model.FSPosix, 2)
	mediumLK := func(id cmn.ResID) (*model.Medium, bool) {
		if id == medID {
			return med, true
		}
		return nil, false
	}
	ad := Adapters{Dev: &fakeDevAdapter{loadErr: cmn.NewError(cmn.KindIO, "", cmn.ErrResourceFailed)}, FS: &fakeFS{}, Lib: fakeLib{}}
	w := New(dev, ad, hlt, locks, batch, "/mnt/phobos", 0, time.Millisecond, mediumLK)

	req := writeRequest(1, medID)
	sub := &model.SubRequest{Parent: req, Device: devID, Medium: medID}

	go w.Run()
	defer w.Shutdown()

	w.Submit(sub)
	select {
	case r := <-w.Results():
		if r.Err == nil {
			t.Fatal("expected an error result on load failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	med.Lock_()
	health := med.Health
	med.Unlock_()
	if health != 1 {
		t.Fatalf("expected medium health decremented alongside device health, got %d", health)
	}
}

func TestWriteIOEnospcForcesReadOnlyWithoutHealthDecrement(t *testing.T) {
	devID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	medID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	dev := model.NewDevice(devID, "/dev/d1", "dir", 1)

	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	_ = store.DeviceUpsert(dev.ID, dev.Path, dev.Model)

	hlt := health.New(store, 1)
	locks := lock.New(store, "host-a")
	batch := syncbatch.New(func(cmn.Family) cfg.SyncThresholds {
		return cfg.SyncThresholds{NbReq: 1, WSizeKB: 1 << 20, TimeMS: time.Hour}
	})
	med := model.NewMedium(medID, "dir", model.FSPosix, 1)
	med.CapFree = 10 // smaller than the write below
	mediumLK := func(id cmn.ResID) (*model.Medium, bool) {
		if id == medID {
			return med, true
		}
		return nil, false
	}
	ad := Adapters{Dev: &fakeDevAdapter{}, FS: &fakeFS{}, Lib: fakeLib{}}
	w := New(dev, ad, hlt, locks, batch, "/mnt/phobos", 0, time.Millisecond, mediumLK)

	req := writeRequest(1, medID)
	sub := &model.SubRequest{Parent: req, Device: devID, Medium: medID}

	go w.Run()
	defer w.Shutdown()

	w.Submit(sub)
	select {
	case r := <-w.Results():
		if r.Err == nil || !cmn.IsNoSpace(r.Err) {
			t.Fatalf("expected a no-space error, got %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	med.Lock_()
	putFlag := med.Flags.Put
	med.Unlock_()
	if putFlag {
		t.Fatal("medium must be forced read-only (flags.put=false) after ENOSPC")
	}
	if dev.Health != 1 {
		t.Fatalf("ENOSPC must not decrement health, got %d", dev.Health)
	}
}

func TestShutdownEmitsESHUTDOWNForQueued(t *testing.T) {
	devID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	medID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	dev := model.NewDevice(devID, "/dev/d1", "dir", 1)

	w, _ := newTestWorker(t, dev, nil, nil)
	sub := &model.SubRequest{Parent: &model.Request{Kind: model.KindWriteAllocate}, Device: devID, Medium: medID}
	w.Submit(sub)
	<-w.in // consume the wake-up so the loop only sees the stop signal

	// Stop before the loop starts, so the sub-request is still queued when
	// Run observes the stop and drains the queue.
	close(w.stop)
	go w.Run()
	<-w.done

	select {
	case r := <-w.Results():
		if r.Sub != sub {
			t.Fatalf("expected the queued sub-request back, got %+v", r.Sub)
		}
		if cmn.KindOf(r.Err) != cmn.KindShutdown {
			t.Fatalf("expected ESHUTDOWN for the queued sub-request, got %v", r.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result for the queued sub-request")
	}
}
