package loop

import (
	"testing"
	"time"

	"github.com/cea-hpc/phobos/internal/adapter"
	"github.com/cea-hpc/phobos/internal/cfg"
	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/device"
	"github.com/cea-hpc/phobos/internal/dss/buntdss"
	"github.com/cea-hpc/phobos/internal/health"
	"github.com/cea-hpc/phobos/internal/lock"
	"github.com/cea-hpc/phobos/internal/model"
	"github.com/cea-hpc/phobos/internal/sched"
	"github.com/cea-hpc/phobos/internal/syncbatch"
)

type noopDev struct{}

func (noopDev) Lookup(serial string) (string, error)              { return serial, nil }
func (noopDev) Query(path string) (adapter.DeviceState, error)     { return adapter.DevStateEmpty, nil }
func (noopDev) Load(path string, medium cmn.ResID) error           { return nil }
func (noopDev) Eject(path string) error                            { return nil }

type noopFS struct{}

func (noopFS) Mount(devicePath, mountPoint string) error   { return nil }
func (noopFS) Umount(devicePath, mountPoint string) error  { return nil }
func (noopFS) Format(devicePath, label string) error       { return nil }
func (noopFS) Statfs(mountPoint string) (adapter.FSInfo, error) { return adapter.FSInfo{}, nil }
func (noopFS) Sync(mountPoint string) error                 { return nil }

type noopLib struct{}

func (noopLib) Open(cmn.Family) error                   { return nil }
func (noopLib) Close() error                            { return nil }
func (noopLib) DriveLookup(string) (string, error)       { return "", nil }
func (noopLib) MediaLookup(string) (string, error)       { return "", nil }
func (noopLib) MediaMove(string, string) error           { return nil }
func (noopLib) Scan() ([]adapter.LibraryEntry, error)    { return nil, nil }

type recordingResponder struct {
	got []*model.Request
}

func (r *recordingResponder) Respond(req *model.Request) { r.got = append(r.got, req) }

func setup(t *testing.T) (*Loop, *recordingResponder, cmn.ResID) {
	t.Helper()
	store, err := buntdss.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	devID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "d1", Library: "lib0"}
	_ = store.DeviceUpsert(devID, "/d1", "dir")
	dev := model.NewDevice(devID, "/d1", "dir", 1)

	hlt := health.New(store, 1)
	locks := lock.New(store, "host-a")
	batch := syncbatch.New(func(cmn.Family) cfg.SyncThresholds {
		return cfg.SyncThresholds{NbReq: 1, WSizeKB: 1 << 20, TimeMS: time.Hour}
	})
	medID := cmn.ResID{Family: cmn.FamilyDirectory, Name: "m1", Library: "lib0"}
	med := model.NewMedium(medID, "dir", model.FSPosix, 1)
	med.CapFree = 1 << 30

	mediumLK := func(id cmn.ResID) (*model.Medium, bool) {
		if id == medID {
			return med, true
		}
		return nil, false
	}

	ad := device.Adapters{Dev: noopDev{}, FS: noopFS{}, Lib: noopLib{}}
	w := device.New(dev, ad, hlt, locks, batch, "/mnt/phobos", 0, time.Millisecond, mediumLK)

	deviceLK := func(id cmn.ResID) (*model.Device, bool) {
		if id == devID {
			return dev, true
		}
		return nil, false
	}
	mountedOn := func(cmn.ResID) (cmn.ResID, bool) { return cmn.ResID{}, false }

	ws := sched.NewWrite("best_fit", func() []*model.Medium { return []*model.Medium{med} }, deviceLK)
	rs := sched.NewRead(sched.ReadFIFO, deviceLK, mountedOn)
	fs := sched.NewFormat(deviceLK, mountedOn)
	group := &sched.Group{Write: ws, Read: rs, Format: fs}

	resp := &recordingResponder{}
	workers := map[cmn.ResID]*device.Worker{devID: w}
	l := New(cmn.FamilyDirectory, group, resp, workers, []string{"write", "read", "format"}, 8, 10*time.Millisecond)
	return l, resp, devID
}

func TestLoopRoutesAndDispatchesWriteAllocate(t *testing.T) {
	l, _, devID := setup(t)
	w := l.workers[devID]
	go w.Run()
	defer w.Shutdown()

	req := &model.Request{Kind: model.KindWriteAllocate, Write: &model.WriteSpec{NMedia: 1, SizeBytes: 10, Family: cmn.FamilyDirectory}}
	l.route(req)
	if l.group.Write.QueueLen() != 1 {
		t.Fatal("write-allocate must be routed into the write scheduler")
	}

	l.group.Write.AddDevice(devID)
	l.tick()

	if l.group.Write.QueueLen() != 0 {
		t.Fatal("request should have been dequeued once a pair was found")
	}
	if len(req.Subs()) != 1 {
		t.Fatalf("expected one sub-request created, got %d", len(req.Subs()))
	}

	// give the worker time to process and the loop time to collect
	deadline := time.After(2 * time.Second)
	for {
		l.collectResults()
		if req.Done() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("request never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLoopRoutesNonSchedulerKindsDirectly(t *testing.T) {
	l, resp, _ := setup(t)
	req := &model.Request{Kind: model.KindPing}
	l.route(req)
	if len(resp.got) != 1 || resp.got[0] != req {
		t.Fatal("ping must be responded to directly, not queued in a C5 scheduler")
	}
}
