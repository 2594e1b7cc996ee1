package model

import (
	"sync"

	"github.com/cea-hpc/phobos/internal/cmn"
)

// State is the device's operational state (§4.3 state machine).
type State int

const (
	StateEmpty State = iota
	StateLoaded
	StateMounted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoaded:
		return "loaded"
	case StateMounted:
		return "mounted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SyncAccum is the per-device sync-batching accumulator (§3, §4.8).
type SyncAccum struct {
	Count    int
	Bytes    int64
	OldestNS int64 // monotonic nanoseconds of the oldest pending release
}

// Device is a physical read/write unit (§3 "Device").
type Device struct {
	mu sync.Mutex

	ID          cmn.ResID
	Model       string
	AdmStatus   AdmStatus
	Host        string // FQDN short form
	Path        string
	State       State
	Loaded      *cmn.ResID // currently loaded medium id, nil when empty
	MountPoint  string
	Lock        *LockRecord
	Health      int
	Sync        SyncAccum
	queue       []*SubRequest // per-device FIFO, insertion order preserved (§4.3)
}

func NewDevice(id cmn.ResID, path, model string, maxHealth int) *Device {
	return &Device{
		ID:        id,
		Path:      path,
		Model:     model,
		AdmStatus: AdmUnlocked,
		State:     StateEmpty,
		Health:    maxHealth,
	}
}

func (d *Device) Lock_() { d.mu.Lock() }
func (d *Device) Unlock_() { d.mu.Unlock() }

// IsFailed mirrors Medium.IsFailed's invariant for devices (§4.1 (ii), §8).
func (d *Device) IsFailed() bool {
	return d.Health == 0 || d.AdmStatus == AdmFailed
}

// PushSubRequest appends to the tail of the per-device FIFO, preserving
// insertion order (§4.3 "Per-device sub-request queue").
func (d *Device) PushSubRequest(s *SubRequest) {
	d.queue = append(d.queue, s)
}

// HeadSubRequest returns (without removing) the sub-request that determines
// the device's next required mounted medium (§4.3).
func (d *Device) HeadSubRequest() *SubRequest {
	if len(d.queue) == 0 {
		return nil
	}
	return d.queue[0]
}

// PopSubRequest removes and returns the head sub-request.
func (d *Device) PopSubRequest() *SubRequest {
	if len(d.queue) == 0 {
		return nil
	}
	s := d.queue[0]
	d.queue = d.queue[1:]
	return s
}

// DrainSubRequests removes and returns every queued sub-request, used on
// shutdown to emit ESHUTDOWN to each of them (§4.3 "Cancellation").
func (d *Device) DrainSubRequests() []*SubRequest {
	q := d.queue
	d.queue = nil
	return q
}

func (d *Device) QueueLen() int { return len(d.queue) }
