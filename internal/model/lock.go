package model

import "time"

// LockRecord is the DSS cooperative lock carried on every device and medium
// owned by a running LRS (§3 "Lock record", §4.7).
//
// Invariant: a lock with IsEarly=true represents a lock taken before the
// resource is fully ready; it converts to a normal lock on success or is
// released on abort (§3). Two hosts may not simultaneously hold a
// non-early lock on the same resource.
type LockRecord struct {
	Hostname  string
	OwnerPID  int
	Timestamp time.Time
	IsEarly   bool
}

// Owner reports whether this lock is held by the given (hostname, pid).
func (l *LockRecord) Owner(hostname string, pid int) bool {
	return l != nil && l.Hostname == hostname && l.OwnerPID == pid
}

// NewLock builds a lock record stamped with the current time; is-early
// governs whether it still needs to be confirmed (multi-step operations,
// §4.7 "early locks").
func NewLock(hostname string, pid int, early bool) *LockRecord {
	return &LockRecord{Hostname: hostname, OwnerPID: pid, Timestamp: time.Now(), IsEarly: early}
}

// Confirm converts an early lock into a normal one on success (§3 invariant).
func (l *LockRecord) Confirm() {
	if l != nil {
		l.IsEarly = false
	}
}
