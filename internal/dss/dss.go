// Package dss defines the collaborator interface the LRS core requires from
// the shared cluster database (§6 "DSS database interface"), and is kept
// free of any particular backend so production deployments can swap in the
// real cluster DSS while tests and single-node daemons use the embedded
// reference implementation in dss/buntdss.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package dss

import (
	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/model"
)

// Client is the DSS collaborator interface (§6). Every thread that speaks to
// the DSS holds its own Client handle — the DSS handle is not thread-safe by
// contract, mirroring §5 "Thread-local DSS handle".
type Client interface {
	// Resource catalog mirroring.
	DeviceUpsert(id cmn.ResID, path, model string) error
	DeviceUpdateStatus(id cmn.ResID, status model.AdmStatus) error
	MediumUpsert(id cmn.ResID, mtype string) error
	MediumUpdateStatus(id cmn.ResID, status model.AdmStatus) error
	MediumHealth(id cmn.ResID) (int, error)

	// Cooperative locking, keyed on (hostname, pid) (§3 "Lock record", §4.7).
	DeviceLock(id cmn.ResID, owner *model.LockRecord) error
	DeviceUnlock(id cmn.ResID, owner *model.LockRecord) error
	MediumLock(id cmn.ResID, owner *model.LockRecord) error
	MediumUnlock(id cmn.ResID, owner *model.LockRecord) error
	LockOwner(id cmn.ResID) (*model.LockRecord, bool)

	// Object/layout metadata, required by §6 but not exercised by the LRS
	// core itself (payload bytes are out of scope, §1) — kept here so a
	// production Client implementation has a single interface to satisfy.
	ObjectGet(bucket, key string) ([]byte, bool, error)
	ObjectInsert(bucket, key string, layoutRef string) error
	LayoutGet(bucket, key string) (string, bool, error)
	DeprecatedObjectGet(bucket, key string) ([]byte, bool, error)

	Close() error
}

// ErrConflict is returned by *Lock when the resource is already locked by a
// different owner (§4.7 "Conflict"): EEXIST at the DSS layer, translated by
// callers into KindLockConflict.
var ErrConflict = cmn.NewError(cmn.KindLockConflict, "", cmn.ErrLockConflict)
