// Package adapter defines the three external collaborator interfaces the
// device worker drives — device, filesystem, and library adapters (§6) —
// one family-specific implementation set per resource family.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package adapter

import (
	"time"

	"github.com/cea-hpc/phobos/internal/cmn"
)

// DeviceState is the raw state a device adapter query returns, distinct
// from model.State which tracks the worker's own state machine.
type DeviceState int

const (
	DevStateEmpty DeviceState = iota
	DevStateLoaded
	DevStateError
)

// Device is the per-family device adapter (§6 "Device adapter interface").
type Device interface {
	// Lookup resolves a serial number to a device path.
	Lookup(serial string) (path string, err error)
	// Query reports the drive's current state (loaded/empty/error).
	Query(path string) (DeviceState, error)
	// Load moves a medium into the given drive.
	Load(path string, medium cmn.ResID) error
	// Eject removes whatever medium is currently in the drive.
	Eject(path string) error
}

// FSInfo is the result of a Statfs call.
type FSInfo struct {
	UsedBytes  int64
	FreeBytes  int64
	ReadOnly   bool
}

// Filesystem is the per-family filesystem adapter (§6 "Filesystem adapter
// interface").
type Filesystem interface {
	Mount(devicePath, mountPoint string) error
	Umount(devicePath, mountPoint string) error
	Format(devicePath, label string) error
	Statfs(mountPoint string) (FSInfo, error)
	Sync(mountPoint string) error
}

// LibraryEntry is one row of a library scan (§6 "scan() -> listing").
type LibraryEntry struct {
	Address string
	Medium  cmn.ResID
	IsDrive bool
}

// Library is the per-family library adapter (§6 "Library adapter
// interface"): drive and media handling for devices fronted by a
// robotic/virtual library (tape changers, rados pool directories).
type Library interface {
	Open(family cmn.Family) error
	Close() error
	DriveLookup(serial string) (address string, err error)
	MediaLookup(label string) (address string, err error)
	MediaMove(sourceAddress, destAddress string) error
	Scan() ([]LibraryEntry, error)
}

// Timeouts for the SCSI-class operations the tape family drives through
// the device/library adapters (§5 "Cancellation & timeouts").
const (
	MoveTimeout  = 5 * time.Minute
	QueryTimeout = 1 * time.Second
)
