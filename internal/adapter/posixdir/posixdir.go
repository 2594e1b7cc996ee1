// Package posixdir implements the device, filesystem, and library adapters
// for the "directory" family (§6): a disk directory masquerading as a
// single-slot library, with no physical load/eject step.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package posixdir

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/karrick/godirwalk"

	"github.com/cea-hpc/phobos/internal/adapter"
	"github.com/cea-hpc/phobos/internal/cmn"
)

// Device is the directory family's device adapter: every "drive" is the
// directory itself, always loaded with the one medium it contains.
type Device struct{}

func NewDevice() *Device { return &Device{} }

func (Device) Lookup(serial string) (string, error) { return serial, nil }

func (Device) Query(path string) (adapter.DeviceState, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return adapter.DevStateEmpty, nil
		}
		return adapter.DevStateError, cmn.NewError(cmn.KindIO, "", err)
	}
	return adapter.DevStateLoaded, nil
}

// Load is a no-op: a directory medium is always "loaded" at its own path.
func (Device) Load(path string, medium cmn.ResID) error { return nil }

func (Device) Eject(path string) error { return nil }

// Filesystem adapts plain directory mount/format/sync semantics for the
// directory family: "mounting" creates the mount-point directory, "format"
// is mkdir -p.
type Filesystem struct{}

func NewFilesystem() *Filesystem { return &Filesystem{} }

func (Filesystem) Mount(devicePath, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o750); err != nil {
		return cmn.NewError(cmn.KindIO, "", err)
	}
	return nil
}

func (Filesystem) Umount(devicePath, mountPoint string) error { return nil }

func (Filesystem) Format(devicePath, label string) error {
	if err := os.MkdirAll(devicePath, 0o750); err != nil {
		return cmn.NewError(cmn.KindIO, "", err)
	}
	return nil
}

func (Filesystem) Statfs(mountPoint string) (adapter.FSInfo, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(mountPoint, &st); err != nil {
		if err == syscall.ENOSPC || err == syscall.EDQUOT || err == syscall.EROFS {
			return adapter.FSInfo{}, cmn.NewError(cmn.KindNoSpace, "", err)
		}
		return adapter.FSInfo{}, cmn.NewError(cmn.KindIO, "", err)
	}
	bs := uint64(st.Bsize)
	return adapter.FSInfo{
		FreeBytes: int64(st.Bavail * bs),
		UsedBytes: int64((st.Blocks - st.Bfree) * bs),
		ReadOnly:  st.Flags&syscall.MS_RDONLY != 0,
	}, nil
}

func (Filesystem) Sync(mountPoint string) error {
	f, err := os.Open(mountPoint)
	if err != nil {
		return cmn.NewError(cmn.KindIO, "", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return cmn.NewError(cmn.KindIO, "", err)
	}
	return nil
}

// Library is a degenerate single-slot library for directories: no physical
// robot, media addresses are just directory paths under a configured root,
// and Scan walks the root with godirwalk to discover existing media.
type Library struct {
	mu   sync.Mutex
	root string
}

func NewLibrary(root string) *Library {
	return &Library{root: root}
}

func (l *Library) Open(family cmn.Family) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return os.MkdirAll(l.root, 0o750)
}

func (l *Library) Close() error { return nil }

func (l *Library) DriveLookup(serial string) (string, error) {
	return filepath.Join(l.root, serial), nil
}

func (l *Library) MediaLookup(label string) (string, error) {
	return filepath.Join(l.root, label), nil
}

// MediaMove renames a directory medium between two addresses under root;
// directories have no physical transport, so this is the whole operation.
func (l *Library) MediaMove(sourceAddress, destAddress string) error {
	if err := os.Rename(sourceAddress, destAddress); err != nil {
		return cmn.NewError(cmn.KindIO, "", err)
	}
	return nil
}

// Scan lists every top-level directory under root as a medium (plain files
// are skipped), using
// godirwalk for its allocation-light directory traversal.
func (l *Library) Scan() ([]adapter.LibraryEntry, error) {
	var out []adapter.LibraryEntry
	err := godirwalk.Walk(l.root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == l.root {
				return nil
			}
			if !de.IsDir() {
				return godirwalk.SkipThis
			}
			name := filepath.Base(path)
			out = append(out, adapter.LibraryEntry{
				Address: path,
				Medium:  cmn.ResID{Family: cmn.FamilyDirectory, Name: name, Library: "posix-dir"},
			})
			return godirwalk.SkipThis // one level deep: each subdir is one medium
		},
		Unsorted: false,
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, cmn.NewError(cmn.KindIO, "", err)
	}
	return out, nil
}

var (
	_ adapter.Device     = Device{}
	_ adapter.Filesystem = Filesystem{}
	_ adapter.Library    = (*Library)(nil)
)
