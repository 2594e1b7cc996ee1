// Package buntdss is the reference DSS implementation: an embedded, ACID,
// in-process key/value store satisfying dss.Client, used by single-node
// daemons, the §8 scenario tests, and anywhere a full cluster DSS would be
// overkill. Grounded on github.com/tidwall/buntdb, already present in the
// teacher's go.mod.
/*
 * Copyright (c) 2018-2024, CEA. All rights reserved.
 */
package buntdss

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/cea-hpc/phobos/internal/cmn"
	"github.com/cea-hpc/phobos/internal/dss"
	"github.com/cea-hpc/phobos/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type lockRow struct {
	Hostname  string    `json:"hostname"`
	OwnerPID  int       `json:"owner_pid"`
	Timestamp time.Time `json:"timestamp"`
	IsEarly   bool      `json:"is_early"`
}

type deviceRow struct {
	Path      string `json:"path"`
	Model     string `json:"model"`
	AdmStatus int    `json:"adm_status"`
}

type mediumRow struct {
	Type      string `json:"type"`
	AdmStatus int    `json:"adm_status"`
	Health    int    `json:"health"`
}

// Store wraps a buntdb.DB to implement dss.Client. Open ":memory:" for
// ephemeral/test use or a file path for a persisted single-node store.
type Store struct {
	db        *buntdb.DB
	maxHealth int
}

func Open(path string, maxHealth int) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb %s: %w", path, err)
	}
	return &Store{db: db, maxHealth: maxHealth}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func devKey(id cmn.ResID) string  { return "dev/" + id.String() }
func medKey(id cmn.ResID) string  { return "med/" + id.String() }
func lockKey(id cmn.ResID) string { return "lock/" + id.String() }

func (s *Store) DeviceUpsert(id cmn.ResID, path, modelName string) error {
	row := deviceRow{Path: path, Model: modelName, AdmStatus: int(model.AdmUnlocked)}
	buf, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(devKey(id), string(buf), nil)
		return err
	})
}

func (s *Store) DeviceUpdateStatus(id cmn.ResID, status model.AdmStatus) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(devKey(id))
		if err != nil {
			return err
		}
		var row deviceRow
		if err := json.Unmarshal([]byte(val), &row); err != nil {
			return err
		}
		row.AdmStatus = int(status)
		buf, err := json.Marshal(row)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(devKey(id), string(buf), nil)
		return err
	})
}

func (s *Store) MediumUpsert(id cmn.ResID, mtype string) error {
	row := mediumRow{Type: mtype, AdmStatus: int(model.AdmLocked), Health: s.maxHealth}
	buf, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(medKey(id), string(buf), nil)
		return err
	})
}

func (s *Store) MediumUpdateStatus(id cmn.ResID, status model.AdmStatus) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(medKey(id))
		if err != nil {
			return err
		}
		var row mediumRow
		if err := json.Unmarshal([]byte(val), &row); err != nil {
			return err
		}
		row.AdmStatus = int(status)
		if status == model.AdmFailed {
			row.Health = 0
		}
		buf, err := json.Marshal(row)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(medKey(id), string(buf), nil)
		return err
	})
}

func (s *Store) MediumHealth(id cmn.ResID) (int, error) {
	var h int
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(medKey(id))
		if err != nil {
			return err
		}
		var row mediumRow
		if err := json.Unmarshal([]byte(val), &row); err != nil {
			return err
		}
		h = row.Health
		return nil
	})
	return h, err
}

// lock acquires a generic cooperative lock at key, returning dss.ErrConflict
// if another owner already holds it (§4.7 "Conflict").
func (s *Store) lock(key string, owner *model.LockRecord) error {
	row := lockRow{Hostname: owner.Hostname, OwnerPID: owner.OwnerPID, Timestamp: owner.Timestamp, IsEarly: owner.IsEarly}
	buf, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *buntdb.Tx) error {
		existing, err := tx.Get(key)
		if err == nil {
			var cur lockRow
			if jerr := json.Unmarshal([]byte(existing), &cur); jerr == nil {
				if cur.Hostname != owner.Hostname || cur.OwnerPID != owner.OwnerPID {
					return dss.ErrConflict
				}
			}
		}
		_, _, err = tx.Set(key, string(buf), nil)
		return err
	})
}

func (s *Store) unlock(key string, owner *model.LockRecord) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		existing, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var cur lockRow
		if jerr := json.Unmarshal([]byte(existing), &cur); jerr == nil {
			if cur.Hostname != owner.Hostname || cur.OwnerPID != owner.OwnerPID {
				return dss.ErrConflict
			}
		}
		_, err = tx.Delete(key)
		return err
	})
}

func (s *Store) DeviceLock(id cmn.ResID, owner *model.LockRecord) error {
	return s.lock(lockKey(id), owner)
}
func (s *Store) DeviceUnlock(id cmn.ResID, owner *model.LockRecord) error {
	return s.unlock(lockKey(id), owner)
}
func (s *Store) MediumLock(id cmn.ResID, owner *model.LockRecord) error {
	return s.lock(lockKey(id), owner)
}
func (s *Store) MediumUnlock(id cmn.ResID, owner *model.LockRecord) error {
	return s.unlock(lockKey(id), owner)
}

func (s *Store) LockOwner(id cmn.ResID) (*model.LockRecord, bool) {
	var rec *model.LockRecord
	_ = s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(lockKey(id))
		if err != nil {
			return nil
		}
		var row lockRow
		if err := json.Unmarshal([]byte(val), &row); err != nil {
			return nil
		}
		rec = &model.LockRecord{Hostname: row.Hostname, OwnerPID: row.OwnerPID, Timestamp: row.Timestamp, IsEarly: row.IsEarly}
		return nil
	})
	return rec, rec != nil
}

// Object/layout metadata: not exercised by the LRS core (payload bytes are
// out of scope, §1), kept only so Store satisfies dss.Client end to end for
// callers that need the full collaborator surface (e.g. integration tests
// that also drive the object-store API layered on top of the LRS).
func (s *Store) ObjectGet(bucket, key string) ([]byte, bool, error) {
	var val string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get("obj/" + bucket + "/" + key)
		if err != nil {
			return nil
		}
		val = v
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if val == "" {
		return nil, false, nil
	}
	return []byte(val), true, nil
}

func (s *Store) ObjectInsert(bucket, key, layoutRef string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("obj/"+bucket+"/"+key, layoutRef, nil)
		return err
	})
}

func (s *Store) LayoutGet(bucket, key string) (string, bool, error) {
	buf, ok, err := s.ObjectGet(bucket, key)
	return string(buf), ok, err
}

func (s *Store) DeprecatedObjectGet(bucket, key string) ([]byte, bool, error) {
	return s.ObjectGet(bucket, key)
}

var _ dss.Client = (*Store)(nil)
