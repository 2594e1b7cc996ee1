package cmn

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
)

// Family is the resource class; it determines adapter selection (§3, §5 GLOSSARY).
type Family string

const (
	FamilyTape          Family = "tape"
	FamilyDirectory     Family = "directory"
	FamilyRadosPool     Family = "rados-pool"
	FamilyDiskReserved  Family = "disk-reserved"
)

// ResID is the global resource identifier: the triple (family, name, library).
// Equality is componentwise; hashing combines all three (§3 "Resource identifier").
type ResID struct {
	Family  Family
	Name    string
	Library string
}

func (r ResID) String() string {
	return string(r.Family) + ":" + r.Library + ":" + r.Name
}

// Hash combines the triple with xxhash, matching the teacher's choice of
// github.com/OneOfOne/xxhash for fast, non-cryptographic identifier hashing.
func (r ResID) Hash() uint64 {
	h := xxhash.New64()
	_, _ = h.WriteString(string(r.Family))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(r.Library)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(r.Name)
	return h.Sum64()
}

// ShardOf is a convenience for sharding per-family maps/locks across N buckets
// deterministically. The registry does not use it: it guards its maps with a
// single RWMutex.
func (r ResID) ShardOf(n int) int {
	if n <= 1 {
		return 0
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], r.Hash())
	return int(buf[0]) % n
}
