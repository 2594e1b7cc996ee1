package model

import "github.com/cea-hpc/phobos/internal/cmn"

// section identifies one of the four partitions of a ReadMediaList (§3).
type section int

const (
	secAllocated section = iota
	secFree
	secUnavailable
	secError
)

// candidate is one entry of the read-media list: a medium identifier plus
// which section currently holds it.
type candidate struct {
	id  cmn.ResID
	sec section
}

// ReadMediaList is the ordered partition of a read request's candidate media:
// [Allocated | Free | Unavailable | Error] (§3). Each entry carries its
// section tag and keeps its position in the list; section sizes are counted
// from the tags on every call rather than stored.
type ReadMediaList struct {
	items     []candidate
	NRequired int // how many Allocated entries the request needs
}

// NewReadMediaList builds the list with every candidate starting out Free.
func NewReadMediaList(ids []cmn.ResID, nRequired int) *ReadMediaList {
	items := make([]candidate, len(ids))
	for i, id := range ids {
		items[i] = candidate{id: id, sec: secFree}
	}
	return &ReadMediaList{items: items, NRequired: nRequired}
}

func (l *ReadMediaList) count(s section) int {
	n := 0
	for _, c := range l.items {
		if c.sec == s {
			n++
		}
	}
	return n
}

func (l *ReadMediaList) Total() int        { return len(l.items) }
func (l *ReadMediaList) NAllocated() int   { return l.count(secAllocated) }
func (l *ReadMediaList) NFree() int        { return l.count(secFree) }
func (l *ReadMediaList) NUnavailable() int { return l.count(secUnavailable) }
func (l *ReadMediaList) NError() int       { return l.count(secError) }

// Invariant checks Allocated+Free+Unavailable+Error == total (§3, §8).
func (l *ReadMediaList) Invariant() bool {
	return l.NAllocated()+l.NFree()+l.NUnavailable()+l.NError() == l.Total()
}

// Free returns the identifiers currently in the Free section, in list order;
// used by the I/O scheduler to walk candidates (§4.5).
func (l *ReadMediaList) Free() []cmn.ResID {
	var out []cmn.ResID
	for _, c := range l.items {
		if c.sec == secFree {
			out = append(out, c.id)
		}
	}
	return out
}

// FreeEntry pairs a Free-section medium with its index in the list, needed
// by the read scheduler to call Allocate/ToUnavailable/ToError by index
// without re-searching (§4.5 "walk the candidate read-media list's Free
// section").
type FreeEntry struct {
	Index int
	ID    cmn.ResID
}

// FreeEntries is like Free but also returns each candidate's list index.
func (l *ReadMediaList) FreeEntries() []FreeEntry {
	var out []FreeEntry
	for i, c := range l.items {
		if c.sec == secFree {
			out = append(out, FreeEntry{Index: i, ID: c.id})
		}
	}
	return out
}

func (l *ReadMediaList) indexOf(id cmn.ResID) int {
	for i, c := range l.items {
		if c.id == id {
			return i
		}
	}
	return -1
}

// Allocate swaps a Free entry to Allocated (§4.5 "on success swap the chosen
// entry to Allocated").
func (l *ReadMediaList) Allocate(id cmn.ResID) bool {
	i := l.indexOf(id)
	if i < 0 || l.items[i].sec != secFree {
		return false
	}
	l.items[i].sec = secAllocated
	return true
}

// ToUnavailable moves an entry (typically Free, owned by another host) to
// Unavailable — e.g. ownership conflict during read-allocate (§4.7, §8 scenario 5).
func (l *ReadMediaList) ToUnavailable(id cmn.ResID) bool {
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.items[i].sec = secUnavailable
	return true
}

// ToError moves an Allocated entry that has definitively failed to Error
// (§3 "on final failure, Allocated contains exactly one failed medium which
// is then swapped to Error").
func (l *ReadMediaList) ToError(id cmn.ResID) bool {
	i := l.indexOf(id)
	if i < 0 {
		return false
	}
	l.items[i].sec = secError
	return true
}

// Requeue implements the policy decided for §9 Open Question #2: the source's
// exact ordering of previously-failed versus previously-unavailable entries
// after a reset is undocumented, so this implementation specifies its own:
// on Requeue, Unavailable entries are merged back into Free (a resource
// unavailable because another host held it may have become available by
// the time of the retry), while Error entries are sticky for the lifetime
// of the request — a medium that definitively failed is never reconsidered.
// This keeps retries converging instead of re-trying a medium that just
// proved broken.
func (l *ReadMediaList) Requeue() {
	for i := range l.items {
		if l.items[i].sec == secUnavailable {
			l.items[i].sec = secFree
		}
	}
}
