package sched

import (
	"github.com/cea-hpc/phobos/internal/cmn"
)

// Group is the three schedulers sharing one family's device pool, the unit
// DispatchDevices rebalances (§4.5 "Device dispatch").
type Group struct {
	Write  *WriteScheduler
	Read   *ReadScheduler
	Format *FormatScheduler
}

func (g *Group) members() [3]Scheduler {
	return [3]Scheduler{g.Write, g.Read, g.Format}
}

// pendingCounts returns (reads, writes, formats) queue depths used to
// compute weights.
func (g *Group) pendingCounts() (reads, writes, formats int) {
	return g.Read.QueueLen(), g.Write.QueueLen(), g.Format.QueueLen()
}

// DispatchDevices recomputes per-scheduler weights = (reads, writes,
// formats) / total and (re)assigns the family's devices proportionally,
// with monotone hysteresis: a device already assigned and currently
// mid-operation (non-empty queue) is never reclaimed (§4.5 "Device
// dispatch"). allDevices is the full set of devices owned by this family,
// independent of current per-scheduler assignment.
func DispatchDevices(g *Group, allDevices []cmn.ResID, queueLen func(cmn.ResID) int) {
	reads, writes, formats := g.pendingCounts()
	total := reads + writes + formats
	if total == 0 {
		// Nothing pending: leave the current assignment untouched rather
		// than thrash devices back and forth with no work to justify it.
		return
	}

	targets := map[Scheduler]int{
		g.Write:  shareOf(writes, total, len(allDevices)),
		g.Read:   shareOf(reads, total, len(allDevices)),
		g.Format: shareOf(formats, total, len(allDevices)),
	}

	assigned := make(map[cmn.ResID]Scheduler)
	for _, s := range g.members() {
		for _, id := range s.Devices() {
			assigned[id] = s
		}
	}

	// Hysteresis: devices mid-operation keep their current owner no matter
	// what the new targets say.
	busy := make(map[cmn.ResID]bool)
	for id := range assigned {
		if queueLen(id) > 0 {
			busy[id] = true
		}
	}

	counts := map[Scheduler]int{}
	for id, s := range assigned {
		if busy[id] {
			counts[s]++
		}
	}

	unassignedOrFree := make([]cmn.ResID, 0, len(allDevices))
	for _, id := range allDevices {
		if busy[id] {
			continue
		}
		unassignedOrFree = append(unassignedOrFree, id)
	}

	// Release every free device from its current owner, then hand them out
	// to satisfy each scheduler's remaining target.
	for _, id := range unassignedOrFree {
		if owner, ok := assigned[id]; ok {
			owner.RemoveDevice(id)
		}
	}
	for _, s := range g.members() {
		need := targets[s] - counts[s]
		for need > 0 && len(unassignedOrFree) > 0 {
			id := unassignedOrFree[0]
			unassignedOrFree = unassignedOrFree[1:]
			s.AddDevice(id)
			need--
		}
	}
	// Any leftover devices (rounding remainder) go to write, matching the
	// default scheduling priority write > read > format (§4.6).
	for _, id := range unassignedOrFree {
		g.Write.AddDevice(id)
	}
}

func shareOf(count, total, ndevices int) int {
	if total == 0 {
		return 0
	}
	return (count * ndevices) / total
}
