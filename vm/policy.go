package vm

import (
	"github.com/oichkatzele/fosmem/defs"
	"github.com/oichkatzele/fosmem/proc"
)

// Policy_i is the pluggable working-set replacement policy. Each
// implementation picks which resident working-set slot to evict when
// a fault arrives and the set is already at PageWSMaxSize, per
// spec.md §4.D step 6. All of them read/clear the page-table's
// USED/MODIFIED bits through as.PT rather than keeping their own
// shadow state, so the bits the hardware (or its reference stand-in)
// actually set are the ones driving eviction.
type Policy_i interface {
	Name() string
	SelectVictim(as *Vm_t) int
}

// dynamicLocalAdjuster_i is implemented by policies that want a chance
// to resize the working set on every placement fault, before eviction
// is attempted. DynamicLocal_t is the only implementation.
type dynamicLocalAdjuster_i interface {
	Adjust(as *Vm_t)
}

func residentSlots(ws []proc.WSElem_t) []int {
	idxs := make([]int, 0, len(ws))
	for i, e := range ws {
		if !e.Empty {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

/// Clock_t is the single-bit CLOCK policy: sweep the working set from
/// the hand, evicting the first slot whose USED bit is clear, clearing
/// USED (the "second chance") on everything it passes over first.
type Clock_t struct{}

func (Clock_t) Name() string { return "clock" }

func (Clock_t) SelectVictim(as *Vm_t) int {
	ws := as.Proc.PageWS
	n := len(ws)
	for i := 0; i < 2*n; i++ {
		idx := as.hand
		as.hand = (as.hand + 1) % n
		e := &ws[idx]
		if e.Empty {
			continue
		}
		_, perm, ok := as.PT.GetFrameInfo(as.PD, e.VA)
		if !ok || perm&defs.PERM_USED == 0 {
			return idx
		}
		as.PT.SetPerm(as.PD, e.VA, perm&^defs.PERM_USED)
	}
	panic("vm: clock swept twice without finding a victim")
}

/// ModifiedClock_t is the enhanced (four-class) second-chance policy:
/// prefer evicting a (used=0,modified=0) slot, then (used=0,mod=1),
/// clearing USED bits on one pass before trying again, then finally
/// accept a (used=1,...) slot rather than loop forever.
type ModifiedClock_t struct{}

func (ModifiedClock_t) Name() string { return "modified-clock" }

func (mc ModifiedClock_t) SelectVictim(as *Vm_t) int {
	ws := as.Proc.PageWS
	n := len(ws)
	for pass := 0; pass < 3; pass++ {
		for i := 0; i < n; i++ {
			idx := (as.hand + i) % n
			e := &ws[idx]
			if e.Empty {
				continue
			}
			_, perm, ok := as.PT.GetFrameInfo(as.PD, e.VA)
			if !ok {
				as.hand = (idx + 1) % n
				return idx
			}
			used := perm&defs.PERM_USED != 0
			mod := perm&defs.PERM_MODIFIED != 0
			switch pass {
			case 0:
				if !used && !mod {
					as.hand = (idx + 1) % n
					return idx
				}
			case 1:
				if !used && mod {
					as.hand = (idx + 1) % n
					return idx
				}
				as.PT.SetPerm(as.PD, e.VA, perm&^defs.PERM_USED)
			case 2:
				as.hand = (idx + 1) % n
				return idx
			}
		}
	}
	panic("vm: modified-clock found no victim across three passes")
}

// ensureChances grows as.chances to length n, zero-filling any new
// slots, so NChanceClock_t's per-slot sweep counters stay aligned with
// a working set that grows one slot at a time.
func (as *Vm_t) ensureChances(n int) {
	if len(as.chances) >= n {
		return
	}
	grown := make([]int, n)
	copy(grown, as.chances)
	as.chances = grown
}

/// NChanceClock_t is CLOCK with a per-page reprieve count: a page is
/// evicted on the Nth consecutive sighting of the hand with USED clear,
/// so it survives N-1 such sightings (N=1 is plain CLOCK).
/// Any sighting with USED set resets its chance counter to zero, same
/// as plain CLOCK's second-chance rule.
type NChanceClock_t struct {
	N int // chances before eviction; <= 0 behaves like plain CLOCK's N=1
}

func (NChanceClock_t) Name() string { return "n-chance-clock" }

func (nc NChanceClock_t) SelectVictim(as *Vm_t) int {
	ws := as.Proc.PageWS
	n := len(ws)
	as.ensureChances(n)
	limit := nc.N
	if limit <= 0 {
		limit = 1
	}
	for i := 0; i < 2*n*(limit+1); i++ {
		idx := as.hand
		as.hand = (as.hand + 1) % n
		e := &ws[idx]
		if e.Empty {
			continue
		}
		_, perm, ok := as.PT.GetFrameInfo(as.PD, e.VA)
		if !ok {
			as.chances[idx] = 0
			return idx
		}
		if perm&defs.PERM_USED != 0 {
			as.PT.SetPerm(as.PD, e.VA, perm&^defs.PERM_USED)
			as.chances[idx] = 0
			continue
		}
		as.chances[idx]++
		if as.chances[idx] >= limit {
			as.chances[idx] = 0
			return idx
		}
	}
	panic("vm: n-chance clock swept without finding a victim")
}

// Dynamic-local working-set sizing thresholds, in tick() units (see
// fault.go's tick, the same logical clock LRU_t uses for timestamps).
// Faults closer together than dynFastTicks suggest the working set is
// thrashing and should grow; faults farther apart than dynSlowTicks
// suggest it is oversized and can shrink.
const (
	dynFastTicks = 3
	dynSlowTicks = 50
	dynMinWS     = 2
	dynMaxWS     = 64
)

/// DynamicLocal_t is the page-fault-frequency variant of local
/// replacement: eviction always picks a victim from the faulting
/// process's own working set (as every policy in this package already
/// does — there is no global frame pool to steal from), but the
/// working-set's target size is grown or shrunk between faults
/// according to how often they arrive, per spec.md §6's DYNAMIC-LOCAL
/// entry. Victim selection itself reuses CLOCK's sweep.
type DynamicLocal_t struct{}

func (DynamicLocal_t) Name() string { return "dynamic-local" }

func (DynamicLocal_t) Adjust(as *Vm_t) {
	now := tick()
	if as.dynLastFault != 0 {
		interval := now - as.dynLastFault
		switch {
		case interval < dynFastTicks && as.Proc.PageWSMaxSize < dynMaxWS:
			as.Proc.PageWSMaxSize++
		case interval > dynSlowTicks && as.Proc.PageWSMaxSize > dynMinWS:
			as.Proc.PageWSMaxSize--
		}
	}
	as.dynLastFault = now
}

func (DynamicLocal_t) SelectVictim(as *Vm_t) int {
	return Clock_t{}.SelectVictim(as)
}

/// LRU_t approximates least-recently-used via each working-set
/// element's timestamp, per spec.md's LRU-time-approx policy (a real
/// LRU stack is not modeled). The fault handler sets the timestamp when
/// it places the page; nothing in this module refreshes it on later
/// accesses.
type LRU_t struct{}

func (LRU_t) Name() string { return "lru-time-approx" }

func (LRU_t) SelectVictim(as *Vm_t) int {
	ws := as.Proc.PageWS
	victim := -1
	var oldest int64
	for i, e := range ws {
		if e.Empty {
			continue
		}
		if victim == -1 || e.TimeStamp < oldest {
			victim = i
			oldest = e.TimeStamp
		}
	}
	if victim == -1 {
		panic("vm: lru found no resident slot to evict")
	}
	return victim
}

/// Optimal_t is Belady's offline oracle: evict whichever resident page
/// is referenced furthest in the future (or never again), per
/// spec.md's get_optimal_num_faults. It requires as.Proc's reference
/// stream to be populated in advance; a real policy could never do
/// this online, which is exactly why spec.md calls it out as a
/// theoretical baseline rather than a deployable policy.
type Optimal_t struct{}

func (Optimal_t) Name() string { return "optimal" }

func (Optimal_t) SelectVictim(as *Vm_t) int {
	ws := as.Proc.PageWS
	future := as.Proc.NextStreamRef()
	victim := -1
	farthest := -1
	for i, e := range ws {
		if e.Empty {
			continue
		}
		dist := distanceToNextUse(e.VA, future)
		if victim == -1 || dist > farthest {
			victim = i
			farthest = dist
		}
	}
	if victim == -1 {
		panic("vm: optimal found no resident slot to evict")
	}
	return victim
}

func distanceToNextUse(va uintptr, stream []uintptr) int {
	for i, ref := range stream {
		if ref == va {
			return i
		}
	}
	return len(stream) // never referenced again: maximal distance
}
