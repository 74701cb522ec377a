package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/oichkatzele/fosmem/defs"
	"github.com/oichkatzele/fosmem/diag"
	"github.com/oichkatzele/fosmem/limits"
	"github.com/oichkatzele/fosmem/mem"
	"github.com/oichkatzele/fosmem/proc"
)

/// HandleFault is the page_fault_handler entry point: spec.md §4.D's
/// fault classifier followed by the placement/replacement algorithm.
/// write reports whether the faulting access was a store (needed to
/// tell a legitimate copy-on-write fault from a genuine protection
/// violation). Returns E_FAULT for anything the caller should treat as
/// a SIGSEGV-equivalent; a zero return means the fault was resolved
/// and the instruction can be retried.
func (as *Vm_t) HandleFault(fa uintptr, write bool) defs.Err_t {
	as.Stats.Faults.Inc()
	as.noteFault(fa)

	// Step 2: bounds check. Kernel-half and unmapped regions are
	// never faults this handler resolves.
	if fa >= limits.USER_LIMIT {
		return defs.E_FAULT
	}
	region, mapped := as.lookupLocked(fa)
	if !mapped {
		return defs.E_FAULT
	}
	if write && region.Perm&defs.PERM_WRITEABLE == 0 && region.Perm&defs.PERM_COW == 0 {
		return defs.E_FAULT
	}

	va := fa &^ uintptr(limits.PAGE_SIZE-1)
	key := fmt.Sprintf("%d:%x", as.Proc.ID, va)
	_, err, _ := faultGroup.Do(key, func() (interface{}, error) {
		return nil, as.resolve(va, region, write)
	})
	if err != nil {
		return err.(defs.Err_t)
	}
	return 0
}

func (as *Vm_t) lookupLocked(fa uintptr) (Region_t, bool) {
	as.Lock_pmap()
	defer as.Unlock_pmap()
	return as.lookup(fa)
}

// resolve dispatches an already-classified fault: either it is a
// present mapping needing a copy-on-write break, or it is a true
// placement fault needing a frame from the working-set replacement
// algorithm.
func (as *Vm_t) resolve(va uintptr, region Region_t, write bool) defs.Err_t {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	frame, perm, present := as.PT.GetFrameInfo(as.PD, va)
	if present {
		if !write || perm&defs.PERM_COW == 0 {
			// The mapping already satisfies the access: another
			// goroutine resolved this fault while we waited on the
			// singleflight group, or a genuinely spurious retrap.
			return 0
		}
		return as.breakCOW(va, frame, perm)
	}
	return as.placementFault(va, region)
}

// breakCOW implements the copy-on-write path: allocate a fresh frame,
// copy the shared page's contents into it, and remap the faulting
// process onto the private copy with the COW bit cleared.
func (as *Vm_t) breakCOW(va uintptr, frame mem.Pa_t, perm defs.Perm_t) defs.Err_t {
	_, nframe, ok := as.Phys.Refpg_new_nozero()
	if !ok {
		return defs.E_NO_MEM
	}
	as.Phys.Refup(nframe)
	copy(as.Phys.Dmap8(nframe), as.Phys.Dmap8(frame))

	newPerm := (perm &^ defs.PERM_COW) | defs.PERM_WRITEABLE | defs.PERM_PRESENT
	if !as.PT.MapFrame(as.PD, va, nframe, newPerm) {
		as.Phys.Refdown(nframe)
		return defs.E_NO_MEM
	}
	as.Phys.Refdown(nframe) // MapFrame took its own reference
	as.PT.TlbShoot(as.PD, va)
	return 0
}

// placementFault implements spec.md §4.D step 6: find a frame to
// place the faulting page into (zero-filled for an anonymous/user-heap
// region, or read back from the page file if this VA was evicted
// before), making room in the working set via the installed
// replacement policy if it is already full.
func (as *Vm_t) placementFault(va uintptr, region Region_t) defs.Err_t {
	p := as.Proc
	defer p.Accnt.Finish(p.Accnt.Now())
	if adj, ok := as.Policy.(dynamicLocalAdjuster_i); ok {
		adj.Adjust(as)
	}
	slot := -1
	for i, e := range p.PageWS {
		if e.Empty {
			slot = i
			break
		}
	}
	if slot == -1 && len(p.PageWS) < p.PageWSMaxSize {
		p.PageWS = append(p.PageWS, proc.WSElem_t{Empty: true})
		slot = len(p.PageWS) - 1
	}
	if slot == -1 {
		// spec.md §4.D: the clock hand starts its first sweep from
		// page_last_WS_element, the slot most recently filled, rather
		// than slot 0.
		if !as.handInit {
			as.hand = p.PageLastWSElement
			if as.hand < 0 {
				as.hand = 0
			}
			as.handInit = true
		}
		victim := as.Policy.SelectVictim(as)
		if err := as.evict(victim); err != 0 {
			return err
		}
		slot = victim
	}

	_, frame, ok := as.Phys.Refpg_new_nozero()
	if !ok {
		return defs.E_NO_MEM
	}
	as.Phys.Refup(frame)

	pg := as.Phys.Dmap(frame)
	if err := as.PF.ReadPage(p.ID, va, pg); err == 0 {
		// A backing copy existed: this VA was paged out before.
	} else if err == defs.E_PAGE_NOT_EXIST_IN_PF {
		// Never paged out before: only the user heap and user stack
		// are anonymous, demand-zero regions. Anything else hitting
		// this branch (e.g. a COW/file-backed region whose backing
		// copy vanished) is a real fault, not a first touch.
		if !isUserHeap(va) && !isUserStack(va) {
			as.Phys.Refdown(frame)
			return defs.E_FAULT
		}
		as.Stats.ZeroFills.Inc()
		*pg = *mem.Zeropg
	} else {
		as.Phys.Refdown(frame)
		return err
	}

	perm := region.Perm | defs.PERM_PRESENT
	if !as.PT.MapFrame(as.PD, va, frame, perm) {
		as.Phys.Refdown(frame)
		return defs.E_NO_MEM
	}
	as.Phys.Refdown(frame) // MapFrame took its own reference

	p.PageWS[slot] = proc.WSElem_t{VA: va, TimeStamp: tick(), Used: true}
	if slot > p.PageLastWSElement {
		p.PageLastWSElement = slot
	}
	return 0
}

// evict removes the working-set occupant at slot: if it was modified,
// its contents are written back to the page file before the mapping
// is torn down and the TLB entry shot down, per spec.md's
// modified-page writeback rule.
func (as *Vm_t) evict(slot int) defs.Err_t {
	as.Stats.Evictions.Inc()
	p := as.Proc
	e := p.PageWS[slot]
	as.Events.Push(diag.Event_t{Kind: "evict", VA: e.VA, Proc: int(p.ID)})
	frame, perm, ok := as.PT.GetFrameInfo(as.PD, e.VA)
	if ok && perm&defs.PERM_MODIFIED != 0 {
		pg := as.Phys.Dmap(frame)
		since := p.Accnt.Now()
		err := as.PF.WritePage(p.ID, e.VA, pg)
		p.Accnt.Io_time(since)
		if err != 0 {
			return err
		}
		as.PT.SetPerm(as.PD, e.VA, perm&^defs.PERM_MODIFIED)
	}
	as.PT.UnmapFrame(as.PD, e.VA)
	as.PT.TlbShoot(as.PD, e.VA)
	p.PageWS[slot] = proc.WSElem_t{Empty: true}
	return 0
}

var tickCounter int64

// tick hands out a monotonically increasing logical timestamp for the
// LRU-time-approx policy. A real kernel would read a hardware cycle
// counter (stats.Rdtsc does, elsewhere in this module); the fault path
// only needs strictly increasing values, not wall-clock time, so a
// package-level atomic counter avoids that repeated cost on every
// fault.
func tick() int64 {
	return atomic.AddInt64(&tickCounter, 1)
}
