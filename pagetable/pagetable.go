// Package pagetable is the PageTable_i external collaborator: the
// page-table primitives spec.md §1 places out of scope (map_frame,
// unmap_frame, get_page_table, TLB flush) specified only at their
// interface. Grounded on biscuit/src/vm/as.go's Pmap walk and
// Tlbshoot call shape, but with the actual x86 page-table walk
// replaced by a plain Go map, since this module does not run on real
// page-table hardware.
package pagetable

import (
	"sync"

	"github.com/oichkatzele/fosmem/defs"
	"github.com/oichkatzele/fosmem/mem"
)

/// PageDir_t identifies one address space's page directory. The real
/// kernel's PDE/PTE hierarchy is opaque here; each page directory owns
/// a flat VA->frame map instead of walking multi-level tables.
type PageDir_t int

/// PageTable_i is the frame-mapping collaborator consumed by kheap,
/// vm, and share. Implementations are responsible for refcounting
/// frames via mem.Physmem as mappings are installed and torn down.
type PageTable_i interface {
	// MapFrame installs a mapping from va (page-aligned) to frame in pd
	// with the given permissions, taking a reference on frame. Returns
	// false if the mapping could not be installed (e.g. out of page-
	// table pages).
	MapFrame(pd PageDir_t, va uintptr, frame mem.Pa_t, perm defs.Perm_t) bool

	// UnmapFrame removes the mapping at va in pd, if present, and drops
	// the reference it held on the returned frame.
	UnmapFrame(pd PageDir_t, va uintptr) (mem.Pa_t, bool)

	// GetFrameInfo returns the frame mapped at va in pd and its
	// permission bits, or ok=false if va is unmapped.
	GetFrameInfo(pd PageDir_t, va uintptr) (mem.Pa_t, defs.Perm_t, bool)

	// SetPerm updates the permission bits of an existing mapping
	// in-place (used to clear MODIFIED/USED during replacement, and to
	// clear WRITEABLE to simulate a protection fault).
	SetPerm(pd PageDir_t, va uintptr, perm defs.Perm_t) bool

	// NewPageDir allocates an empty address space.
	NewPageDir() PageDir_t

	// FreePageDir tears down every mapping in pd and releases it.
	FreePageDir(pd PageDir_t)

	// TlbShoot invalidates the translation for va in pd across every
	// CPU that may have cached it.
	TlbShoot(pd PageDir_t, va uintptr)
}

type mapping_t struct {
	frame mem.Pa_t
	perm  defs.Perm_t
}

/// RefTable is an in-memory PageTable_i reference implementation. It
/// exists so this module is runnable and testable stand-alone; a real
/// kernel would supply an implementation backed by actual hardware
/// page tables and cross-CPU TLB shootdown IPIs.
type RefTable struct {
	mu    sync.Mutex
	dirs  map[PageDir_t]map[uintptr]mapping_t
	next  PageDir_t
	phys  *mem.Physmem_t
	shots int
}

/// MkRefTable creates an empty reference page-table collaborator
/// backed by the given frame allocator.
func MkRefTable(phys *mem.Physmem_t) *RefTable {
	return &RefTable{
		dirs: make(map[PageDir_t]map[uintptr]mapping_t),
		phys: phys,
	}
}

func (rt *RefTable) NewPageDir() PageDir_t {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.next++
	pd := rt.next
	rt.dirs[pd] = make(map[uintptr]mapping_t)
	return pd
}

func (rt *RefTable) FreePageDir(pd PageDir_t) {
	rt.mu.Lock()
	m := rt.dirs[pd]
	delete(rt.dirs, pd)
	rt.mu.Unlock()
	for _, mp := range m {
		rt.phys.Refdown(mp.frame)
	}
}

func (rt *RefTable) MapFrame(pd PageDir_t, va uintptr, frame mem.Pa_t, perm defs.Perm_t) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.dirs[pd]
	if !ok {
		return false
	}
	if old, present := m[va]; present {
		rt.phys.Refdown(old.frame)
	}
	rt.phys.Refup(frame)
	m[va] = mapping_t{frame: frame, perm: perm | defs.PERM_PRESENT}
	return true
}

func (rt *RefTable) UnmapFrame(pd PageDir_t, va uintptr) (mem.Pa_t, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.dirs[pd]
	if !ok {
		return 0, false
	}
	mp, present := m[va]
	if !present {
		return 0, false
	}
	delete(m, va)
	rt.phys.Refdown(mp.frame)
	return mp.frame, true
}

func (rt *RefTable) GetFrameInfo(pd PageDir_t, va uintptr) (mem.Pa_t, defs.Perm_t, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.dirs[pd]
	if !ok {
		return 0, 0, false
	}
	mp, present := m[va]
	if !present {
		return 0, 0, false
	}
	return mp.frame, mp.perm, true
}

func (rt *RefTable) SetPerm(pd PageDir_t, va uintptr, perm defs.Perm_t) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	m, ok := rt.dirs[pd]
	if !ok {
		return false
	}
	mp, present := m[va]
	if !present {
		return false
	}
	mp.perm = perm | defs.PERM_PRESENT
	m[va] = mp
	return true
}

func (rt *RefTable) TlbShoot(pd PageDir_t, va uintptr) {
	rt.mu.Lock()
	rt.shots++
	rt.mu.Unlock()
}

/// ShootCount returns how many TlbShoot calls this table has served,
/// for tests asserting that eviction actually invalidates the TLB.
func (rt *RefTable) ShootCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.shots
}
