// Package uheap is the user-space allocator surface: malloc/free/
// realloc backed by a private kheap.Heap_t instance (exactly the same
// segregated-fit/cluster machinery the kernel heap uses, just over a
// different virtual range), plus smalloc/sget/sfree layered over
// share.Registry_t for shared objects mapped into the calling
// process's own page table.
//
// This is where spec.md's Open Question 3 actually bites: smalloc's
// virtual-address window is bookkept separately from the private
// heap's, and a VA freed by sfree is held in a "retired" state — not
// reusable by a later smalloc — until share.Delete has fully unmapped
// it and, if it was the last reference, released the backing frames.
// Only then does the range return to the free pool. This closes the
// race spec.md names: a concurrent smalloc cannot be handed a VA still
// in another smalloc's unmap path.
package uheap

import (
	"sync"

	"github.com/oichkatzele/fosmem/defs"
	"github.com/oichkatzele/fosmem/kheap"
	"github.com/oichkatzele/fosmem/mem"
	"github.com/oichkatzele/fosmem/pagetable"
	"github.com/oichkatzele/fosmem/share"
	"github.com/oichkatzele/fosmem/ustr"
)

type pageState_t byte

const (
	pgFree pageState_t = iota
	pgActive
	pgRetired
)

type reservation_t struct {
	shareID int
	pages   int
}

/// Heap_t is one process's user-space allocator: a private heap for
/// malloc/free/realloc, and a separate shared-object window for
/// smalloc/sget/sfree.
type Heap_t struct {
	sync.Mutex

	priv   *kheap.Heap_t
	shares *share.Registry_t
	pt     pagetable.PageTable_i
	pd     pagetable.PageDir_t
	owner  defs.ProcID_t

	sharedBase  uintptr
	pageState   []pageState_t
	reservation map[uintptr]reservation_t // window-relative VA -> reservation
}

/// MkHeap creates a user allocator for owner: priv backs malloc/free/
/// realloc, shares is the process-wide (or system-wide) shared-object
/// registry, and [sharedBase, sharedBase+sharedPages*PAGE_SIZE) is this
/// process's private window for mapping shares into.
func MkHeap(priv *kheap.Heap_t, shares *share.Registry_t, pt pagetable.PageTable_i, pd pagetable.PageDir_t, owner defs.ProcID_t, sharedBase uintptr, sharedPages int) *Heap_t {
	return &Heap_t{
		priv:        priv,
		shares:      shares,
		pt:          pt,
		pd:          pd,
		owner:       owner,
		sharedBase:  sharedBase,
		pageState:   make([]pageState_t, sharedPages),
		reservation: make(map[uintptr]reservation_t),
	}
}

/// Malloc is the private heap's malloc.
func (h *Heap_t) Malloc(size int) (uintptr, defs.Err_t) {
	return h.priv.Kmalloc(size, true)
}

/// Free is the private heap's free.
func (h *Heap_t) Free(va uintptr) {
	h.priv.Kfree(va)
}

/// Realloc is the private heap's realloc.
func (h *Heap_t) Realloc(va uintptr, size int) (uintptr, defs.Err_t) {
	return h.priv.Krealloc(va, size, true)
}

// reserve finds `pages` consecutive free pages in the shared window
// via first fit and marks them active, or reports failure.
func (h *Heap_t) reserve(pages int) (uintptr, bool) {
	h.Lock()
	defer h.Unlock()
	run := 0
	for i, st := range h.pageState {
		if st != pgFree {
			run = 0
			continue
		}
		run++
		if run == pages {
			start := i - pages + 1
			for j := start; j <= i; j++ {
				h.pageState[j] = pgActive
			}
			return h.sharedBase + uintptr(start*mem.PGSIZE), true
		}
	}
	return 0, false
}

func (h *Heap_t) markRetired(va uintptr, pages int) {
	h.Lock()
	defer h.Unlock()
	start := int((va - h.sharedBase) / uintptr(mem.PGSIZE))
	for j := start; j < start+pages; j++ {
		h.pageState[j] = pgRetired
	}
}

func (h *Heap_t) finalizeFree(va uintptr, pages int) {
	h.Lock()
	defer h.Unlock()
	start := int((va - h.sharedBase) / uintptr(mem.PGSIZE))
	for j := start; j < start+pages; j++ {
		h.pageState[j] = pgFree
	}
}

/// Smalloc creates a new shared object of size bytes under name and
/// maps it into this heap's shared window, returning the VA it was
/// placed at.
func (h *Heap_t) Smalloc(name string, size int, writable bool) (uintptr, defs.Err_t) {
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	va, ok := h.reserve(pages)
	if !ok {
		return 0, defs.E_NO_MEM
	}
	un := ustr.MkUstrString(name)
	id, err := h.shares.Create(h.pt, h.pd, h.owner, un, size, writable, va)
	if err != 0 {
		h.finalizeFree(va, pages)
		return 0, err
	}
	h.Lock()
	h.reservation[va] = reservation_t{shareID: id, pages: pages}
	h.Unlock()
	return va, 0
}

/// Sget maps an existing share owned by owner under name into this
/// heap's shared window.
func (h *Heap_t) Sget(owner defs.ProcID_t, name string) (uintptr, defs.Err_t) {
	un := ustr.MkUstrString(name)
	size, err := h.shares.SizeOf(owner, un)
	if err != 0 {
		return 0, err
	}
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	va, ok := h.reserve(pages)
	if !ok {
		return 0, defs.E_NO_MEM
	}
	id, err := h.shares.Get(h.pt, h.pd, owner, un, va)
	if err != 0 {
		h.finalizeFree(va, pages)
		return 0, err
	}
	h.Lock()
	h.reservation[va] = reservation_t{shareID: id, pages: pages}
	h.Unlock()
	return va, 0
}

/// Sfree unmaps and releases the shared object at va, which must be a
/// VA previously returned by Smalloc or Sget on this heap.
func (h *Heap_t) Sfree(va uintptr) defs.Err_t {
	h.Lock()
	res, ok := h.reservation[va]
	if !ok {
		h.Unlock()
		return defs.E_INVAL
	}
	delete(h.reservation, va)
	h.Unlock()

	// Retire before tearing down: no later Smalloc/Sget can be handed
	// this VA range while share.Delete is still unmapping it.
	h.markRetired(va, res.pages)
	err := h.shares.Delete(h.pt, h.pd, res.shareID, va)
	h.finalizeFree(va, res.pages)
	return err
}
