package kheap

import "strconv"

import "github.com/oichkatzele/fosmem/caller"
import "github.com/oichkatzele/fosmem/defs"
import "github.com/oichkatzele/fosmem/diag"
import "github.com/oichkatzele/fosmem/limits"

// popFreeCell detaches and returns the head cell of class k's free
// list, if any. Caller must hold h.Mutex.
func (h *Heap_t) popFreeCell(k int) (uintptr, bool) {
	va := h.freeBlockLists[k]
	if va == 0 {
		return 0, false
	}
	h.freeBlockLists[k] = h.cellNext(va)
	idx := h.daIndex(va)
	h.daPages[idx].numFree--
	return va, true
}

// pushFreeCell adds va to the head of class k's free list, writing the
// previous head into va's first word. Caller must hold h.Mutex.
func (h *Heap_t) pushFreeCell(k int, va uintptr) {
	h.setCellNext(va, h.freeBlockLists[k])
	h.freeBlockLists[k] = va
	idx := h.daIndex(va)
	h.daPages[idx].numFree++
}

func (h *Heap_t) popFreePage() (int, bool) {
	n := len(h.freePages)
	if n == 0 {
		return 0, false
	}
	idx := h.freePages[n-1]
	h.freePages = h.freePages[:n-1]
	return idx, true
}

func (h *Heap_t) pushFreePage(idx int) {
	h.freePages = append(h.freePages, idx)
}

// AllocBlock is the DA's alloc_block. When block is true and the
// allocator is exhausted, the caller is parked on alloc_wait_queue and
// retried after a free_block wakes it (kernel-mode semantics); when
// block is false, exhaustion is reported as E_NO_MEM immediately
// (user-mode semantics, per spec.md §4.B step 6).
func (h *Heap_t) AllocBlock(size int, block bool) (uintptr, defs.Err_t) {
	if size > limits.DYN_ALLOC_MAX_BLOCK_SIZE {
		return 0, defs.E_INVAL
	}
	if size == 0 {
		return 0, 0
	}
	k, classSize := classFor(size)

	h.Lock()
	defer h.Unlock()
	for {
		if va, ok := h.popFreeCell(k); ok {
			return va, 0
		}
		if idx, ok := h.popFreePage(); ok {
			frame, ok2 := h.getPage()
			if !ok2 {
				h.pushFreePage(idx)
				return 0, defs.E_NO_MEM
			}
			h.daFrame[idx] = frame
			h.daPages[idx] = pageInfo_t{blockSize: classSize, numFree: 0}
			base := h.daStart + uintptr(idx)*uintptr(pageSize)
			h.Stats.SlabsFormatted.Inc()
			h.Events.Push(diag.Event_t{Kind: "slab_format", VA: base, Note: "size=" + strconv.Itoa(classSize)})
			for off := 0; off < pageSize; off += classSize {
				h.pushFreeCell(k, base+uintptr(off))
			}
			va, _ := h.popFreeCell(k)
			return va, 0
		}
		if va, ok := h.scanLargerClasses(k); ok {
			return va, 0
		}
		if !block {
			return 0, defs.E_NO_MEM
		}
		wake := h.waitq.Enqueue()
		h.Unlock()
		h.blockCurrent(wake)
		h.Lock()
	}
}

// blockCurrent parks the caller on wake, charging the wait against the
// current process's Accnt if the scheduler knows one (test harnesses
// using a bare DirectScheduler with no SetCurrent call do not).
func (h *Heap_t) blockCurrent(wake <-chan struct{}) {
	p := h.sched.Current()
	if p == nil {
		h.sched.Block(wake)
		return
	}
	since := p.Accnt.Now()
	h.sched.Block(wake)
	p.Accnt.Sleep_time(since)
}

// scanLargerClasses implements spec.md §4.B step 5, reached once class
// k's free list is empty and no fresh DA page is left: it takes the
// smallest larger class kk with a free cell.
//
// A page backs exactly one size class at a time, so splitPage can only
// touch a page that has no other live cell of the old class still
// referencing it: any in-use cell, or even another free cell still
// threaded on freeBlockLists[kk], would be silently mis-sized once the
// page is reslabbed. The free list's head is checked against its own
// page's numFree before popping anything. If that page is wholly free
// it is split down to class k; otherwise the larger head cell is handed
// back unsplit. A page only reaches numFree == capacity for an instant
// right before free_block reclaims it wholesale (see reclaimSlab), so
// the unsplit return is the common case.
func (h *Heap_t) scanLargerClasses(k int) (uintptr, bool) {
	for kk := k + 1; kk < nClasses; kk++ {
		va := h.freeBlockLists[kk]
		if va == 0 {
			continue
		}
		idx := h.daIndex(va)
		cellsPerPage := pageSize / (1 << (log2Min + kk))
		if h.daPages[idx].numFree != cellsPerPage {
			return h.popFreeCell(kk)
		}
		return h.splitPage(idx, kk, k), true
	}
	return 0, false
}

// splitPage reformats a wholly-free page from class "from" down to
// class "to". Every cell the page still has threaded on
// freeBlockLists[from] is first unlinked (the same sweep reclaimSlab
// uses to retire a page), since all of them belong to the page being
// reslabbed; the page is then reformatted for the smaller class and
// one fresh cell is handed back to the caller.
func (h *Heap_t) splitPage(idx, from, to int) uintptr {
	base := h.daStart + uintptr(idx)*uintptr(pageSize)
	top := base + uintptr(pageSize)

	var kept uintptr
	for cur := h.freeBlockLists[from]; cur != 0; {
		next := h.cellNext(cur)
		if cur < base || cur >= top {
			h.setCellNext(cur, kept)
			kept = cur
		}
		cur = next
	}
	h.freeBlockLists[from] = kept

	targetSize := 1 << (log2Min + to)
	h.daPages[idx] = pageInfo_t{blockSize: targetSize, numFree: 0}
	for off := 0; off < pageSize; off += targetSize {
		h.pushFreeCell(to, base+uintptr(off))
	}
	va, _ := h.popFreeCell(to)
	return va
}

// FreeBlock is the DA's free_block.
func (h *Heap_t) FreeBlock(va uintptr) {
	h.Lock()
	defer h.Unlock()

	idx := h.daIndex(va)
	pi := &h.daPages[idx]
	if pi.blockSize == 0 {
		h.Events.Push(diag.Event_t{Kind: "double_free", VA: va})
		caller.Panicf(va, nil, "free of non-slab page")
	}
	k := log2(pi.blockSize) - log2Min
	h.pushFreeCell(k, va)

	if pi.numFree == pageSize/pi.blockSize {
		h.reclaimSlab(idx, k)
		h.waitq.WakeOne()
	}
}

// reclaimSlab removes every cell of a wholly-free slab from its free
// list, returns the backing frame, and marks the page unformatted
// again.
func (h *Heap_t) reclaimSlab(idx, k int) {
	h.Stats.SlabsReclaimed.Inc()
	base := h.daStart + uintptr(idx)*uintptr(pageSize)
	top := base + uintptr(pageSize)

	// Remove every cell belonging to this page from freeBlockLists[k].
	var kept uintptr
	for cur := h.freeBlockLists[k]; cur != 0; {
		next := h.cellNext(cur)
		if cur >= base && cur < top {
			// drop it
		} else {
			h.setCellNext(cur, kept)
			kept = cur
		}
		cur = next
	}
	h.freeBlockLists[k] = kept

	frame := h.daFrame[idx]
	h.returnPage(frame)
	h.daFrame[idx] = 0
	h.daPages[idx] = pageInfo_t{}
	h.pushFreePage(idx)
	h.Events.Push(diag.Event_t{Kind: "slab_reclaim", VA: base})
}

// ReallocBlock is the DA's realloc_block.
func (h *Heap_t) ReallocBlock(va uintptr, n int, block bool) (uintptr, defs.Err_t) {
	if va == 0 {
		return h.AllocBlock(n, block)
	}
	if n == 0 {
		h.FreeBlock(va)
		return 0, 0
	}
	h.Lock()
	cur := h.daPages[h.daIndex(va)].blockSize
	h.Unlock()
	_, wantSize := classFor(n)
	if wantSize <= cur {
		return va, 0
	}
	nva, err := h.AllocBlock(n, block)
	if err != 0 {
		return 0, err
	}
	copyCell(h, nva, va, cur)
	h.FreeBlock(va)
	return nva, 0
}

func copyCell(h *Heap_t, dst, src uintptr, n int) {
	d := h.cellBytes(dst)
	s := h.cellBytes(src)
	copy(d[:n], s[:n])
}
