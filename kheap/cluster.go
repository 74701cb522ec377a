package kheap

import "strconv"

import "github.com/oichkatzele/fosmem/caller"
import "github.com/oichkatzele/fosmem/defs"
import "github.com/oichkatzele/fosmem/diag"
import "github.com/oichkatzele/fosmem/limits"
import "github.com/oichkatzele/fosmem/mem"
import "github.com/oichkatzele/fosmem/util"

// Kmalloc is the cluster allocator's kmalloc. Requests at or below
// DYN_ALLOC_MAX_BLOCK_SIZE are delegated to the DA; the reverse-map
// entry is then written so kheap_virtual_address can find the
// allocation later. Larger requests are served page-at-a-time by the
// cluster allocator: an exact-size free cluster (custom fit), else the
// largest free cluster if it is big enough (worst fit, splitting the
// remainder back into the index), else fresh pages appended at the
// break.
func (h *Heap_t) Kmalloc(size int, block bool) (uintptr, defs.Err_t) {
	if size <= limits.DYN_ALLOC_MAX_BLOCK_SIZE {
		va, err := h.AllocBlock(size, block)
		if err == 0 {
			if frame, ok := h.PhysicalAddress(va); ok {
				h.phys.SetFrameVA(frame, util.Rounddown(va, uintptr(pageSize)))
			}
		}
		return va, err
	}

	pages := int(util.Roundup(uintptr(size), uintptr(pageSize)) / uintptr(pageSize))
	if pages > limits.MAX_CLUSTER_PAGES {
		return 0, defs.E_NO_MEM
	}

	h.Lock()
	defer h.Unlock()
	for {
		if va, ok := h.clusterCustomFit(pages); ok {
			return va, 0
		}
		if va, ok := h.clusterWorstFit(pages); ok {
			return va, 0
		}
		if va, ok := h.clusterExtendBreak(pages); ok {
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

// acquireFrames obtains `pages` fresh frames for the page range
// [start, start+pages), rolling back everything already obtained on
// partial failure so kmalloc never partially succeeds, per spec.md
// §7's propagation rule.
func (h *Heap_t) acquireFrames(start, pages int) bool {
	got := make([]mem.Pa_t, 0, pages)
	for i := 0; i < pages; i++ {
		frame, ok := h.getPage()
		if !ok {
			for _, f := range got {
				h.returnPage(f)
			}
			return false
		}
		got = append(got, frame)
		h.clusterFrame[start+i] = frame
		va := h.pageAllocStart + uintptr(start+i)*uintptr(pageSize)
		h.phys.SetFrameVA(frame, va)
	}
	return true
}

func (h *Heap_t) markAllocated(start, pages int) {
	tag := int32(-(pages - 1))
	h.clusterSize[start] = tag
	h.clusterSize[start+pages-1] = tag
}

func (h *Heap_t) clusterCustomFit(pages int) (uintptr, bool) {
	row := pages - 1
	if row < 0 || row >= len(h.freeClusters) || h.freeClusters[row] == -1 {
		return 0, false
	}
	n, _ := h.popHeadCluster(row)
	if !h.acquireFrames(n.start, pages) {
		h.insertClusterNode(row, n.start, n.len)
		return 0, false
	}
	h.markAllocated(n.start, pages)
	h.refreshMaxFreeCluster()
	h.Stats.ClusterGrants.Inc()
	return h.pageAllocStart + uintptr(n.start)*uintptr(pageSize), true
}

func (h *Heap_t) clusterWorstFit(pages int) (uintptr, bool) {
	if h.maxFreeRow == -1 || h.maxFreeLen < pages {
		return 0, false
	}
	row := h.maxFreeRow
	n, _ := h.popHeadCluster(row)
	if n.len < pages {
		h.insertClusterNode(row, n.start, n.len)
		return 0, false
	}
	if !h.acquireFrames(n.start, pages) {
		h.insertClusterNode(row, n.start, n.len)
		return 0, false
	}
	h.markAllocated(n.start, pages)
	if remainder := n.len - pages; remainder > 0 {
		rstart := n.start + pages
		rtag := int32(remainder - 1)
		h.clusterSize[rstart] = rtag
		h.clusterSize[rstart+remainder-1] = rtag
		h.insertClusterNode(remainder-1, rstart, remainder)
	}
	h.refreshMaxFreeCluster()
	h.Stats.ClusterGrants.Inc()
	return h.pageAllocStart + uintptr(n.start)*uintptr(pageSize), true
}

func (h *Heap_t) clusterExtendBreak(pages int) (uintptr, bool) {
	start := int((h.pageAllocBreak - h.pageAllocStart) / uintptr(pageSize))
	if start+pages > len(h.clusterSize) {
		return 0, false
	}
	if !h.acquireFrames(start, pages) {
		return 0, false
	}
	h.markAllocated(start, pages)
	h.pageAllocBreak += uintptr(pages) * uintptr(pageSize)
	h.Stats.ClusterGrants.Inc()
	return h.pageAllocStart + uintptr(start)*uintptr(pageSize), true
}

// Kfree is the cluster allocator's kfree. Addresses in the DA region
// are delegated to free_block; addresses in the cluster region are
// returned page-at-a-time and their run is coalesced with any
// adjacent free neighbours before being indexed or, if it now abuts
// the break, retracting the break instead of listing it.
func (h *Heap_t) Kfree(va uintptr) {
	if va >= h.daStart && va < h.daEnd {
		idx := h.daIndex(va)
		frame := h.daFrame[idx]
		wasSlab := h.daPages[idx].blockSize != 0
		h.FreeBlock(va)
		if wasSlab {
			h.Lock()
			if h.daPages[idx].blockSize == 0 {
				h.phys.SetFrameVA(frame, 0)
			}
			h.Unlock()
		}
		return
	}

	h.Lock()
	defer h.Unlock()

	start := int((va - h.pageAllocStart) / uintptr(pageSize))
	pages := int(-h.clusterSize[start]) + 1
	h.Stats.ClusterFrees.Inc()
	h.Events.Push(diag.Event_t{Kind: "cluster_free", VA: va, Note: "pages=" + strconv.Itoa(pages)})

	for i := 0; i < pages; i++ {
		frame := h.clusterFrame[start+i]
		h.phys.SetFrameVA(frame, 0)
		h.returnPage(frame)
		h.clusterFrame[start+i] = 0
	}
	h.clusterSize[start] = 0
	h.clusterSize[start+pages-1] = 0

	newStart, newLen := start, pages

	// upper neighbour
	if newStart+newLen < len(h.clusterSize) {
		up := h.clusterSize[newStart+newLen]
		if up > 0 {
			upLen := int(up) + 1
			upStart := newStart + newLen
			h.detachCluster(upLen-1, upStart)
			h.clusterSize[upStart] = 0
			h.clusterSize[upStart+upLen-1] = 0
			newLen += upLen
		}
	}
	// lower neighbour
	if newStart > 0 {
		low := h.clusterSize[newStart-1]
		if low > 0 {
			lowLen := int(low) + 1
			lowStart := newStart - lowLen
			h.detachCluster(lowLen-1, lowStart)
			h.clusterSize[lowStart] = 0
			h.clusterSize[lowStart+lowLen-1] = 0
			newStart = lowStart
			newLen += lowLen
		}
	}

	atBreak := h.pageAllocStart+uintptr(newStart+newLen)*uintptr(pageSize) == h.pageAllocBreak
	if atBreak {
		h.pageAllocBreak = h.pageAllocStart + uintptr(newStart)*uintptr(pageSize)
	} else {
		tag := int32(newLen - 1)
		h.clusterSize[newStart] = tag
		h.clusterSize[newStart+newLen-1] = tag
		h.insertClusterNode(newLen-1, newStart, newLen)
	}
	h.refreshMaxFreeCluster()
	h.waitq.WakeOne()
}

// detachCluster removes the node describing [start, start+row+1) from
// row's list; it must be the node the caller just observed via the
// boundary-tag scan, so a linear search within the row suffices and
// stays within the size-bounded nodeArena.
func (h *Heap_t) detachCluster(row, start int) {
	idx := h.freeClusters[row]
	for idx != -1 {
		n := h.nodes.nodes[idx]
		if n.start == start {
			if n.prev != -1 {
				h.nodes.nodes[n.prev].next = n.next
			} else {
				h.freeClusters[row] = n.next
			}
			if n.next != -1 {
				h.nodes.nodes[n.next].prev = n.prev
			}
			h.nodes.release(idx)
			return
		}
		idx = n.next
	}
	h.Events.Push(diag.Event_t{Kind: "bad_boundary_tag", VA: h.pageAllocStart + uintptr(start)*uintptr(pageSize)})
	caller.Panicf(h.pageAllocStart+uintptr(start)*uintptr(pageSize), nil, "boundary tag referenced an untracked cluster")
}

// Krealloc is the cluster allocator's krealloc: identical grow/shrink
// semantics to ReallocBlock, but for addresses that may live in either
// the DA or cluster region, using Kmalloc/Kfree throughout.
func (h *Heap_t) Krealloc(va uintptr, n int, block bool) (uintptr, defs.Err_t) {
	if va == 0 {
		return h.Kmalloc(n, block)
	}
	if n == 0 {
		h.Kfree(va)
		return 0, 0
	}
	oldSize := h.allocSize(va)
	if n <= oldSize {
		return va, 0
	}
	nva, err := h.Kmalloc(n, block)
	if err != 0 {
		return 0, err
	}
	h.copyBytes(nva, va, oldSize)
	h.Kfree(va)
	return nva, 0
}

func (h *Heap_t) allocSize(va uintptr) int {
	h.Lock()
	defer h.Unlock()
	if va >= h.daStart && va < h.daEnd {
		return h.daPages[h.daIndex(va)].blockSize
	}
	start := int((va - h.pageAllocStart) / uintptr(pageSize))
	return (int(-h.clusterSize[start]) + 1) * pageSize
}

func (h *Heap_t) copyBytes(dst, src uintptr, n int) {
	for off := 0; off < n; off += pageSize {
		d := h.pageBytes(dst + uintptr(off))
		s := h.pageBytes(src + uintptr(off))
		c := pageSize
		if n-off < c {
			c = n - off
		}
		copy(d[:c], s[:c])
	}
}

func (h *Heap_t) pageBytes(va uintptr) []byte {
	frame, ok := h.PhysicalAddress(va)
	if !ok {
		panic("kheap: copy from unmapped address")
	}
	b := h.phys.Dmap8(frame)
	return b[va%uintptr(pageSize):]
}
