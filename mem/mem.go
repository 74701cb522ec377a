// Package mem implements component A, the frame table and
// physical-frame allocator: every other subsystem (kheap's cluster
// allocator, vm's fault handler, share's registry) allocates and frees
// its backing storage in units of Physmem's frames.
//
// The teacher ran on bare metal with a patched runtime that exposed a
// raw TSC, a CR3/CR4 reader, a CPUID wrapper and, most importantly, a
// boot-time enumeration of physical RAM (runtime.Get_phys) and a
// fixed-offset direct map of all of it into the kernel's address
// space (Dmap as raw pointer arithmetic over a giant reserved VA
// range). None of that exists in a hosted Go process, so Physmem_t
// here owns its frames as an ordinary Go slice (pages) and Dmap
// becomes a slice index instead of pointer arithmetic on an untyped
// VA — the call shape callers see is unchanged, only what is behind
// it.
//
// Per the single-global-lock-per-subsystem concurrency model, the
// teacher's per-CPU shard free lists (percpu, pcpuphys_t,
// runtime.CPUHint) are dropped: there is exactly one free list and one
// mutex, mirroring frame_lock.
package mem

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page/frame in bytes.
const PGSIZE int = 1 << PGSHIFT

/// Pa_t represents a physical frame address (frame number << PGSHIFT).
type Pa_t uintptr

/// Pg_t is a page-sized region of memory, word-addressable.
type Pg_t [PGSIZE / 8]uint64

/// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg2bytes reinterprets a word page as a byte page, aliasing the same
/// backing storage (writes through either view are visible in both).
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg reinterprets a byte page back to a word page.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

/// Physpg_t describes a single physical frame's bookkeeping state.
/// Frames with Refcnt == 0 live on exactly one free structure (the
/// index-linked free list below); frames with Refcnt >= 1 are
/// reachable from at least that many mappings.
type Physpg_t struct {
	Refcnt int32
	// index into Pgs/pages of the next frame on the free list
	nexti uint32
}

/// Physmem_t owns every physical frame in the system: the frame table
/// (Pgs), the frames' backing storage (pages), the index-linked free
/// list and the reverse frame-to-virtual-address map (FramesArr) used
/// by kheap_virtual_address.
type Physmem_t struct {
	sync.Mutex
	pages  []Pg_t
	Pgs    []Physpg_t
	startn uint32
	// index into Pgs of the first free frame, ^uint32(0) if none
	freei   uint32
	freelen int32

	// FramesArr[idx] holds the page-aligned kernel-heap virtual address
	// currently backed by frame idx, or 0 if the frame is not mapped
	// into the kernel heap's direct-access structures.
	FramesArr []uintptr
}

/// Refaddr returns the refcount pointer and frame index for a frame.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Refcnt, idx
}

/// Refcnt returns the current reference count of a frame.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

/// Refup increments the reference count of a frame. Called by
/// map_frame (component A's mapping entry point) each time a page
/// table gains a new PTE pointing at this frame.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	if c <= 0 {
		panic("mem: refup of freed frame")
	}
}

func (phys *Physmem_t) refdec(p_pg Pa_t) (bool, uint32) {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	if c < 0 {
		panic("mem: refdown below zero")
	}
	return c == 0, idx
}

/// Refdown decrements the reference count of a frame and returns true
/// when it dropped to zero and the frame was returned to the free
/// list, matching unmap_frame's documented behavior.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	add, idx := phys.refdec(p_pg)
	if !add {
		return false
	}
	phys.Lock()
	phys.Pgs[idx].nexti = phys.freei
	phys.freei = idx
	phys.freelen++
	phys.FramesArr[idx] = 0
	phys.Unlock()
	return true
}

/// Zeropg is a zero-filled page used to initialize fresh allocations.
var Zeropg = &Pg_t{}

func (phys *Physmem_t) allocIdx() (uint32, bool) {
	phys.Lock()
	defer phys.Unlock()
	ff := phys.freei
	if ff == ^uint32(0) {
		return 0, false
	}
	if phys.Pgs[ff].Refcnt < 0 {
		panic("mem: negative refcount on free list")
	}
	phys.freei = phys.Pgs[ff].nexti
	phys.freelen--
	if phys.freelen < 0 {
		panic("mem: free list underflow")
	}
	return ff, true
}

/// Refpg_new allocates a zeroed frame, returning its backing page, its
/// physical address, and a frame-exhaustion flag. allocate_frame's
/// caller is responsible for the first Refup (the returned frame
/// starts at refcount 0).
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	idx, ok := phys.allocIdx()
	if !ok {
		return nil, 0, false
	}
	pg := &phys.pages[idx]
	*pg = *Zeropg
	return pg, Pa_t(idx+phys.startn) << PGSHIFT, true
}

/// Refpg_new_nozero allocates a frame without zeroing its contents.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	idx, ok := phys.allocIdx()
	if !ok {
		return nil, 0, false
	}
	return &phys.pages[idx], Pa_t(idx+phys.startn) << PGSHIFT, true
}

/// Dmap returns the word-addressable page backing the given frame.
/// Named after the teacher's direct map, though here it is simply an
/// index into the in-process frame arena rather than a fixed-offset
/// pointer into a hardware direct map.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	idx := pg2pgn(p) - phys.startn
	return &phys.pages[idx]
}

/// Dmap8 returns a byte-addressable view of the frame at p.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	bp := Pg2bytes(pg)
	return bp[:]
}

/// SetFrameVA records va as the kernel-heap address currently backed
/// by frame p, for kheap_virtual_address's reverse lookup.
func (phys *Physmem_t) SetFrameVA(p Pa_t, va uintptr) {
	_, idx := phys.Refaddr(p)
	phys.Lock()
	phys.FramesArr[idx] = va
	phys.Unlock()
}

/// FrameVA returns the recorded kernel-heap virtual address for frame
/// p, or 0 if none is recorded.
func (phys *Physmem_t) FrameVA(p Pa_t) uintptr {
	_, idx := phys.Refaddr(p)
	phys.Lock()
	va := phys.FramesArr[idx]
	phys.Unlock()
	return va
}

/// Pgcount reports the number of frames currently on the free list and
/// the total number of frames under management.
func (phys *Physmem_t) Pgcount() (free int, total int) {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.freelen), len(phys.Pgs)
}

/// Physmem is the global frame allocator instance, analogous to the
/// teacher's package-level Physmem.
var Physmem = &Physmem_t{}

/// Phys_init reserves nframes frames of simulated physical memory and
/// threads them onto Physmem's free list. Unlike the teacher, which
/// discovered RAM extents from the boot loader via runtime.Get_phys,
/// a hosted module simply carves a fixed-size arena out of the Go
/// heap; the frame table, free-list, and reverse-map shapes downstream
/// of this call are unchanged.
func Phys_init(nframes int) *Physmem_t {
	phys := Physmem
	phys.pages = make([]Pg_t, nframes)
	phys.Pgs = make([]Physpg_t, nframes)
	phys.FramesArr = make([]uintptr, nframes)
	// Frame numbers start at 1 so that no frame has physical address 0,
	// which kheap's frame tables use to mean "no frame".
	phys.startn = 1
	for i := range phys.Pgs {
		phys.Pgs[i].Refcnt = 0
		if i == nframes-1 {
			phys.Pgs[i].nexti = ^uint32(0)
		} else {
			phys.Pgs[i].nexti = uint32(i + 1)
		}
	}
	phys.freei = 0
	phys.freelen = int32(nframes)
	return phys
}
