// Package share implements component E: the shared-memory object
// registry. Grounded on the teacher's hashtable and ustr packages,
// combined here the way the teacher never does in one place but
// exactly as spec.md's data model calls for: an ordered doubly-linked
// list of shares plus an O(1) (owner,name) index over it.
package share

import (
	"sync"

	"github.com/oichkatzele/fosmem/caller"
	"github.com/oichkatzele/fosmem/defs"
	"github.com/oichkatzele/fosmem/hashtable"
	"github.com/oichkatzele/fosmem/mem"
	"github.com/oichkatzele/fosmem/pagetable"
	"github.com/oichkatzele/fosmem/ustr"
	"github.com/oichkatzele/fosmem/util"
)

/// Share_t is one shared-memory object: its owning process, its name,
/// its registry id, and the physical frames backing its pages. Frames
/// are mapped directly into whichever process's address space calls
/// Create/Get, at a virtual address of that caller's choosing — the
/// registry itself never owns a virtual address for a share, only the
/// frame vector.
type Share_t struct {
	sync.Mutex

	Owner    defs.ProcID_t
	Name     ustr.Ustr
	ID       int
	Size     int
	Writable bool

	refcount int
	frames   []mem.Pa_t

	// shares_list links, threaded as plain fields rather than a
	// container/list node, matching the teacher's own intrusive-list
	// idiom elsewhere in this tree.
	prevField, next *Share_t
}

/// Registry_t is the shareslock-equivalent registry: the shares_list
/// plus its hashtable_i index.
type Registry_t struct {
	mu sync.Mutex

	phys  *mem.Physmem_t
	index *hashtable.Hashtable_t
	byID  map[int]*Share_t
	head  *Share_t
	tail  *Share_t

	nextID int
}

/// MkRegistry creates an empty registry whose shares' frames come from
/// phys.
func MkRegistry(phys *mem.Physmem_t) *Registry_t {
	return &Registry_t{
		phys:   phys,
		index:  hashtable.MkHash(64),
		byID:   make(map[int]*Share_t),
		nextID: 1,
	}
}

func key(owner defs.ProcID_t, name ustr.Ustr) hashtable.ShareKey_t {
	return hashtable.ShareKey_t{Owner: int(owner), Name: name}
}

// allocID hands out a 31-bit id, never reused while any share holds
// it. The teacher's original address-derived scheme (id = addr &
// 0x7FFFFFFF) has no equivalent here since a hosted Go object has no
// fixed physical address; a monotonic counter masked to the same
// width gives identical external behavior — a small positive int,
// stable for the share's lifetime — without depending on object
// addresses.
func (r *Registry_t) allocID() int {
	for {
		id := r.nextID & 0x7fffffff
		r.nextID++
		if id == 0 {
			continue
		}
		if _, exists := r.byID[id]; !exists {
			return id
		}
	}
}

/// Create allocates a new shared object of the given size (rounded up
/// to a whole number of pages), maps it into the caller's address
/// space at va, and returns its registry id. Returns E_SHARED_MEM_EXISTS
/// if (owner,name) is already live.
func (r *Registry_t) Create(pt pagetable.PageTable_i, pd pagetable.PageDir_t, owner defs.ProcID_t, name ustr.Ustr, size int, writable bool, va uintptr) (int, defs.Err_t) {
	if size <= 0 {
		return 0, defs.E_INVAL
	}
	k := key(owner, name)

	r.mu.Lock()
	if _, exists := r.index.Get(k); exists {
		r.mu.Unlock()
		return 0, defs.E_SHARED_MEM_EXISTS
	}
	r.mu.Unlock()

	pages := int(util.Roundup(uintptr(size), uintptr(mem.PGSIZE)) / uintptr(mem.PGSIZE))
	frames := make([]mem.Pa_t, 0, pages)
	for i := 0; i < pages; i++ {
		_, pa, ok := r.phys.Refpg_new()
		if !ok {
			for _, f := range frames {
				r.phys.Refdown(f)
			}
			return 0, defs.E_NO_MEM
		}
		r.phys.Refup(pa)
		frames = append(frames, pa)
	}

	perm := defs.PERM_PRESENT | defs.PERM_USER
	if writable {
		perm |= defs.PERM_WRITEABLE
	}
	for i, f := range frames {
		if !pt.MapFrame(pd, va+uintptr(i*mem.PGSIZE), f, perm) {
			for j := 0; j < i; j++ {
				pt.UnmapFrame(pd, va+uintptr(j*mem.PGSIZE))
			}
			for _, f := range frames {
				r.phys.Refdown(f)
			}
			return 0, defs.E_NO_MEM
		}
	}

	r.mu.Lock()
	if _, exists := r.index.Get(k); exists {
		r.mu.Unlock()
		for i := range frames {
			pt.UnmapFrame(pd, va+uintptr(i*mem.PGSIZE))
		}
		for _, f := range frames {
			r.phys.Refdown(f)
		}
		return 0, defs.E_SHARED_MEM_EXISTS
	}
	sh := &Share_t{
		Owner:    owner,
		Name:     name,
		ID:       r.allocID(),
		Size:     pages * mem.PGSIZE,
		Writable: writable,
		refcount: 1,
		frames:   frames,
	}
	r.index.Set(k, sh)
	r.byID[sh.ID] = sh
	if r.tail != nil {
		r.tail.next, sh.prevField = sh, r.tail
	} else {
		r.head = sh
	}
	r.tail = sh
	r.mu.Unlock()
	return sh.ID, 0
}

/// Get looks up an existing share by (owner,name), maps its frames
/// into the caller's address space at va, takes a reference, and
/// returns its id.
func (r *Registry_t) Get(pt pagetable.PageTable_i, pd pagetable.PageDir_t, owner defs.ProcID_t, name ustr.Ustr, va uintptr) (int, defs.Err_t) {
	r.mu.Lock()
	v, ok := r.index.Get(key(owner, name))
	if !ok {
		r.mu.Unlock()
		return 0, defs.E_SHARED_MEM_NOT_EXISTS
	}
	sh := v.(*Share_t)
	r.mu.Unlock()

	perm := defs.PERM_PRESENT | defs.PERM_USER
	if sh.Writable {
		perm |= defs.PERM_WRITEABLE
	}
	for i, f := range sh.frames {
		if !pt.MapFrame(pd, va+uintptr(i*mem.PGSIZE), f, perm) {
			for j := 0; j < i; j++ {
				pt.UnmapFrame(pd, va+uintptr(j*mem.PGSIZE))
			}
			return 0, defs.E_NO_MEM
		}
	}

	sh.Lock()
	sh.refcount++
	id := sh.ID
	sh.Unlock()
	return id, 0
}

/// SizeOf returns the size of an existing share without mapping it.
func (r *Registry_t) SizeOf(owner defs.ProcID_t, name ustr.Ustr) (int, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.index.Get(key(owner, name))
	if !ok {
		return 0, defs.E_SHARED_MEM_NOT_EXISTS
	}
	return v.(*Share_t).Size, 0
}

/// Delete unmaps id's pages from the caller's address space starting
/// at startVA and decrements its reference count. Once the count
/// reaches zero the share is detached from shares_list, its entry is
/// removed from the index, and every backing frame is released.
func (r *Registry_t) Delete(pt pagetable.PageTable_i, pd pagetable.PageDir_t, id int, startVA uintptr) defs.Err_t {
	r.mu.Lock()
	sh, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return defs.E_SHARED_MEM_NOT_EXISTS
	}

	pages := sh.Size / mem.PGSIZE
	for i := 0; i < pages; i++ {
		va := startVA + uintptr(i*mem.PGSIZE)
		if _, unmapped := pt.UnmapFrame(pd, va); unmapped {
			pt.TlbShoot(pd, va)
		}
	}

	sh.Lock()
	sh.refcount--
	if sh.refcount < 0 {
		sh.Unlock()
		caller.Panicf(startVA, nil, "delete below zero refcount on share %q", sh.Name.String())
	}
	dead := sh.refcount == 0
	sh.Unlock()
	if !dead {
		return 0
	}

	r.mu.Lock()
	delete(r.byID, sh.ID)
	r.index.Del(key(sh.Owner, sh.Name))
	if sh.prevField != nil {
		sh.prevField.next = sh.next
	} else {
		r.head = sh.next
	}
	if sh.next != nil {
		sh.next.prevField = sh.prevField
	} else {
		r.tail = sh.prevField
	}
	r.mu.Unlock()

	for _, f := range sh.frames {
		r.phys.Refdown(f)
	}
	return 0
}

/// List returns every live share, in creation order, for diagnostics
/// and tests.
func (r *Registry_t) List() []*Share_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Share_t
	for sh := r.head; sh != nil; sh = sh.next {
		out = append(out, sh)
	}
	return out
}
