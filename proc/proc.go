// Package proc supplies the minimal process-table view the memory
// core needs: the fields the fault handler and allocators read or
// mutate directly (working set, page directory, kernel stack bounds),
// and the Scheduler_i interface through which the core blocks and
// wakes callers without knowing anything about how scheduling itself
// works. The real process table, the trap dispatcher, and the
// scheduler proper all live outside this module's scope; Proc_t here
// is the external-collaborator's view, not a full implementation.
package proc

import (
	"sync"

	"github.com/oichkatzele/fosmem/accnt"
	"github.com/oichkatzele/fosmem/defs"
)

/// Status_t is a process's scheduling status as observed by the core.
type Status_t int

const (
	Running Status_t = iota
	Blocked
	Dead
)

/// WSElem_t is one working-set slot: the resident virtual address, the
/// timestamp used by the LRU-time-approx policy, and whether the slot
/// is unused. Mirrors spec.md's working-set element tuple.
type WSElem_t struct {
	VA        uintptr
	TimeStamp int64
	Empty     bool
	Used      bool
	Modified  bool
}

/// Proc_t exposes the subset of process state the memory core touches:
/// its page directory handle, its working set and replacement-policy
/// hand, the offline reference stream for the OPTIMAL oracle, and its
/// kernel stack bounds (checked by the fault classifier for stack
/// over/underflow).
type Proc_t struct {
	sync.Mutex

	ID defs.ProcID_t

	// PageDirectory is opaque to this package; callers pass it through
	// to the pagetable.PageTable_i collaborator.
	PageDirectory interface{}

	PageWS            []WSElem_t
	PageWSMaxSize     int
	PageLastWSElement int // index into PageWS; -1 until the WS first fills

	ReferenceStreamList []uintptr
	referenceCursor     int

	Status Status_t

	KstackBottom uintptr
	KstackTop    uintptr

	// Accnt is charged for the time this process spends blocked waiting
	// for a free block or cluster, and blocked while a replacement
	// victim's modified page is written to the page file; both waits
	// are deducted from Sysns.
	Accnt accnt.Accnt_t
}

/// MkProc creates a process with the given working-set capacity.
func MkProc(id defs.ProcID_t, wsMax int) *Proc_t {
	return &Proc_t{
		ID:                id,
		PageWSMaxSize:     wsMax,
		PageLastWSElement: -1,
	}
}

/// NextStreamRef returns the remaining reference stream, used by the
/// OPTIMAL replacement policy to look ahead without mutating the process.
func (p *Proc_t) NextStreamRef() []uintptr {
	if p.referenceCursor >= len(p.ReferenceStreamList) {
		return nil
	}
	return p.ReferenceStreamList[p.referenceCursor:]
}

/// AdvanceStream consumes one entry of the reference stream.
func (p *Proc_t) AdvanceStream() (uintptr, bool) {
	if p.referenceCursor >= len(p.ReferenceStreamList) {
		return 0, false
	}
	v := p.ReferenceStreamList[p.referenceCursor]
	p.referenceCursor++
	return v, true
}

/// WaitQ_t is a FIFO queue of blocked callers, used for alloc_wait_queue
/// and any other core-internal wait list. Each Enqueue allocates one
/// channel for its waiter; WakeOne closes it.
type WaitQ_t struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

/// MkWaitQ allocates an empty wait queue.
func MkWaitQ() *WaitQ_t {
	return &WaitQ_t{}
}

/// Enqueue registers a new waiter and returns the channel it must
/// receive on before retrying its operation.
func (q *WaitQ_t) Enqueue() chan struct{} {
	c := make(chan struct{})
	q.mu.Lock()
	q.waiters = append(q.waiters, c)
	q.mu.Unlock()
	return c
}

/// WakeOne wakes the longest-waiting caller, FIFO, if any is queued.
func (q *WaitQ_t) WakeOne() {
	q.mu.Lock()
	if len(q.waiters) == 0 {
		q.mu.Unlock()
		return
	}
	c := q.waiters[0]
	q.waiters = q.waiters[1:]
	q.mu.Unlock()
	close(c)
}

/// Empty reports whether any caller is waiting.
func (q *WaitQ_t) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters) == 0
}

/// Scheduler_i is the external collaborator the core uses to block the
/// calling goroutine and to learn which process is currently running.
/// A real kernel would context-switch; a hosted reference
/// implementation (see proc.DirectScheduler) can simply block the
/// calling goroutine on a channel.
type Scheduler_i interface {
	// Block suspends the caller until wake fires.
	Block(wake <-chan struct{})
	Current() *Proc_t
}

/// DirectScheduler is a trivial Scheduler_i: Block blocks the calling
/// goroutine directly, and Current returns whatever process was last
/// installed with SetCurrent. It is meant for tests and for a
/// single-address-space embedding of this module, not for a real
/// multi-process kernel.
type DirectScheduler struct {
	mu      sync.Mutex
	current *Proc_t
}

func (d *DirectScheduler) Block(wake <-chan struct{}) {
	<-wake
}

func (d *DirectScheduler) SetCurrent(p *Proc_t) {
	d.mu.Lock()
	d.current = p
	d.mu.Unlock()
}

func (d *DirectScheduler) Current() *Proc_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}
