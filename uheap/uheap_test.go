package uheap

import (
	"testing"

	"github.com/oichkatzele/fosmem/defs"
	"github.com/oichkatzele/fosmem/kheap"
	"github.com/oichkatzele/fosmem/limits"
	"github.com/oichkatzele/fosmem/mem"
	"github.com/oichkatzele/fosmem/pagetable"
	"github.com/oichkatzele/fosmem/proc"
	"github.com/oichkatzele/fosmem/share"
)

func freshHeap(t *testing.T, owner defs.ProcID_t, sharedPages int) (*Heap_t, *pagetable.RefTable, pagetable.PageDir_t) {
	t.Helper()
	mem.Physmem = &mem.Physmem_t{}
	phys := mem.Phys_init(256)
	sched := &proc.DirectScheduler{}
	priv := kheap.MkHeap(phys, sched, limits.USER_HEAP_START, limits.USER_HEAP_START+16*uintptr(mem.PGSIZE),
		limits.USER_HEAP_START+16*uintptr(mem.PGSIZE), limits.USER_HEAP_MAX)
	registry := share.MkRegistry(phys)
	pt := pagetable.MkRefTable(phys)
	pd := pt.NewPageDir()
	sharedBase := uintptr(0x50000000)
	h := MkHeap(priv, registry, pt, pd, owner, sharedBase, sharedPages)
	return h, pt, pd
}

func TestMallocFreeRoundTrip(t *testing.T) {
	h, _, _ := freshHeap(t, 1, 8)
	va, err := h.Malloc(64)
	if err != 0 {
		t.Fatalf("Malloc failed: %v", err)
	}
	if va == 0 {
		t.Fatalf("expected nonzero va")
	}
	h.Free(va)
}

func TestSmallocThenSfreeReleasesWindow(t *testing.T) {
	h, pt, pd := freshHeap(t, 1, 4)
	va, err := h.Smalloc("region", mem.PGSIZE, true)
	if err != 0 {
		t.Fatalf("Smalloc failed: %v", err)
	}
	if _, _, ok := pt.GetFrameInfo(pd, va); !ok {
		t.Fatalf("expected share mapped after Smalloc")
	}
	if err := h.Sfree(va); err != 0 {
		t.Fatalf("Sfree failed: %v", err)
	}
	if _, _, ok := pt.GetFrameInfo(pd, va); ok {
		t.Fatalf("expected mapping gone after Sfree")
	}

	// The freed range must be reusable once teardown has completed.
	va2, err := h.Smalloc("region2", mem.PGSIZE, true)
	if err != 0 {
		t.Fatalf("second Smalloc failed: %v", err)
	}
	if va2 != va {
		t.Fatalf("expected the reclaimed range to be reused, got a different va")
	}
}

func TestSmallocExhaustsWindow(t *testing.T) {
	h, _, _ := freshHeap(t, 1, 1)
	if _, err := h.Smalloc("a", mem.PGSIZE, true); err != 0 {
		t.Fatalf("first Smalloc failed: %v", err)
	}
	if _, err := h.Smalloc("b", mem.PGSIZE, true); err != defs.E_NO_MEM {
		t.Fatalf("expected E_NO_MEM once the shared window is full, got %v", err)
	}
}

func TestSgetMapsExistingShare(t *testing.T) {
	h1, pt, pd1 := freshHeap(t, 1, 4)
	pd2 := pt.NewPageDir()
	h2 := MkHeap(h1.priv, h1.shares, pt, pd2, 2, 0x60000000, 4)

	va1, err := h1.Smalloc("s", mem.PGSIZE, true)
	if err != 0 {
		t.Fatalf("Smalloc failed: %v", err)
	}
	va2, err := h2.Sget(1, "s")
	if err != 0 {
		t.Fatalf("Sget failed: %v", err)
	}
	if _, _, ok := pt.GetFrameInfo(pd2, va2); !ok {
		t.Fatalf("expected shared page mapped into second heap")
	}
	_ = pd1
	_ = va1
}

func TestSfreeOfUnknownVaFails(t *testing.T) {
	h, _, _ := freshHeap(t, 1, 4)
	if err := h.Sfree(0x50000000); err != defs.E_INVAL {
		t.Fatalf("expected E_INVAL for an unreserved va, got %v", err)
	}
}
