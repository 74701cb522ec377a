// Package pagefile is the PageFile_i external collaborator: the
// page-file backing store spec.md §1 places out of scope
// (pf_read_env_page, pf_update_env_page), specified only at its
// interface. Grounded on the fault handler's documented call shape in
// spec.md §4.D.
package pagefile

import (
	"sync"

	"github.com/oichkatzele/fosmem/defs"
	"github.com/oichkatzele/fosmem/mem"
)

/// PageFile_i is the swap-space collaborator the fault handler reads
/// from on a placement fault and writes to when evicting a modified
/// page.
type PageFile_i interface {
	// ReadPage reads the page backing (owner, va) into pg. Returns
	// E_PAGE_NOT_EXIST_IN_PF if no such page was ever written out.
	ReadPage(owner defs.ProcID_t, va uintptr, pg *mem.Pg_t) defs.Err_t

	// WritePage writes pg out as the backing copy of (owner, va).
	// Returns E_NO_PAGE_FILE_SPACE if the backing store is full.
	WritePage(owner defs.ProcID_t, va uintptr, pg *mem.Pg_t) defs.Err_t

	// Forget discards any backing copy of (owner, va), e.g. when the
	// process exits or the mapping is torn down outright.
	Forget(owner defs.ProcID_t, va uintptr)
}

type key_t struct {
	owner defs.ProcID_t
	va    uintptr
}

/// RefFile is an in-memory PageFile_i reference implementation with a
/// fixed page budget, standing in for a real disk-backed page file. A
/// kernel would back this with an actual block device; here a map over
/// mem.Pg_t values is the whole "disk".
type RefFile struct {
	mu       sync.Mutex
	store    map[key_t]mem.Pg_t
	maxPages int
}

/// MkRefFile creates a reference page file able to hold up to maxPages
/// backing pages before returning E_NO_PAGE_FILE_SPACE.
func MkRefFile(maxPages int) *RefFile {
	return &RefFile{
		store:    make(map[key_t]mem.Pg_t),
		maxPages: maxPages,
	}
}

func (f *RefFile) ReadPage(owner defs.ProcID_t, va uintptr, pg *mem.Pg_t) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key_t{owner, va}
	stored, ok := f.store[k]
	if !ok {
		return defs.E_PAGE_NOT_EXIST_IN_PF
	}
	*pg = stored
	return 0
}

func (f *RefFile) WritePage(owner defs.ProcID_t, va uintptr, pg *mem.Pg_t) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key_t{owner, va}
	if _, exists := f.store[k]; !exists && len(f.store) >= f.maxPages {
		return defs.E_NO_PAGE_FILE_SPACE
	}
	f.store[k] = *pg
	return 0
}

func (f *RefFile) Forget(owner defs.ProcID_t, va uintptr) {
	f.mu.Lock()
	delete(f.store, key_t{owner, va})
	f.mu.Unlock()
}
