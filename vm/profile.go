package vm

import (
	"io"
	"strconv"

	"github.com/google/pprof/profile"
)

// WriteProfile serializes this address space's current working-set
// residency as a pprof profile: one sample per resident slot, valued
// by how long it has been since that slot's page was placed (the
// timestamp the LRU-time-approx policy reasons about). Test/
// diagnostic tooling for offline `pprof` inspection of working-set
// behavior under a given policy, not a runtime dependency of
// HandleFault.
func (as *Vm_t) WriteProfile(w io.Writer) error {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "age", Unit: "ticks"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
		Comments:   []string{"policy=" + as.Policy.Name()},
	}

	now := tick()
	var nextID uint64 = 1
	for _, idx := range residentSlots(as.Proc.PageWS) {
		e := as.Proc.PageWS[idx]
		fn := &profile.Function{ID: nextID, Name: "slot_" + strconv.Itoa(idx)}
		loc := &profile.Location{ID: nextID, Address: uint64(e.VA), Line: []profile.Line{{Function: fn}}}
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{now - e.TimeStamp},
		})
	}

	return p.Write(w)
}
