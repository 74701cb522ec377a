package kheap

import (
	"io"
	"strconv"

	"github.com/google/pprof/profile"
)

// WriteProfile serializes this heap's current occupancy as a pprof
// profile: one sample per DA size class still holding formatted pages
// (pages formatted for that class, live cells outstanding within
// them), plus one sample for the cluster region's allocated page
// count. Test/diagnostic tooling for offline `pprof` inspection of
// fragmentation, not a runtime dependency of Kmalloc/Kfree.
func (h *Heap_t) WriteProfile(w io.Writer) error {
	h.Lock()
	defer h.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "pages", Unit: "count"},
			{Type: "live_cells", Unit: "count"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}

	var nextID uint64 = 1
	addSample := func(label string, pages, liveCells int) {
		fn := &profile.Function{ID: nextID, Name: label}
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		nextID++
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(pages), int64(liveCells)},
		})
	}

	for k := 0; k < nClasses; k++ {
		classSize := 1 << (log2Min + k)
		pages, liveCells := h.classOccupancy(classSize)
		if pages > 0 {
			addSample("da_class_"+strconv.Itoa(classSize), pages, liveCells)
		}
	}

	clusterPages := 0
	for _, frame := range h.clusterFrame {
		if frame != 0 {
			clusterPages++
		}
	}
	if clusterPages > 0 {
		addSample("cluster", clusterPages, 0)
	}

	return p.Write(w)
}

func (h *Heap_t) classOccupancy(classSize int) (pages, liveCells int) {
	cellsPerPage := pageSize / classSize
	for idx := range h.daPages {
		pi := h.daPages[idx]
		if pi.blockSize != classSize {
			continue
		}
		pages++
		liveCells += cellsPerPage - pi.numFree
	}
	return
}
