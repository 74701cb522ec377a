package vm

// GetOptimalNumFaults runs Belady's offline algorithm against a known
// reference stream: starting from an initial working set, it counts
// the faults a perfect predictor would still take, evicting (when the
// set is full) whichever resident page is referenced furthest in the
// future, or never again. This is a pure function over its arguments,
// not a method on Vm_t, so tests can exercise it directly against
// spec.md's worked example without constructing an address space.
func GetOptimalNumFaults(initWS []uintptr, maxWS int, stream []uintptr) int {
	resident := append([]uintptr(nil), initWS...)
	faults := 0
	for i, ref := range stream {
		if contains(resident, ref) {
			continue
		}
		faults++
		future := stream[i+1:]
		if len(resident) < maxWS {
			resident = append(resident, ref)
			continue
		}
		victim := 0
		farthest := -1
		for j, r := range resident {
			d := distanceToNextUse(r, future)
			if d > farthest {
				farthest = d
				victim = j
			}
		}
		resident[victim] = ref
	}
	return faults
}

func contains(s []uintptr, v uintptr) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
