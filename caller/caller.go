// Package caller provides the tier-3 invariant-violation diagnostics:
// a call-stack dump, de-duplication of repeated panic sites, and
// an optional disassembly of the faulting instruction when the caller
// captured a byte window around it.
package caller

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/arch/x86/x86asm"
)

// Callerdump prints the call stack starting at the given depth.
//
// Parameters:
//
//	start - stack frame to begin printing.
func Callerdump(start int) {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	fmt.Printf("%s", s)
}

// Distinct_caller_t tracks whether a call chain has been seen before.
// No package in this module uses it; the fault handler's livelock
// check keeps its own repeat counter.
// Fields are protected by the embedded mutex.
type Distinct_caller_t struct {
	sync.Mutex
	Enabled bool
	did     map[uintptr]bool
	Whitel  map[string]bool
}

// returns a poor-man's hash of the given RIP values, which is probably unique.
func (dc *Distinct_caller_t) _pchash(pcs []uintptr) uintptr {
	if len(pcs) == 0 {
		panic("d'oh")
	}
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len returns the number of unique caller paths recorded.
func (dc *Distinct_caller_t) Len() int {
	dc.Lock()
	ret := len(dc.did)
	dc.Unlock()
	return ret
}

// Distinct reports whether the current call chain is new.
// It returns true along with a formatted stack trace when not seen before.
func (dc *Distinct_caller_t) Distinct() (bool, string) {
	dc.Lock()
	defer dc.Unlock()
	if !dc.Enabled {
		return false, ""
	}

	if dc.did == nil {
		dc.did = make(map[uintptr]bool)
	}

	var pcs []uintptr
	for sz, got := 30, 30; got >= sz; sz *= 2 {
		pcs = make([]uintptr, 30)
		got = runtime.Callers(3, pcs)
		if got == 0 {
			panic("no")
		}
	}
	h := dc._pchash(pcs)
	if ok := dc.did[h]; !ok {
		dc.did[h] = true
		frames := runtime.CallersFrames(pcs)
		fs := ""
		// check for white-listed caller
		for {
			fr, more := frames.Next()
			if ok := dc.Whitel[fr.Function]; ok {
				return false, ""
			}
			if fs == "" {
				fs = fmt.Sprintf("%v (%v:%v)\n", fr.Function,
					fr.File, fr.Line)
			} else {
				fs += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function,
					fr.File, fr.Line)
			}
			if !more || fr.Function == "runtime.goexit" {
				break
			}
		}
		return true, fs
	}
	return false, ""
}

// Diag_t is a tier-3 invariant-violation report: the faulting virtual
// address, the call chain that reached the check, and (when the
// caller supplied raw instruction bytes) the decoded mnemonic at the
// reported EIP/RIP.
type Diag_t struct {
	FaultVA  uintptr
	Reason   string
	Stack    string
	InsnText string
}

// Panicf builds a Diag_t from the current call stack and an optional
// instruction-byte window, prints it, and panics. code, when non-nil,
// is disassembled at offset 0 (the caller is expected to have already
// sliced the bytes to start at the reported instruction pointer).
func Panicf(fa uintptr, code []byte, reason string, args ...interface{}) {
	d := Diag_t{
		FaultVA: fa,
		Reason:  fmt.Sprintf(reason, args...),
	}
	buf := make([]uintptr, 32)
	n := runtime.Callers(2, buf)
	frames := runtime.CallersFrames(buf[:n])
	for {
		fr, more := frames.Next()
		d.Stack += fmt.Sprintf("\t%v (%v:%v)\n", fr.Function, fr.File, fr.Line)
		if !more {
			break
		}
	}
	if len(code) > 0 {
		if insn, err := x86asm.Decode(code, 64); err == nil {
			d.InsnText = x86asm.GNUSyntax(insn, uint64(fa), nil)
		}
	}
	fmt.Printf("panic: %s at va=%#x\n%s", d.Reason, d.FaultVA, d.Stack)
	if d.InsnText != "" {
		fmt.Printf("faulting instruction: %s\n", d.InsnText)
	}
	panic(d.Reason)
}
