package vm

import (
	"bytes"
	"testing"

	"github.com/oichkatzele/fosmem/limits"
)

func TestWriteProfileProducesNonemptyOutput(t *testing.T) {
	as, _ := freshVm(t, 4, Clock_t{})
	va := limits.USER_HEAP_START
	if err := as.HandleFault(va, false); err != 0 {
		t.Fatalf("HandleFault failed: %v", err)
	}

	var buf bytes.Buffer
	if err := as.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected non-empty gzip-compressed profile output")
	}
}
