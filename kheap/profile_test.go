package kheap

import (
	"bytes"
	"testing"
)

func TestWriteProfileProducesNonemptyOutput(t *testing.T) {
	h := freshHeap(t, 4, 4)
	if _, err := h.AllocBlock(16, false); err != 0 {
		t.Fatalf("AllocBlock failed: %v", err)
	}
	if _, err := h.Kmalloc(pageSize*2, false); err != 0 {
		t.Fatalf("Kmalloc failed: %v", err)
	}

	var buf bytes.Buffer
	if err := h.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile failed: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected non-empty gzip-compressed profile output")
	}
}
