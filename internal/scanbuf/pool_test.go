package scanbuf

import "testing"

func TestGetReturnsBufferOfConfiguredSize(t *testing.T) {
	p := New(64)
	buf := p.Get()
	if len(buf) != 64 {
		t.Fatalf("len(buf) = %d, want 64", len(buf))
	}
}

func TestPutRecyclesBuffer(t *testing.T) {
	p := New(32)
	buf := p.Get()
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Put(buf)

	recycled := p.Get()
	if len(recycled) != 32 {
		t.Fatalf("len(recycled) = %d, want 32", len(recycled))
	}
}

func TestPutIgnoresUndersizedBuffer(t *testing.T) {
	p := New(32)
	p.Put(make([]byte, 4))
	if buf := p.Get(); len(buf) != 32 {
		t.Fatalf("len(buf) = %d, want 32 (undersized buffer must not have been pooled)", len(buf))
	}
}
