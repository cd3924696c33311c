package nodepool

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(2)
	if p.Capacity() != 2 {
		t.Fatalf("capacity = %d, want 2", p.Capacity())
	}

	a, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if p.InUse() != 2 {
		t.Fatalf("in use = %d, want 2", p.InUse())
	}

	if _, err := p.Acquire(); err == nil {
		t.Fatal("expected exhaustion error, got nil")
	}

	p.Release(a)
	if p.InUse() != 1 {
		t.Fatalf("in use after release = %d, want 1", p.InUse())
	}

	c, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	p.Release(b)
	p.Release(c)
	if p.InUse() != 0 {
		t.Fatalf("in use after releasing all = %d, want 0", p.InUse())
	}
}

func TestReleaseUnacquiredNodeIsNoop(t *testing.T) {
	p := New(1)
	n, err := p.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(n)
	p.Release(n) // double release must not corrupt the free list
	if p.InUse() != 0 {
		t.Fatalf("in use = %d, want 0", p.InUse())
	}
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("acquire after double release: %v", err)
	}
}
