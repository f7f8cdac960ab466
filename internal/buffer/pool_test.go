package buffer

import "testing"

func TestPoolRoundTrip(t *testing.T) {
	p := NewPool(64)

	buf := p.Get()
	if len(buf) != 64 {
		t.Fatalf("Get returned %d bytes, want 64", len(buf))
	}
	for i := range buf {
		buf[i] = 0xaa
	}
	p.Put(buf)

	// Reused buffers come back zeroed.
	again := p.Get()
	for i, b := range again {
		if b != 0 {
			t.Fatalf("byte %d = %#x after reuse, want 0", i, b)
		}
	}
}

func TestPoolRejectsForeignSizes(t *testing.T) {
	p := NewPool(64)
	p.Put(make([]byte, 32)) // silently dropped
	if got := len(p.Get()); got != 64 {
		t.Errorf("Get returned %d bytes, want 64", got)
	}
}
