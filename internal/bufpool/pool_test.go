package bufpool

import "testing"

func TestGetPut(t *testing.T) {
	p := New(256 * 1024)
	buf := p.Get()
	if len(buf) != 256*1024 {
		t.Fatalf("len = %d, want %d", len(buf), 256*1024)
	}
	p.Put(buf)

	again := p.Get()
	if len(again) != 256*1024 {
		t.Fatalf("reused len = %d, want %d", len(again), 256*1024)
	}
}

func TestPutSmallBufferDiscarded(t *testing.T) {
	p := New(1024)
	p.Put(make([]byte, 16))
	buf := p.Get()
	if len(buf) != 1024 {
		t.Fatalf("len = %d, want 1024", len(buf))
	}
}

func TestNewPanicsOnZeroSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero size")
		}
	}()
	New(0)
}
