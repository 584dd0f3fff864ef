package portpool

import (
	"testing"
)

func TestAllocateReturnsEvenPairs(t *testing.T) {
	p := New(10000, 10010)

	for i := 0; i < 5; i++ {
		rtp, rtcp, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate() #%d error = %v", i, err)
		}
		if rtp%2 != 0 {
			t.Errorf("RTP port %d is odd", rtp)
		}
		if rtcp != rtp+1 {
			t.Errorf("RTCP port = %d, want %d", rtcp, rtp+1)
		}
		if rtp < 10000 || rtp >= 10010 {
			t.Errorf("RTP port %d outside range", rtp)
		}
	}
}

func TestAllocateExhaustion(t *testing.T) {
	p := New(10000, 10004)

	if _, _, err := p.Allocate(); err != nil {
		t.Fatalf("first Allocate() error = %v", err)
	}
	if _, _, err := p.Allocate(); err != nil {
		t.Fatalf("second Allocate() error = %v", err)
	}
	if _, _, err := p.Allocate(); err == nil {
		t.Error("Allocate() on empty pool did not error")
	}
}

func TestReleaseReturnsPort(t *testing.T) {
	p := New(10000, 10002)

	rtp, _, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if p.Available() != 0 || p.Allocated() != 1 {
		t.Errorf("counts = %d/%d, want 0/1", p.Available(), p.Allocated())
	}

	p.Release(rtp)
	if p.Available() != 1 || p.Allocated() != 0 {
		t.Errorf("counts after release = %d/%d, want 1/0", p.Available(), p.Allocated())
	}

	// Releasing an unallocated port is a no-op
	p.Release(12345)
	if p.Available() != 1 {
		t.Errorf("bogus release changed pool: %d", p.Available())
	}
}

func TestOddMinPortRoundsUp(t *testing.T) {
	p := New(10001, 10005)

	rtp, _, err := p.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if rtp != 10002 {
		t.Errorf("RTP port = %d, want 10002", rtp)
	}
}
