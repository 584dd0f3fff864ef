package media

import (
	"testing"
)

func TestSequenceTrackerInOrder(t *testing.T) {
	tr := NewSequenceTracker()

	for seq := uint16(100); seq < 110; seq++ {
		_, lost := tr.Update(seq)
		if lost != 0 {
			t.Errorf("Update(%d) lost = %d, want 0", seq, lost)
		}
	}

	received, lost := tr.Stats()
	if received != 10 || lost != 0 {
		t.Errorf("Stats() = %d, %d, want 10, 0", received, lost)
	}
	if rate := tr.LossRate(); rate != 0 {
		t.Errorf("LossRate() = %f, want 0", rate)
	}
}

func TestSequenceTrackerDetectsLoss(t *testing.T) {
	tr := NewSequenceTracker()

	tr.Update(10)
	_, lost := tr.Update(14)
	if lost != 3 {
		t.Errorf("gap 10->14 lost = %d, want 3", lost)
	}

	received, totalLost := tr.Stats()
	if received != 2 || totalLost != 3 {
		t.Errorf("Stats() = %d, %d, want 2, 3", received, totalLost)
	}
	if rate := tr.LossRate(); rate != 0.6 {
		t.Errorf("LossRate() = %f, want 0.6", rate)
	}
}

func TestSequenceTrackerRollover(t *testing.T) {
	tr := NewSequenceTracker()

	tr.Update(0xFFFE)
	tr.Update(0xFFFF)
	extended, lost := tr.Update(0)
	if lost != 0 {
		t.Errorf("rollover lost = %d, want 0", lost)
	}
	if extended != 1<<16 {
		t.Errorf("extended = %#x, want %#x", extended, uint32(1<<16))
	}

	extended, _ = tr.Update(1)
	if extended != (1<<16)|1 {
		t.Errorf("extended = %#x, want %#x", extended, uint32((1<<16)|1))
	}
}

func TestSequenceTrackerReorderedPacket(t *testing.T) {
	tr := NewSequenceTracker()

	tr.Update(20)
	tr.Update(21)
	// A late packet counts nothing as lost
	_, lost := tr.Update(19)
	if lost != 0 {
		t.Errorf("reordered packet lost = %d, want 0", lost)
	}
}

func TestSequenceTrackerReset(t *testing.T) {
	tr := NewSequenceTracker()
	tr.Update(5)
	tr.Update(9)
	tr.Reset()

	received, lost := tr.Stats()
	if received != 0 || lost != 0 {
		t.Errorf("Stats() after Reset = %d, %d, want 0, 0", received, lost)
	}
	if extended, _ := tr.Update(42); extended != 42 {
		t.Errorf("first Update after Reset extended = %d, want 42", extended)
	}
}
