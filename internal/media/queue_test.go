package media

import (
	"errors"
	"testing"
	"time"

	"github.com/sebas/tandem/internal/media/format"
)

func TestQueueStreamLifecycle(t *testing.T) {
	s := NewQueueStream(format.PCMU, format.DefaultAudioSessionID, DirectionSource)

	if s.IsOpen() {
		t.Error("stream open before Open()")
	}
	if _, err := s.ReadFrame(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("ReadFrame before Open = %v, want ErrNotOpen", err)
	}

	if err := s.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !s.IsOpen() {
		t.Error("stream not open after Open()")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := s.ReadFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadFrame after Close = %v, want ErrClosed", err)
	}
	if err := s.Open(); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after Close = %v, want ErrClosed", err)
	}
}

func TestQueueStreamDirectionGuards(t *testing.T) {
	src := NewQueueStream(format.PCMU, 1, DirectionSource)
	sink := NewQueueStream(format.PCMU, 1, DirectionSink)
	_ = src.Open()
	_ = sink.Open()

	if err := src.WriteFrame(Frame{}); !errors.Is(err, ErrWrongDirection) {
		t.Errorf("WriteFrame on source = %v, want ErrWrongDirection", err)
	}
	if _, err := sink.ReadFrame(); !errors.Is(err, ErrWrongDirection) {
		t.Errorf("ReadFrame on sink = %v, want ErrWrongDirection", err)
	}
}

func TestQueueStreamPushRead(t *testing.T) {
	s := NewQueueStream(format.PCMU, 1, DirectionSource)
	_ = s.Open()

	want := Frame{PayloadType: 0, Timestamp: 160, Payload: []byte{1, 2, 3}}
	if err := s.PushFrame(want); err != nil {
		t.Fatalf("PushFrame() error = %v", err)
	}

	got, err := s.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if got.Timestamp != want.Timestamp || len(got.Payload) != 3 {
		t.Errorf("ReadFrame() = %+v, want %+v", got, want)
	}
}

func TestQueueStreamCloseUnblocksRead(t *testing.T) {
	s := NewQueueStream(format.PCMU, 1, DirectionSource)
	_ = s.Open()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.ReadFrame()
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	_ = s.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked ReadFrame = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadFrame still blocked after Close")
	}
}

func TestQueueStreamWritePop(t *testing.T) {
	s := NewQueueStream(format.PCMA, 1, DirectionSink)
	_ = s.Open()

	if err := s.WriteFrame(Frame{PayloadType: 8}); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if s.Depth() != 1 {
		t.Errorf("Depth() = %d, want 1", s.Depth())
	}

	f, ok := s.PopFrame()
	if !ok || f.PayloadType != 8 {
		t.Errorf("PopFrame() = %+v, %v", f, ok)
	}
	if _, ok := s.PopFrame(); ok {
		t.Error("PopFrame() on empty queue returned a frame")
	}
}

func TestPayloadMap(t *testing.T) {
	m := PayloadMap{96: 100}
	m.Merge(PayloadMap{97: 101})

	inv := m.Inverted()
	if inv[100] != 96 || inv[101] != 97 {
		t.Errorf("Inverted() = %v", inv)
	}

	f := Frame{PayloadType: 96}
	m.Apply(&f)
	if f.PayloadType != 100 {
		t.Errorf("Apply remapped to %d, want 100", f.PayloadType)
	}

	// Unmapped types pass through
	f = Frame{PayloadType: 0}
	m.Apply(&f)
	if f.PayloadType != 0 {
		t.Errorf("Apply touched unmapped type: %d", f.PayloadType)
	}
}
