package media

import (
	"log/slog"
	"sync"

	"github.com/sebas/tandem/internal/media/format"
)

// baseStream carries the identity and lifecycle state shared by all
// stream implementations.
type baseStream struct {
	id        string
	sessionID int
	direction Direction
	fmt       format.Format

	mu     sync.Mutex
	opened bool
	closed bool
}

func newBaseStream(f format.Format, sessionID int, dir Direction) baseStream {
	return baseStream{
		id:        newStreamID(),
		sessionID: sessionID,
		direction: dir,
		fmt:       f,
	}
}

func (s *baseStream) ID() string           { return s.id }
func (s *baseStream) SessionID() int       { return s.sessionID }
func (s *baseStream) Direction() Direction { return s.direction }
func (s *baseStream) IsSource() bool       { return s.direction == DirectionSource }
func (s *baseStream) Format() format.Format {
	return s.fmt
}

func (s *baseStream) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened && !s.closed
}

// markOpen transitions to open, failing if already closed.
func (s *baseStream) markOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.opened = true
	return nil
}

// markClosed transitions to closed, reporting whether this call did it.
func (s *baseStream) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// QueueStream is an in-memory stream backed by a buffered channel. It
// serves local endpoints (softphone-style legs, IVR) and tests: a
// source QueueStream is fed by PushFrame, a sink QueueStream is drained
// by PopFrame.
type QueueStream struct {
	baseStream

	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

// defaultQueueDepth bounds in-flight frames per queue stream.
const defaultQueueDepth = 64

// NewQueueStream creates a queue-backed stream for the given format,
// session and direction.
func NewQueueStream(f format.Format, sessionID int, dir Direction) *QueueStream {
	return &QueueStream{
		baseStream: newBaseStream(f, sessionID, dir),
		frames:     make(chan Frame, defaultQueueDepth),
		done:       make(chan struct{}),
	}
}

// Open readies the stream.
func (s *QueueStream) Open() error {
	return s.markOpen()
}

// Close shuts the stream down and unblocks pending reads and writes.
func (s *QueueStream) Close() error {
	if !s.markClosed() {
		return nil
	}
	s.once.Do(func() { close(s.done) })
	slog.Debug("[QueueStream] Closed", "stream_id", s.id, "direction", s.direction.String())
	return nil
}

// ReadFrame returns the next queued frame, blocking until one arrives
// or the stream is closed.
func (s *QueueStream) ReadFrame() (Frame, error) {
	if !s.IsSource() {
		return Frame{}, ErrWrongDirection
	}
	if !s.IsOpen() {
		if s.isClosed() {
			return Frame{}, ErrClosed
		}
		return Frame{}, ErrNotOpen
	}
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return Frame{}, ErrClosed
	}
}

// WriteFrame queues a frame, blocking when the queue is full until
// space frees up or the stream is closed.
func (s *QueueStream) WriteFrame(f Frame) error {
	if s.IsSource() {
		return ErrWrongDirection
	}
	if !s.IsOpen() {
		if s.isClosed() {
			return ErrClosed
		}
		return ErrNotOpen
	}
	select {
	case s.frames <- f:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// PushFrame injects a frame into a source stream from the owning
// endpoint, bypassing the direction check that guards patch usage.
func (s *QueueStream) PushFrame(f Frame) error {
	if s.isClosed() {
		return ErrClosed
	}
	select {
	case s.frames <- f:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// PopFrame drains one frame from a sink stream without blocking.
func (s *QueueStream) PopFrame() (Frame, bool) {
	select {
	case f := <-s.frames:
		return f, true
	default:
		return Frame{}, false
	}
}

// Depth returns the number of frames currently queued.
func (s *QueueStream) Depth() int {
	return len(s.frames)
}

func (s *QueueStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
