// Package media defines the frame and stream abstractions the call core
// pumps data through. A Stream is one directional flow of media frames
// for one session, belonging to one connection; concrete streams wrap a
// device, an in-memory queue, or an RTP socket.
package media

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sebas/tandem/internal/media/format"
)

var (
	// ErrClosed is returned by stream operations after Close.
	ErrClosed = errors.New("media stream closed")
	// ErrNotOpen is returned when reading or writing before Open.
	ErrNotOpen = errors.New("media stream not open")
	// ErrWrongDirection is returned when reading a sink or writing a source.
	ErrWrongDirection = errors.New("operation not valid for stream direction")
)

// Direction tags a stream as producing or consuming frames.
type Direction int

const (
	// DirectionSource streams produce frames read by a patch.
	DirectionSource Direction = iota
	// DirectionSink streams consume frames written by a patch.
	DirectionSink
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionSource:
		return "source"
	case DirectionSink:
		return "sink"
	default:
		return fmt.Sprintf("Unknown(%d)", d)
	}
}

// Frame is one unit of media data moving through a patch.
type Frame struct {
	PayloadType uint8
	Timestamp   uint32
	Marker      bool
	Payload     []byte
}

// PayloadMap remaps RTP payload type numbering between call legs that
// negotiated different dynamic assignments for the same encoding.
type PayloadMap map[uint8]uint8

// Merge copies all entries of other into the map.
func (m PayloadMap) Merge(other PayloadMap) {
	for from, to := range other {
		m[from] = to
	}
}

// Inverted returns a new map with keys and values swapped.
func (m PayloadMap) Inverted() PayloadMap {
	out := make(PayloadMap, len(m))
	for from, to := range m {
		out[to] = from
	}
	return out
}

// Apply rewrites the frame's payload type if the map has an entry for it.
func (m PayloadMap) Apply(f *Frame) {
	if len(m) == 0 {
		return
	}
	if to, ok := m[f.PayloadType]; ok {
		f.PayloadType = to
	}
}

// Stream is one directional flow of media frames for one session.
//
// ReadFrame blocks until a frame is available or the stream is closed;
// Close is the wake-up-safe cancellation for a blocked read. A Stream
// belongs to exactly one connection, which owns its lifetime.
type Stream interface {
	// ID returns the unique stream identifier.
	ID() string

	// SessionID returns the session this stream belongs to.
	SessionID() int

	// Direction returns whether the stream produces or consumes frames.
	Direction() Direction

	// IsSource reports Direction() == DirectionSource.
	IsSource() bool

	// Format returns the negotiated media format of the stream.
	Format() format.Format

	// Open readies the stream for reading/writing.
	Open() error

	// Close shuts the stream down. Safe to call multiple times and from
	// any goroutine; unblocks a concurrent ReadFrame.
	Close() error

	// IsOpen reports whether the stream is open and not closed.
	IsOpen() bool

	// ReadFrame returns the next frame from a source stream.
	ReadFrame() (Frame, error)

	// WriteFrame delivers a frame to a sink stream.
	WriteFrame(Frame) error
}

// newStreamID generates a unique stream identifier.
func newStreamID() string {
	return "stream-" + uuid.New().String()
}
