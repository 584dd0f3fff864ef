// Package transcode converts media frames between formats. A Registry
// holds the available single-hop conversions; negotiation asks it what
// formats are reachable from a starting set and how to bridge two
// concrete formats, directly or through an intermediate format.
package transcode

import (
	"errors"

	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/format"
)

var (
	// ErrNoCommonFormat is returned when two format lists cannot be
	// bridged by any registered conversion.
	ErrNoCommonFormat = errors.New("no common media format")
	// ErrNoTranscoderPath is returned when two concrete formats have no
	// registered direct or two-step conversion.
	ErrNoTranscoderPath = errors.New("no transcoder path between formats")
	// ErrUnknownTranscoder is returned when no factory is registered for
	// a conversion.
	ErrUnknownTranscoder = errors.New("transcoder not registered")
)

// Transcoder converts frames of one format into frames of another. A
// call may produce zero frames (the transcoder is buffering) or several
// (it drained buffered input). Instances are owned by a single patch
// sink and never shared.
type Transcoder interface {
	// SourceFormat returns the format consumed.
	SourceFormat() format.Format

	// DestFormat returns the format produced.
	DestFormat() format.Format

	// Transcode converts one input frame into zero or more output frames.
	Transcode(media.Frame) ([]media.Frame, error)
}

// Factory creates a fresh transcoder instance for one conversion.
type Factory func() (Transcoder, error)
