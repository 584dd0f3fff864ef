package transcode

import (
	"github.com/zaf/g711"

	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/format"
)

// g711Transcoder converts between G.711 companded audio and 16-bit
// linear PCM using the g711 library. Each frame converts independently,
// so Transcode always emits exactly one frame.
type g711Transcoder struct {
	src     format.Format
	dst     format.Format
	convert func([]byte) []byte
}

func (t *g711Transcoder) SourceFormat() format.Format { return t.src }
func (t *g711Transcoder) DestFormat() format.Format   { return t.dst }

func (t *g711Transcoder) Transcode(in media.Frame) ([]media.Frame, error) {
	return []media.Frame{{
		PayloadType: t.dst.PayloadType,
		Timestamp:   in.Timestamp,
		Marker:      in.Marker,
		Payload:     t.convert(in.Payload),
	}}, nil
}

func newG711Factory(src, dst format.Format, convert func([]byte) []byte) Factory {
	return func() (Transcoder, error) {
		return &g711Transcoder{src: src, dst: dst, convert: convert}, nil
	}
}

// RegisterG711 adds the four G.711 conversions between µ-law/A-law and
// linear PCM. With these registered, PCMU and PCMA bridge each other
// through L16 as a two-step chain.
func RegisterG711(r *Registry) {
	r.Register(format.PCMU, format.L16Mono8k, newG711Factory(format.PCMU, format.L16Mono8k, g711.DecodeUlaw))
	r.Register(format.L16Mono8k, format.PCMU, newG711Factory(format.L16Mono8k, format.PCMU, g711.EncodeUlaw))
	r.Register(format.PCMA, format.L16Mono8k, newG711Factory(format.PCMA, format.L16Mono8k, g711.DecodeAlaw))
	r.Register(format.L16Mono8k, format.PCMA, newG711Factory(format.L16Mono8k, format.PCMA, g711.EncodeAlaw))
}
