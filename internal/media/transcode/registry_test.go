package transcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/format"
)

// passthrough is a trivial transcoder for registry tests.
type passthrough struct {
	src, dst format.Format
}

func (t *passthrough) SourceFormat() format.Format { return t.src }
func (t *passthrough) DestFormat() format.Format   { return t.dst }
func (t *passthrough) Transcode(in media.Frame) ([]media.Frame, error) {
	out := in
	out.PayloadType = t.dst.PayloadType
	return []media.Frame{out}, nil
}

func register(r *Registry, src, dst format.Format) {
	r.Register(src, dst, func() (Transcoder, error) {
		return &passthrough{src: src, dst: dst}, nil
	})
}

func g711Registry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	RegisterG711(r)
	return r
}

func TestCanConvert(t *testing.T) {
	r := g711Registry(t)

	assert.True(t, r.CanConvert(format.PCMU, format.L16Mono8k))
	assert.True(t, r.CanConvert(format.L16Mono8k, format.PCMA))
	assert.False(t, r.CanConvert(format.PCMU, format.PCMA))
	assert.False(t, r.CanConvert(format.PCMU, format.G729))
}

func TestNewTranscoderUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.NewTranscoder(format.PCMU, format.PCMA)
	assert.ErrorIs(t, err, ErrUnknownTranscoder)
}

func TestPossibleFormatsClosure(t *testing.T) {
	r := g711Registry(t)

	got := r.PossibleFormats(format.NewList(format.PCMU))

	// PCMU -> L16 -> PCMA, inputs first then discovery order
	require.Equal(t, []string{"PCMU", "L16", "PCMA"}, got.Names())
}

func TestPossibleFormatsKeepsUnreachable(t *testing.T) {
	r := g711Registry(t)

	got := r.PossibleFormats(format.NewList(format.G729))

	require.Equal(t, []string{format.G729.Name}, got.Names())
}

func TestFindPathIdentical(t *testing.T) {
	r := g711Registry(t)

	path, err := r.FindPath(format.PCMU, format.PCMU, nil)
	require.NoError(t, err)
	assert.Nil(t, path.Primary)
	assert.Nil(t, path.Secondary)
}

func TestFindPathDirect(t *testing.T) {
	r := g711Registry(t)

	path, err := r.FindPath(format.PCMU, format.L16Mono8k, nil)
	require.NoError(t, err)
	require.NotNil(t, path.Primary)
	assert.Nil(t, path.Secondary)
	assert.Equal(t, format.L16Mono8k.Name, path.Primary.DestFormat().Name)
}

func TestFindPathTwoStep(t *testing.T) {
	r := g711Registry(t)
	all := r.PossibleFormats(format.NewList(format.PCMU, format.PCMA))

	path, err := r.FindPath(format.PCMU, format.PCMA, all)
	require.NoError(t, err)
	require.NotNil(t, path.Primary)
	require.NotNil(t, path.Secondary)
	assert.Equal(t, format.L16Mono8k.Name, path.Primary.DestFormat().Name)
	assert.Equal(t, format.PCMA.Name, path.Secondary.DestFormat().Name)
}

func TestFindPathNone(t *testing.T) {
	r := g711Registry(t)

	_, err := r.FindPath(format.PCMU, format.G729, format.NewList(format.L16Mono8k))
	assert.ErrorIs(t, err, ErrNoTranscoderPath)
}

func TestSelectFormatsPrefersIdentical(t *testing.T) {
	r := g711Registry(t)

	src := format.NewList(format.PCMU, format.PCMA)
	dst := format.NewList(format.PCMA, format.PCMU)

	s, d, err := r.SelectFormats(src, dst, nil)
	require.NoError(t, err)
	// srcFormats order decides the tie
	assert.Equal(t, format.PCMU.Name, s.Name)
	assert.Equal(t, format.PCMU.Name, d.Name)
}

func TestSelectFormatsDirectConversion(t *testing.T) {
	r := NewRegistry()
	register(r, format.PCMU, format.G722)

	s, d, err := r.SelectFormats(
		format.NewList(format.PCMU),
		format.NewList(format.G722), nil)
	require.NoError(t, err)
	assert.Equal(t, format.PCMU.Name, s.Name)
	assert.Equal(t, format.G722.Name, d.Name)
}

func TestSelectFormatsTwoStep(t *testing.T) {
	r := g711Registry(t)
	all := r.PossibleFormats(format.NewList(format.PCMU))

	s, d, err := r.SelectFormats(
		format.NewList(format.PCMU),
		format.NewList(format.PCMA), all)
	require.NoError(t, err)
	assert.Equal(t, format.PCMU.Name, s.Name)
	assert.Equal(t, format.PCMA.Name, d.Name)
}

func TestSelectFormatsNoMatch(t *testing.T) {
	r := g711Registry(t)

	_, _, err := r.SelectFormats(
		format.NewList(format.PCMU),
		format.NewList(format.G729), nil)
	assert.ErrorIs(t, err, ErrNoCommonFormat)
}

func TestSelectFormatsDeterministic(t *testing.T) {
	r := g711Registry(t)
	src := format.NewList(format.PCMU, format.PCMA)
	dst := format.NewList(format.PCMA)
	all := r.PossibleFormats(src)

	firstS, firstD, err := r.SelectFormats(src, dst, all)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		s, d, err := r.SelectFormats(src, dst, all)
		require.NoError(t, err)
		require.Equal(t, firstS.Name, s.Name)
		require.Equal(t, firstD.Name, d.Name)
	}
}

func TestG711RoundTrip(t *testing.T) {
	r := g711Registry(t)

	encode, err := r.NewTranscoder(format.PCMU, format.L16Mono8k)
	require.NoError(t, err)
	decode, err := r.NewTranscoder(format.L16Mono8k, format.PCMU)
	require.NoError(t, err)

	in := media.Frame{
		PayloadType: format.PCMU.PayloadType,
		Timestamp:   160,
		Payload:     []byte{0x00, 0x7F, 0x80, 0xFF, 0x55, 0xAA, 0x12, 0xED},
	}

	linear, err := encode.Transcode(in)
	require.NoError(t, err)
	require.Len(t, linear, 1)
	// µ-law expands 1:2 to 16-bit LPCM
	assert.Len(t, linear[0].Payload, len(in.Payload)*2)
	assert.Equal(t, format.L16Mono8k.PayloadType, linear[0].PayloadType)
	assert.Equal(t, in.Timestamp, linear[0].Timestamp)

	back, err := decode.Transcode(linear[0])
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Len(t, back[0].Payload, len(in.Payload))
	assert.Equal(t, format.PCMU.PayloadType, back[0].PayloadType)

	// A second pass must be lossless: once a sample has been through the
	// codec, re-encoding its decoded form reproduces it exactly.
	linear2, err := encode.Transcode(back[0])
	require.NoError(t, err)
	back2, err := decode.Transcode(linear2[0])
	require.NoError(t, err)
	assert.Equal(t, back[0].Payload, back2[0].Payload)
}
