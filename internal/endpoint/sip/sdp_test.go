package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/tandem/internal/media/format"
)

func TestBuildSDP(t *testing.T) {
	body, err := BuildSDP("192.168.1.10", 10000,
		format.NewList(format.PCMU, format.PCMA, format.TelephoneEvent))
	require.NoError(t, err)

	sdp := string(body)
	assert.Contains(t, sdp, "c=IN IP4 192.168.1.10")
	assert.Contains(t, sdp, "m=audio 10000 RTP/AVP 0 8 101")
	assert.Contains(t, sdp, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, sdp, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, sdp, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, sdp, "a=fmtp:101 0-15")
	assert.Contains(t, sdp, "a=ptime:20")
	assert.Contains(t, sdp, "a=sendrecv")
}

func TestBuildSDPNoAudio(t *testing.T) {
	_, err := BuildSDP("192.168.1.10", 10000, format.NewList(format.H264))
	assert.Error(t, err)
}

func TestBuildSDPUsesRtpmapAliases(t *testing.T) {
	body, err := BuildSDP("10.0.0.1", 12000,
		format.NewList(format.G722, format.G729, format.GSM0610))
	require.NoError(t, err)

	sdp := string(body)
	assert.Contains(t, sdp, "a=rtpmap:9 G722/8000")
	assert.Contains(t, sdp, "a=rtpmap:18 G729/8000")
	assert.Contains(t, sdp, "a=rtpmap:3 GSM/8000")
}

func TestParseSDPRoundTrip(t *testing.T) {
	offered := format.NewList(format.PCMU, format.PCMA)
	body, err := BuildSDP("192.168.1.10", 10000, offered)
	require.NoError(t, err)

	remote, err := ParseSDP(body)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.10", remote.Address)
	assert.Equal(t, 10000, remote.Port)
	assert.Equal(t, []string{"PCMU", "PCMA"}, remote.Formats.Names())
	assert.Empty(t, remote.PayloadMap)
}

func TestParseSDPDynamicPayloadMap(t *testing.T) {
	// Remote numbers telephone-event as 120 instead of our 101
	body := strings.Join([]string{
		"v=0",
		"o=test 1 1 IN IP4 10.1.2.3",
		"s=-",
		"c=IN IP4 10.1.2.3",
		"t=0 0",
		"m=audio 14000 RTP/AVP 0 120",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:120 telephone-event/8000",
		"",
	}, "\r\n")

	remote, err := ParseSDP([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, []string{"PCMU", "telephone-event"}, remote.Formats.Names())
	assert.Equal(t, uint8(120), remote.PayloadMap[format.TelephoneEvent.PayloadType])
}

func TestParseSDPStaticTypesWithoutRtpmap(t *testing.T) {
	body := strings.Join([]string{
		"v=0",
		"o=test 1 1 IN IP4 10.1.2.3",
		"s=-",
		"c=IN IP4 10.1.2.3",
		"t=0 0",
		"m=audio 14000 RTP/AVP 8 3",
		"",
	}, "\r\n")

	remote, err := ParseSDP([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, []string{"PCMA", "GSM-06.10"}, remote.Formats.Names())
}

func TestParseSDPSessionLevelConnection(t *testing.T) {
	body := strings.Join([]string{
		"v=0",
		"o=test 1 1 IN IP4 172.16.0.9",
		"s=-",
		"c=IN IP4 172.16.0.9",
		"t=0 0",
		"m=audio 15000 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"",
	}, "\r\n")

	remote, err := ParseSDP([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "172.16.0.9", remote.Address)
}

func TestParseSDPSkipsUnknownFormats(t *testing.T) {
	body := strings.Join([]string{
		"v=0",
		"o=test 1 1 IN IP4 10.1.2.3",
		"s=-",
		"c=IN IP4 10.1.2.3",
		"t=0 0",
		"m=audio 14000 RTP/AVP 0 111",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:111 opus/48000/2",
		"",
	}, "\r\n")

	remote, err := ParseSDP([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"PCMU"}, remote.Formats.Names())
}

func TestParseSDPNoAudioSection(t *testing.T) {
	body := strings.Join([]string{
		"v=0",
		"o=test 1 1 IN IP4 10.1.2.3",
		"s=-",
		"c=IN IP4 10.1.2.3",
		"t=0 0",
		"m=video 16000 RTP/AVP 97",
		"a=rtpmap:97 H264/90000",
		"",
	}, "\r\n")

	_, err := ParseSDP([]byte(body))
	assert.Error(t, err)
}

func TestParseSDPGarbage(t *testing.T) {
	_, err := ParseSDP([]byte("not an sdp"))
	assert.Error(t, err)
}
