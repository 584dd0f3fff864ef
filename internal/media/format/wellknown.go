package format

// OptionFrameTime is the packetization time in milliseconds.
const OptionFrameTime = "frame-time-ms"

// OptionBitRate is the nominal encoded bit rate in bits per second.
const OptionBitRate = "bit-rate"

// Well-known formats. Payload types per RFC 3551 where static
// assignments exist; dynamic types otherwise.
var (
	// PCMU is G.711 µ-law (North America, Japan).
	PCMU = New("PCMU", KindAudio, 8000, 0,
		Option{OptionFrameTime, 20}, Option{OptionBitRate, 64000})

	// PCMA is G.711 A-law (Europe, rest of world).
	PCMA = New("PCMA", KindAudio, 8000, 8,
		Option{OptionFrameTime, 20}, Option{OptionBitRate, 64000})

	// L16Mono8k is raw 16-bit signed linear PCM at 8 kHz, the canonical
	// intermediate format for software transcoding.
	L16Mono8k = New("L16", KindAudio, 8000, 96,
		Option{OptionFrameTime, 20}, Option{OptionBitRate, 128000})

	// GSM0610 is GSM full rate 06.10.
	GSM0610 = New("GSM-06.10", KindAudio, 8000, 3,
		Option{OptionFrameTime, 20}, Option{OptionBitRate, 13200})

	// G722 is G.722 wideband audio (RTP clock 8000 per RFC 3551).
	G722 = New("G.722", KindAudio, 8000, 9,
		Option{OptionFrameTime, 20}, Option{OptionBitRate, 64000})

	// G729 is G.729 conjugate-structure ACELP.
	G729 = New("G.729", KindAudio, 8000, 18,
		Option{OptionFrameTime, 20}, Option{OptionBitRate, 8000})

	// G7231 is G.723.1 dual rate.
	G7231 = New("G.723.1", KindAudio, 8000, 4,
		Option{OptionFrameTime, 30}, Option{OptionBitRate, 6300})

	// TelephoneEvent is RFC 4733 DTMF events.
	TelephoneEvent = New("telephone-event", KindAudio, 8000, 101)

	// H264 is H.264 video with the standard 90 kHz RTP clock.
	H264 = New("H.264", KindVideo, 90000, 97)

	// T38 is T.38 fax relay.
	T38 = New("T.38", KindFax, 8000, 102)
)

// ByPayloadType resolves a well-known format from its RTP payload type.
func ByPayloadType(pt uint8) (Format, bool) {
	for _, f := range []Format{PCMU, PCMA, GSM0610, G722, G729, G7231, TelephoneEvent, H264, T38} {
		if f.PayloadType == pt {
			return f, true
		}
	}
	return Format{}, false
}

// ByName resolves a well-known format from its name.
func ByName(name string) (Format, bool) {
	for _, f := range []Format{PCMU, PCMA, L16Mono8k, GSM0610, G722, G729, G7231, TelephoneEvent, H264, T38} {
		if f.Name == name {
			return f, true
		}
	}
	return Format{}, false
}
