package sip

import (
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"

	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/format"
)

// rtpmapName returns the SDP rtpmap encoding string for a format.
func rtpmapName(f format.Format) string {
	switch f.Name {
	case format.GSM0610.Name:
		return "GSM"
	case format.G729.Name:
		return "G729"
	case format.G722.Name:
		return "G722"
	case format.G7231.Name:
		return "G723"
	default:
		return f.Name
	}
}

// BuildSDP renders an offer or answer advertising the given formats on
// one audio media section.
func BuildSDP(address string, port int, formats format.List) ([]byte, error) {
	audio := formats.OfKind(format.KindAudio)
	if len(audio) == 0 {
		return nil, fmt.Errorf("no audio formats to offer")
	}

	fmtStrings := make([]string, 0, len(audio))
	attrs := make([]psdp.Attribute, 0, len(audio)+2)
	for _, f := range audio {
		pt := strconv.Itoa(int(f.PayloadType))
		fmtStrings = append(fmtStrings, pt)
		attrs = append(attrs, psdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%s %s/%d", pt, rtpmapName(f), f.ClockRate),
		})
		if f.Name == format.TelephoneEvent.Name {
			attrs = append(attrs, psdp.Attribute{Key: "fmtp", Value: pt + " 0-15"})
		}
	}
	attrs = append(attrs,
		psdp.Attribute{Key: "ptime", Value: "20"},
		psdp.Attribute{Key: "sendrecv"},
	)

	desc := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "tandem",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: address,
		},
		SessionName: "Tandem Call",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: address},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "audio",
					Port:    psdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: fmtStrings,
				},
				Attributes: attrs,
			},
		},
	}
	return desc.Marshal()
}

// RemoteMedia is the peer's media description extracted from SDP.
type RemoteMedia struct {
	Address    string
	Port       int
	Formats    format.List
	PayloadMap media.PayloadMap // canonical payload type -> remote's numbering
}

// ParseSDP extracts the remote RTP endpoint, the offered audio formats
// in offer order, and a payload map for formats the peer numbers with
// a different dynamic payload type than ours.
func ParseSDP(body []byte) (*RemoteMedia, error) {
	desc := &psdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("no media sections in SDP")
	}

	var md *psdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return nil, fmt.Errorf("no audio section in SDP")
	}

	out := &RemoteMedia{
		Port:       md.MediaName.Port.Value,
		PayloadMap: make(media.PayloadMap),
	}
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		out.Address = md.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		out.Address = desc.ConnectionInformation.Address.Address
	}

	// rtpmap attributes override static payload type assignments
	rtpmaps := make(map[uint8]string)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		ptStr, enc, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		pt, err := strconv.Atoi(ptStr)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		encName, _, _ := strings.Cut(enc, "/")
		rtpmaps[uint8(pt)] = encName
	}

	for _, ptStr := range md.MediaName.Formats {
		pt, err := strconv.Atoi(ptStr)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		remotePT := uint8(pt)

		var f format.Format
		var known bool
		if enc, ok := rtpmaps[remotePT]; ok {
			f, known = formatByEncodingName(enc)
		}
		if !known {
			f, known = format.ByPayloadType(remotePT)
		}
		if !known {
			continue
		}
		out.Formats.Add(f)
		if f.PayloadType != remotePT {
			out.PayloadMap[f.PayloadType] = remotePT
		}
	}
	return out, nil
}

// formatByEncodingName resolves an SDP encoding name to a well-known
// format.
func formatByEncodingName(enc string) (format.Format, bool) {
	switch strings.ToUpper(enc) {
	case "PCMU":
		return format.PCMU, true
	case "PCMA":
		return format.PCMA, true
	case "GSM":
		return format.GSM0610, true
	case "G722":
		return format.G722, true
	case "G729":
		return format.G729, true
	case "G723":
		return format.G7231, true
	case "L16":
		return format.L16Mono8k, true
	case "TELEPHONE-EVENT":
		return format.TelephoneEvent, true
	default:
		return format.Format{}, false
	}
}
