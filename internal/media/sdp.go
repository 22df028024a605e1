package media

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ErrInvalidAddress is returned when a media address is not of the form
// host or host:port.
var ErrInvalidAddress = errors.New("invalid media address")

// Media direction attribute values per RFC 4566 §6.
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// addressPattern matches host with an optional numeric port suffix.
var addressPattern = regexp.MustCompile(`^([^:]+)(?::\d+)?$`)

// Origin session id/version of the placeholder offer. Fixed so that the
// body for a given address is byte-identical across calls.
const inactiveSessionID = 3758821387

// inactivePort is the nominal m= port of the placeholder offer. No media
// flows to it; the direction attribute is inactive.
const inactivePort = 4000

// placeholderCodec is one entry of the fixed codec list offered in the
// inactive SDP.
type placeholderCodec struct {
	payloadType int
	rtpmap      string
	fmtp        string
}

// Fixed codec list of the placeholder offer. The m= format order and the
// rtpmap order differ; both are stable.
var (
	inactiveFormats = []string{"0", "8", "96", "101", "98", "97", "99"}
	inactiveCodecs  = []placeholderCodec{
		{payloadType: 101, rtpmap: "opus/48000/2"},
		{payloadType: 98, rtpmap: "speex/16000"},
		{payloadType: 97, rtpmap: "speex/8000"},
		{payloadType: 99, rtpmap: "speex/32000"},
		{payloadType: 0, rtpmap: "PCMU/8000"},
		{payloadType: 8, rtpmap: "PCMA/8000"},
		{payloadType: 96, rtpmap: "telephone-event/8000", fmtp: "0-16"},
	}
)

// HostFromAddress strips an optional :port suffix from address.
func HostFromAddress(address string) (string, error) {
	m := addressPattern.FindStringSubmatch(address)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return m[1], nil
}

// MakeInactiveSDP returns a complete SDP body with media direction
// "inactive", bound to the host part of address. The output depends only on
// the host, so "10.0.0.5" and "10.0.0.5:5060" produce the same body.
func MakeInactiveSDP(address string) ([]byte, error) {
	host, err := HostFromAddress(address)
	if err != nil {
		return nil, err
	}

	attrs := []sdp.Attribute{sdp.NewPropertyAttribute(DirectionInactive)}
	for _, c := range inactiveCodecs {
		attrs = append(attrs, sdp.NewAttribute("rtpmap", strconv.Itoa(c.payloadType)+" "+c.rtpmap))
		if c.fmtp != "" {
			attrs = append(attrs, sdp.NewAttribute("fmtp", strconv.Itoa(c.payloadType)+" "+c.fmtp))
		}
	}

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      inactiveSessionID,
			SessionVersion: inactiveSessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "astmrf placeholder",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: inactivePort},
					Protos:  []string{"RTP", "AVP"},
					Formats: inactiveFormats,
				},
				ConnectionInformation: &sdp.ConnectionInformation{
					NetworkType: "IN",
					AddressType: "IP4",
					Address:     &sdp.Address{Address: host},
				},
				Attributes: attrs,
			},
		},
	}

	body, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshalling inactive sdp: %w", err)
	}
	return body, nil
}

// Summary is a condensed view of the first audio stream of an SDP body.
type Summary struct {
	ConnectionAddress string   `json:"connection_address"`
	Port              int      `json:"port"`
	Direction         string   `json:"direction"`
	Codecs            []string `json:"codecs"`
}

// Inspect parses body and summarises its first audio media description.
func Inspect(body []byte) (*Summary, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("sdp has no audio media description")
	}

	s := &Summary{
		Port:      audio.MediaName.Port.Value,
		Direction: direction(audio.Attributes, sd.Attributes),
	}

	switch {
	case audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil:
		s.ConnectionAddress = audio.ConnectionInformation.Address.Address
	case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
		s.ConnectionAddress = sd.ConnectionInformation.Address.Address
	}

	for _, a := range audio.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		// "<pt> <name>/<rate>[/<channels>]"
		if _, enc, ok := strings.Cut(a.Value, " "); ok {
			name, _, _ := strings.Cut(enc, "/")
			s.Codecs = append(s.Codecs, name)
		}
	}

	return s, nil
}

// direction returns the effective media direction, preferring a media-level
// attribute over a session-level one. RFC 4566 defaults to sendrecv.
func direction(mediaAttrs, sessionAttrs []sdp.Attribute) string {
	for _, attrs := range [][]sdp.Attribute{mediaAttrs, sessionAttrs} {
		for _, a := range attrs {
			switch a.Key {
			case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
				return a.Key
			}
		}
	}
	return DirectionSendRecv
}
