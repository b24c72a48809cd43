package rtc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/pion/webrtc/v4"
)

func toIceParameters(p webrtc.ICEParameters) domain.IceParameters {
	return domain.IceParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		IceLite:          p.ICELite,
	}
}

func fromIceParameters(p domain.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

func toIceCandidate(c webrtc.ICECandidate) domain.IceCandidate {
	return domain.IceCandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.Address,
		Protocol:   c.Protocol.String(),
		Port:       c.Port,
		Type:       c.Typ.String(),
		TCPType:    c.TCPType,
	}
}

func fromIceCandidate(c domain.IceCandidate) (webrtc.ICECandidate, error) {
	proto, err := webrtc.NewICEProtocol(c.Protocol)
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("candidate protocol %q: %w", c.Protocol, err)
	}
	typ, err := webrtc.NewICECandidateType(c.Type)
	if err != nil {
		return webrtc.ICECandidate{}, fmt.Errorf("candidate type %q: %w", c.Type, err)
	}
	return webrtc.ICECandidate{
		Foundation: c.Foundation,
		Priority:   c.Priority,
		Address:    c.Address,
		Protocol:   proto,
		Port:       c.Port,
		Typ:        typ,
		Component:  1,
		TCPType:    c.TCPType,
	}, nil
}

func toDtlsParameters(p webrtc.DTLSParameters) domain.DtlsParameters {
	out := domain.DtlsParameters{
		Role:         "auto",
		Fingerprints: make([]domain.DtlsFingerprint, 0, len(p.Fingerprints)),
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func fromDtlsParameters(p domain.DtlsParameters) (webrtc.DTLSParameters, error) {
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, fmt.Errorf("dtls parameters without fingerprints: %w", domain.ErrBadRequest)
	}
	out := webrtc.DTLSParameters{Role: webrtc.DTLSRoleAuto}
	switch p.Role {
	case "client":
		out.Role = webrtc.DTLSRoleClient
	case "server":
		out.Role = webrtc.DTLSRoleServer
	}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out, nil
}

func toCodecCapability(c domain.RtpCodecCapability) webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: fmtpLine(c.Parameters),
	}
}

// fmtpLine renders codec parameters the way they appear in an SDP a=fmtp attribute.
func fmtpLine(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func sameCodec(mimeType string, clockRate uint32, c domain.RtpCodecCapability) bool {
	return strings.EqualFold(mimeType, c.MimeType) && clockRate == c.ClockRate
}
