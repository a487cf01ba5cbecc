package rtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/isqad/livelook-classroom/internal/config"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// createMediaEngine registers extra ahead of the default interceptors so that
// they sit closest to the transport
func createMediaEngine(
	enabledCodecs []config.CodecSpec,
	directionConfig config.DirectionConfig,
	extra ...interceptor.Factory,
) (*webrtc.MediaEngine, *interceptor.Registry, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine, enabledCodecs, directionConfig.RTCPFeedback); err != nil {
		return nil, nil, err
	}

	if err := registerHeaderExtensions(mediaEngine, directionConfig.RTPHeaderExtension); err != nil {
		return nil, nil, err
	}

	// NACKs, RTCP reports and TWCC. Every peer connection needs its own registry.
	i := &interceptor.Registry{}
	for _, f := range extra {
		i.Add(f)
	}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, i); err != nil {
		return nil, nil, err
	}

	return mediaEngine, i, nil
}

// ErrUnsupportedCodec is returned for configured codecs the engine can't describe
var ErrUnsupportedCodec = errors.New("unsupported codec")

type codecDefaults struct {
	mimeType    string
	kind        webrtc.RTPCodecType
	clockRate   uint32
	channels    uint16
	fmtpLine    string
	payloadType webrtc.PayloadType
}

var knownCodecs = map[string]codecDefaults{}

func init() {
	for _, c := range []codecDefaults{
		{webrtc.MimeTypeOpus, webrtc.RTPCodecTypeAudio, 48000, 2, "minptime=10;useinbandfec=1", 111},
		{webrtc.MimeTypePCMU, webrtc.RTPCodecTypeAudio, 8000, 0, "", 0},
		{webrtc.MimeTypeVP8, webrtc.RTPCodecTypeVideo, 90000, 0, "", 96},
		{webrtc.MimeTypeVP9, webrtc.RTPCodecTypeVideo, 90000, 0, "profile-id=0", 98},
		{webrtc.MimeTypeH264, webrtc.RTPCodecTypeVideo, 90000, 0, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", 125},
	} {
		knownCodecs[strings.ToLower(c.mimeType)] = c
	}
}

type codecRegistration struct {
	params webrtc.RTPCodecParameters
	kind   webrtc.RTPCodecType
}

// codecRegistrations turns the configured codecs into engine registrations,
// keeping their order. A configured fmtp line replaces the default one and a
// payload type already taken moves to the dynamic range.
func codecRegistrations(enabledCodecs []config.CodecSpec, rtcpFeedback config.RTCPFeedbackConfig) ([]codecRegistration, error) {
	var (
		out  = make([]codecRegistration, 0, len(enabledCodecs))
		used = make(map[webrtc.PayloadType]bool)
		next = webrtc.PayloadType(100)
	)

	for _, spec := range enabledCodecs {
		defaults, ok := knownCodecs[strings.ToLower(spec.Mime)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, spec.Mime)
		}

		fmtpLine := defaults.fmtpLine
		if spec.FmtpLine != "" {
			fmtpLine = spec.FmtpLine
		}

		payloadType := defaults.payloadType
		for used[payloadType] {
			payloadType = next
			next++
		}
		used[payloadType] = true

		feedback := rtcpFeedback.Video
		if defaults.kind == webrtc.RTPCodecTypeAudio {
			feedback = rtcpFeedback.Audio
		}

		out = append(out, codecRegistration{
			params: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{
					MimeType:     defaults.mimeType,
					ClockRate:    defaults.clockRate,
					Channels:     defaults.channels,
					SDPFmtpLine:  fmtpLine,
					RTCPFeedback: feedback,
				},
				PayloadType: payloadType,
			},
			kind: defaults.kind,
		})
	}

	return out, nil
}

func registerCodecs(
	mediaEngine *webrtc.MediaEngine,
	enabledCodecs []config.CodecSpec,
	rtcpFeedback config.RTCPFeedbackConfig,
) error {
	registrations, err := codecRegistrations(enabledCodecs, rtcpFeedback)
	if err != nil {
		return err
	}
	for _, r := range registrations {
		if err := mediaEngine.RegisterCodec(r.params, r.kind); err != nil {
			return err
		}
	}
	return nil
}

func registerHeaderExtensions(me *webrtc.MediaEngine, rtpHeaderExtension config.RTPHeaderExtensionConfig) error {
	for _, extension := range rtpHeaderExtension.Video {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	for _, extension := range rtpHeaderExtension.Audio {
		if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: extension}, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	return nil
}
