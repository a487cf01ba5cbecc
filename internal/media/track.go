package media

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

const streamID = "livelook"

// ParseKind accepts "audio" or "video"
func ParseKind(s string) (webrtc.RTPCodecType, error) {
	kind := webrtc.NewRTPCodecType(s)
	if kind == 0 {
		return 0, fmt.Errorf("%w: %q", core.ErrUnknownTrackKind, s)
	}
	return kind, nil
}

// Track is a local track shared by every viewer connection. A disabled
// track drops what is written to it, which mutes all viewers at once.
type Track struct {
	kind   webrtc.RTPCodecType
	sample *webrtc.TrackLocalStaticSample
	rtp    *webrtc.TrackLocalStaticRTP

	enabled atomic.Bool
	dropped atomic.Uint32
}

func NewSampleTrack(mimeType string, kind webrtc.RTPCodecType) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, kind.String(), streamID)
	if err != nil {
		return nil, err
	}

	t := &Track{kind: kind, sample: local}
	t.enabled.Store(true)
	return t, nil
}

func NewRTPTrack(mimeType string, kind webrtc.RTPCodecType) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mimeType}, kind.String(), streamID)
	if err != nil {
		return nil, err
	}

	t := &Track{kind: kind, rtp: local}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.kind
}

func (t *Track) Local() webrtc.TrackLocal {
	if t.sample != nil {
		return t.sample
	}
	return t.rtp
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// WriteSample packetizes a sample. Samples dropped while muted advance the
// RTP timestamps once the track is enabled again.
func (t *Track) WriteSample(sample pionmedia.Sample) error {
	if t.sample == nil {
		return fmt.Errorf("track %s does not accept samples", t.kind)
	}

	if !t.enabled.Load() {
		t.dropped.Add(1)
		return nil
	}

	if dropped := t.dropped.Swap(0); dropped > 0 {
		if dropped > math.MaxUint16 {
			dropped = math.MaxUint16
		}
		sample.PrevDroppedPackets = uint16(dropped)
	}

	return t.sample.WriteSample(sample)
}

func (t *Track) WriteRTP(packet *rtp.Packet) error {
	if t.rtp == nil {
		return fmt.Errorf("track %s does not accept RTP", t.kind)
	}

	if !t.enabled.Load() {
		t.dropped.Add(1)
		return nil
	}

	return t.rtp.WriteRTP(packet)
}
