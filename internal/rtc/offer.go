package rtc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

var ErrIncompatibleOffer = errors.New("offer is incompatible with blueprint")

type mediaSection struct {
	mid   string
	kind  string
	ssrcs []uint32
}

type offerLayout struct {
	ufrag       string
	fingerprint string
	media       []mediaSection
}

func parseOffer(desc webrtc.SessionDescription) (*offerLayout, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return nil, err
	}

	layout := &offerLayout{}
	layout.ufrag, _ = parsed.Attribute("ice-ufrag")
	layout.fingerprint, _ = parsed.Attribute("fingerprint")

	for _, md := range parsed.MediaDescriptions {
		mid, _ := md.Attribute("mid")
		section := mediaSection{mid: mid, kind: md.MediaName.Media}

		for _, attr := range md.Attributes {
			switch attr.Key {
			case "ice-ufrag":
				if layout.ufrag == "" {
					layout.ufrag = attr.Value
				}
			case "fingerprint":
				if layout.fingerprint == "" {
					layout.fingerprint = attr.Value
				}
			case "ssrc":
				ssrc, err := parseSSRC(attr.Value)
				if err != nil {
					return nil, err
				}
				if !containsSSRC(section.ssrcs, ssrc) {
					section.ssrcs = append(section.ssrcs, ssrc)
				}
			}
		}
		layout.media = append(layout.media, section)
	}

	return layout, nil
}

func parseSSRC(value string) (uint32, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty ssrc attribute")
	}
	ssrc, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid ssrc %q: %w", fields[0], err)
	}
	return uint32(ssrc), nil
}

func containsSSRC(ssrcs []uint32, ssrc uint32) bool {
	for _, s := range ssrcs {
		if s == ssrc {
			return true
		}
	}
	return false
}

// matchOffer checks that own can stand in for blueprint on the wire and
// returns own SSRCs mapped to the blueprint ones
func matchOffer(own, blueprint webrtc.SessionDescription) (map[uint32]uint32, error) {
	ownLayout, err := parseOffer(own)
	if err != nil {
		return nil, err
	}
	bpLayout, err := parseOffer(blueprint)
	if err != nil {
		return nil, err
	}

	if ownLayout.ufrag != bpLayout.ufrag {
		return nil, fmt.Errorf("%w: ICE credentials differ", ErrIncompatibleOffer)
	}
	if ownLayout.fingerprint != bpLayout.fingerprint {
		return nil, fmt.Errorf("%w: DTLS fingerprints differ", ErrIncompatibleOffer)
	}
	if len(ownLayout.media) != len(bpLayout.media) {
		return nil, fmt.Errorf("%w: %d media sections, blueprint has %d",
			ErrIncompatibleOffer, len(ownLayout.media), len(bpLayout.media))
	}

	mapping := make(map[uint32]uint32)
	for i, section := range ownLayout.media {
		bp := bpLayout.media[i]
		if section.mid != bp.mid || section.kind != bp.kind {
			return nil, fmt.Errorf("%w: media %d is %s/%s, blueprint has %s/%s",
				ErrIncompatibleOffer, i, section.mid, section.kind, bp.mid, bp.kind)
		}
		if len(section.ssrcs) != len(bp.ssrcs) {
			return nil, fmt.Errorf("%w: media %s carries %d streams, blueprint has %d",
				ErrIncompatibleOffer, section.mid, len(section.ssrcs), len(bp.ssrcs))
		}
		for j, ssrc := range section.ssrcs {
			mapping[ssrc] = bp.ssrcs[j]
		}
	}

	return mapping, nil
}

// ssrcRewriter replaces the SSRCs of outgoing RTP and sender reports
type ssrcRewriter struct {
	interceptor.NoOp

	mu      sync.RWMutex
	mapping map[uint32]uint32
}

func newSSRCRewriter() *ssrcRewriter {
	return &ssrcRewriter{mapping: make(map[uint32]uint32)}
}

func (r *ssrcRewriter) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return r, nil
}

func (r *ssrcRewriter) setMapping(mapping map[uint32]uint32) {
	r.mu.Lock()
	r.mapping = mapping
	r.mu.Unlock()
}

func (r *ssrcRewriter) lookup(ssrc uint32) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	to, ok := r.mapping[ssrc]
	if !ok || to == ssrc {
		return 0, false
	}
	return to, true
}

func (r *ssrcRewriter) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	to, ok := r.lookup(info.SSRC)
	if !ok {
		return writer
	}

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		header.SSRC = to
		return writer.Write(header, payload, attributes)
	})
}

func (r *ssrcRewriter) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	return interceptor.RTCPWriterFunc(func(pkts []rtcp.Packet, attributes interceptor.Attributes) (int, error) {
		for _, pkt := range pkts {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				if to, found := r.lookup(sr.SSRC); found {
					sr.SSRC = to
				}
			}
		}
		return writer.Write(pkts, attributes)
	})
}
