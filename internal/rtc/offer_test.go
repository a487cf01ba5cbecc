package rtc

import (
	"testing"

	"github.com/isqad/livelook-classroom/internal/config"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams(t *testing.T, publisher bool) TransportParams {
	t.Helper()

	conf := config.NewConfig()
	conf.ICE.StunServers = nil
	wc, err := config.NewWebRTCConfig(conf)
	require.NoError(t, err)

	direction := wc.Subscriber
	if publisher {
		direction = wc.Publisher
	}

	return TransportParams{
		EnabledCodecs: conf.Peer.EnabledCodecs,
		Config:        wc,
		Direction:     direction,
	}
}

func testTracks(t *testing.T) []webrtc.TrackLocal {
	t.Helper()

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "livelook")
	require.NoError(t, err)
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "livelook")
	require.NoError(t, err)

	return []webrtc.TrackLocal{video, audio}
}

func newTestPeer(t *testing.T, f PeerFactory, tracks []webrtc.TrackLocal) *PCTransport {
	t.Helper()

	pc, err := f.NewPeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	for _, track := range tracks {
		require.NoError(t, pc.AddTrack(track))
	}

	return pc.(*PCTransport)
}

func publishBlueprint(t *testing.T, f PeerFactory, tracks []webrtc.TrackLocal) webrtc.SessionDescription {
	t.Helper()

	scratch := newTestPeer(t, f, tracks)
	offer, err := scratch.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, scratch.SetLocalDescription(offer))

	return offer
}

func TestAdoptOffer(t *testing.T) {
	tracks := testTracks(t)
	factory, err := NewFactory(testParams(t, true))
	require.NoError(t, err)

	blueprint := publishBlueprint(t, factory, tracks)

	t.Run("connection from the same factory", func(t *testing.T) {
		pc := newTestPeer(t, factory, tracks)
		require.NoError(t, pc.AdoptOffer(blueprint))

		bp, err := parseOffer(blueprint)
		require.NoError(t, err)
		own, err := parseOffer(*pc.pc.LocalDescription())
		require.NoError(t, err)

		require.Len(t, own.media, 2)
		for i := range own.media {
			require.Len(t, own.media[i].ssrcs, 1)
			to, ok := pc.rewriter.mapping[own.media[i].ssrcs[0]]
			require.True(t, ok)
			assert.Equal(t, bp.media[i].ssrcs[0], to)
		}
	})

	t.Run("connection with its own credentials", func(t *testing.T) {
		pc := newTestPeer(t, NewPlainFactory(testParams(t, true)), tracks)
		assert.ErrorIs(t, pc.AdoptOffer(blueprint), ErrIncompatibleOffer)
	})

	t.Run("different track layout", func(t *testing.T) {
		pc := newTestPeer(t, factory, tracks[:1])
		assert.ErrorIs(t, pc.AdoptOffer(blueprint), ErrIncompatibleOffer)
	})
}

func TestViewerAnswersBlueprint(t *testing.T) {
	tracks := testTracks(t)
	factory, err := NewFactory(testParams(t, true))
	require.NoError(t, err)

	blueprint := publishBlueprint(t, factory, tracks)

	viewer := newTestPeer(t, NewPlainFactory(testParams(t, false)), nil)
	require.NoError(t, viewer.SetRemoteDescription(blueprint))
	answer, err := viewer.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, viewer.SetLocalDescription(answer))

	host := newTestPeer(t, factory, tracks)
	require.NoError(t, host.AdoptOffer(blueprint))
	assert.NoError(t, host.SetRemoteDescription(answer))
}

func TestAddICECandidateBuffersUntilRemoteDescription(t *testing.T) {
	pc := newTestPeer(t, NewPlainFactory(testParams(t, false)), nil)

	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"}
	require.NoError(t, pc.AddICECandidate(candidate))

	pc.lock.Lock()
	assert.Len(t, pc.pendingCandidates, 1)
	pc.lock.Unlock()
}

func TestMatchOfferRejectsGarbage(t *testing.T) {
	_, err := matchOffer(
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"},
		webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "garbage"},
	)
	assert.Error(t, err)
}

type rtpRecorder struct {
	headers []rtp.Header
}

func (r *rtpRecorder) Write(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
	r.headers = append(r.headers, *header)
	return len(payload), nil
}

type rtcpRecorder struct {
	pkts []rtcp.Packet
}

func (r *rtcpRecorder) Write(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
	r.pkts = append(r.pkts, pkts...)
	return len(pkts), nil
}

func TestSSRCRewriter(t *testing.T) {
	r := newSSRCRewriter()
	r.setMapping(map[uint32]uint32{1: 100})

	rec := &rtpRecorder{}
	w := r.BindLocalStream(&interceptor.StreamInfo{SSRC: 1}, rec)
	_, err := w.Write(&rtp.Header{SSRC: 1}, []byte{0x1}, nil)
	require.NoError(t, err)

	unmapped := r.BindLocalStream(&interceptor.StreamInfo{SSRC: 2}, rec)
	_, err = unmapped.Write(&rtp.Header{SSRC: 2}, []byte{0x1}, nil)
	require.NoError(t, err)

	require.Len(t, rec.headers, 2)
	assert.Equal(t, uint32(100), rec.headers[0].SSRC)
	assert.Equal(t, uint32(2), rec.headers[1].SSRC)

	rtcpRec := &rtcpRecorder{}
	_, err = r.BindRTCPWriter(rtcpRec).Write([]rtcp.Packet{&rtcp.SenderReport{SSRC: 1}}, nil)
	require.NoError(t, err)
	require.Len(t, rtcpRec.pkts, 1)
	assert.Equal(t, uint32(100), rtcpRec.pkts[0].(*rtcp.SenderReport).SSRC)
}
