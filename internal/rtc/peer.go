package rtc

import (
	"github.com/pion/webrtc/v3"
)

// PeerConnection is the part of a WebRTC peer connection the broadcast and
// viewer sides rely on. Callbacks may run on arbitrary goroutines.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	// AdoptOffer installs a local offer equivalent to blueprint, an offer that
	// was published on behalf of this connection by another one
	AdoptOffer(blueprint webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate receives nil once gathering is complete
	OnICECandidate(fn func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	// Close unblocks pending negotiation steps
	Close() error
}

type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
