// Package rtctest provides an in-memory PeerConnection for tests
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/isqad/livelook-classroom/internal/rtc"
	"github.com/pion/webrtc/v3"
)

var (
	ErrClosed       = errors.New("peer connection closed")
	ErrNoOffer      = errors.New("no local offer")
	errFactoryFails = errors.New("factory refused to create peer connection")
)

// Factory records every connection it creates. Its fields configure the
// behaviour of connections created afterwards.
type Factory struct {
	mu    sync.Mutex
	peers []*Peer

	// Fail makes NewPeerConnection return an error
	Fail bool
	// BlockRemoteDescription makes SetRemoteDescription wait until Close
	BlockRemoteDescription bool
	// RejectRemote fails SetRemoteDescription for descriptions it returns true for
	RejectRemote func(webrtc.SessionDescription) bool
	// LocalCandidates are emitted, followed by nil, once a local description is set
	LocalCandidates []webrtc.ICECandidateInit
}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) NewPeerConnection() (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Fail {
		return nil, errFactoryFails
	}

	p := &Peer{
		id:         len(f.peers) + 1,
		closed:     make(chan struct{}),
		block:      f.BlockRemoteDescription,
		reject:     f.RejectRemote,
		candidates: append([]webrtc.ICECandidateInit(nil), f.LocalCandidates...),
	}
	f.peers = append(f.peers, p)

	return p, nil
}

// Peers returns connections in creation order
func (f *Factory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*Peer(nil), f.peers...)
}

// Peer is a scripted PeerConnection
type Peer struct {
	id         int
	block      bool
	reject     func(webrtc.SessionDescription) bool
	candidates []webrtc.ICECandidateInit

	mu               sync.Mutex
	tracks           []webrtc.TrackLocal
	local            *webrtc.SessionDescription
	remote           *webrtc.SessionDescription
	adopted          *webrtc.SessionDescription
	remoteCandidates []webrtc.ICECandidateInit
	onCandidate      func(*webrtc.ICECandidateInit)
	onState          func(webrtc.PeerConnectionState)
	onTrack          func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	closeOnce        sync.Once
	closed           chan struct{}
}

var _ rtc.PeerConnection = (*Peer)(nil)

func (p *Peer) ID() int {
	return p.id
}

func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tracks = append(p.tracks, track)
	return nil
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.IsClosed() {
		return webrtc.SessionDescription{}, ErrClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("fake-offer-%d tracks=%d", p.id, len(p.tracks)),
	}, nil
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	if p.IsClosed() {
		return webrtc.SessionDescription{}, ErrClosed
	}

	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("fake-answer-%d", p.id),
	}, nil
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	if p.IsClosed() {
		return ErrClosed
	}

	p.mu.Lock()
	p.local = &desc
	p.mu.Unlock()

	p.gather()
	return nil
}

func (p *Peer) AdoptOffer(blueprint webrtc.SessionDescription) error {
	if p.IsClosed() {
		return ErrClosed
	}
	if blueprint.Type != webrtc.SDPTypeOffer {
		return ErrNoOffer
	}

	p.mu.Lock()
	p.adopted = &blueprint
	p.local = &blueprint
	p.mu.Unlock()

	p.gather()
	return nil
}

func (p *Peer) gather() {
	p.mu.Lock()
	fn := p.onCandidate
	candidates := p.candidates
	p.mu.Unlock()

	if fn == nil {
		return
	}

	go func() {
		for i := range candidates {
			c := candidates[i]
			fn(&c)
		}
		fn(nil)
	}()
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if p.block {
		<-p.closed
		return ErrClosed
	}
	if p.IsClosed() {
		return ErrClosed
	}
	if p.reject != nil && p.reject(desc) {
		return fmt.Errorf("rejected remote description %q", desc.SDP)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.remote = &desc
	return nil
}

func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if p.IsClosed() {
		return ErrClosed
	}
	if candidate.Candidate == "" {
		return errors.New("empty candidate")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.remoteCandidates = append(p.remoteCandidates, candidate)
	return nil
}

func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *Peer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *Peer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	return nil
}

// SetState fires the connection state callback
func (p *Peer) SetState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

func (p *Peer) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *Peer) Tracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), p.tracks...)
}

func (p *Peer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *Peer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *Peer) Adopted() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adopted
}

func (p *Peer) RemoteCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.remoteCandidates...)
}
