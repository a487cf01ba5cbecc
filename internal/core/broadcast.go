package core

import (
	"time"

	"github.com/pion/webrtc/v3"
)

type SessionID string

type ViewerID string

// BroadcastState is derived from presence of the host offer in the signaling store
type BroadcastState string

const (
	BroadcastIdle BroadcastState = "idle"
	BroadcastLive BroadcastState = "live"
)

func (s BroadcastState) IsLive() bool {
	return s == BroadcastLive
}

// HostOffer is published once per live period at offers/{sessionId}
type HostOffer struct {
	SDP   string         `json:"sdp"`
	Type  webrtc.SDPType `json:"type"`
	Title string         `json:"title"`
}

func NewHostOffer(desc webrtc.SessionDescription, title string) HostOffer {
	return HostOffer{SDP: desc.SDP, Type: webrtc.SDPTypeOffer, Title: title}
}

func (o HostOffer) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.SDP}
}

// ViewerAnswer is written once by a viewer at answers/{sessionId}/{viewerId}
type ViewerAnswer struct {
	SDP  string         `json:"sdp"`
	Type webrtc.SDPType `json:"type"`
}

func NewViewerAnswer(desc webrtc.SessionDescription) ViewerAnswer {
	return ViewerAnswer{SDP: desc.SDP, Type: webrtc.SDPTypeAnswer}
}

func (a ViewerAnswer) IsValid() bool {
	return a.Type == webrtc.SDPTypeAnswer && a.SDP != ""
}

func (a ViewerAnswer) SessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP}
}

// LiveRequest carries what the host supplies on "Go Live"
type LiveRequest struct {
	Title          string `json:"title"`
	HostID         string `json:"-"`
	OrganizationID string `json:"organization_id,omitempty"`
}

type ChatMessage struct {
	AuthorID string    `json:"author_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

type Reaction struct {
	AuthorID string    `json:"author_id"`
	Emoji    string    `json:"emoji"`
	SentAt   time.Time `json:"sent_at"`
}
