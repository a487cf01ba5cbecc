package core

import "errors"

var (
	// ErrMediaUnavailable is returned when the local camera or microphone could not be acquired
	ErrMediaUnavailable = errors.New("local media unavailable")
	// ErrSignalingWriteFailed is returned when the signaling store rejects a write
	ErrSignalingWriteFailed = errors.New("signaling write failed")
	// ErrSignalingDeleteFailed is returned when the signaling store rejects a delete
	ErrSignalingDeleteFailed = errors.New("signaling delete failed")
	// ErrMalformedCandidate is reported when a remote ICE candidate can't be applied
	ErrMalformedCandidate = errors.New("malformed ICE candidate")
	// ErrNegotiationFailure is reported when a viewer's answer can't be applied
	ErrNegotiationFailure = errors.New("negotiation failure")

	ErrAlreadyLive      = errors.New("session is already live")
	ErrNotLive          = errors.New("session is not live")
	ErrSessionNotFound  = errors.New("session not found")
	ErrUnknownTrackKind = errors.New("unknown track kind")
)
