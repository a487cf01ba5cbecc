package broadcast

import (
	"context"
	"fmt"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/rtc"
	"github.com/isqad/livelook-classroom/internal/signaling"
	"github.com/isqad/livelook-classroom/internal/telemetry"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type event interface{}

type answerEvent struct {
	child signaling.Child
}

type viewerStateEvent struct {
	vc    *viewerConn
	state webrtc.PeerConnectionState
}

type offerStateEvent struct {
	state core.BroadcastState
}

// viewerConn is the host's connection to one viewer. Fields other than the
// immutable ones are guarded by Session.mu.
type viewerConn struct {
	id     core.ViewerID
	pc     rtc.PeerConnection
	answer core.ViewerAnswer

	unsubscribeCandidates signaling.Unsubscribe
	connected             bool
}

// enqueue hands an event to the loop. It gives up once the run is over.
func (s *Session) enqueue(run *liveRun, ev event) {
	select {
	case run.events <- ev:
	case <-run.ctx.Done():
	}
}

func (s *Session) loop(run *liveRun) {
	defer close(run.loopDone)

	for {
		select {
		case <-run.ctx.Done():
			return
		case ev := <-run.events:
			switch e := ev.(type) {
			case answerEvent:
				s.handleAnswer(run, e.child)
			case viewerStateEvent:
				s.handleViewerState(run, e.vc, e.state)
			case offerStateEvent:
				log.Warn().Str("service", "broadcast").Str("session_id", string(s.opts.SessionID)).Msg("offer was removed, stopping session")
				go s.stopRun(run)
			}
		}
	}
}

func (s *Session) viewerLogger(id core.ViewerID) zerolog.Logger {
	return log.With().
		Str("service", "broadcast").
		Str("session_id", string(s.opts.SessionID)).
		Str("viewer_id", string(id)).
		Logger()
}

// handleAnswer creates the viewer's connection unless one exists. The
// connection is registered before any negotiation step runs.
func (s *Session) handleAnswer(run *liveRun, child signaling.Child) {
	id := core.ViewerID(child.Key)
	logger := s.viewerLogger(id)

	if id == "" || len(child.Value) == 0 {
		return
	}

	answer := core.ViewerAnswer{}
	if err := child.Decode(&answer); err != nil || !answer.IsValid() {
		logger.Warn().Err(err).Msg("skipped invalid answer")
		return
	}

	s.mu.Lock()
	if s.run != run {
		s.mu.Unlock()
		return
	}
	if stale, exists := s.viewers[id]; exists {
		if stale.answer.SDP == answer.SDP {
			s.mu.Unlock()
			logger.Debug().Msg("skipped duplicate answer")
			return
		}
		// the viewer left and joined again before its old connection failed
		s.mu.Unlock()
		logger.Info().Msg("viewer answered again, replacing its connection")
		s.removeViewer(run, stale, false)
		s.mu.Lock()
		if s.run != run {
			s.mu.Unlock()
			return
		}
	}

	pc, err := s.opts.Peers.NewPeerConnection()
	if err != nil {
		s.mu.Unlock()
		logger.Error().Err(err).Msg("failed to create peer connection")
		telemetry.OperationFailed("negotiation", "peer_connection")
		return
	}

	vc := &viewerConn{id: id, pc: pc, answer: answer}
	s.viewers[id] = vc
	run.negotiations.Add(1)
	s.mu.Unlock()

	logger.Info().Msg("viewer answered")

	go s.negotiate(run, vc)
}

func (s *Session) isMember(vc *viewerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewers[vc.id] == vc
}

func (s *Session) negotiate(run *liveRun, vc *viewerConn) {
	defer run.negotiations.Done()

	logger := s.viewerLogger(vc.id)
	hostCandidates := signaling.HostCandidatesPath(s.opts.SessionID, vc.id)

	vc.pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil || !s.isMember(vc) {
			return
		}
		if _, err := s.opts.Store.AppendChild(run.ctx, hostCandidates, signaling.NewEntryKey(), c); err != nil {
			logger.Warn().Err(err).Msg("failed to relay host candidate")
			telemetry.OperationFailed("candidate_relay", "write")
		}
	})
	vc.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.enqueue(run, viewerStateEvent{vc: vc, state: state})
	})

	for _, track := range run.media.Tracks() {
		if err := vc.pc.AddTrack(track); err != nil {
			s.negotiationFailed(run, vc, fmt.Errorf("add track: %w", err))
			return
		}
	}

	if !s.isMember(vc) {
		return
	}
	if err := vc.pc.AdoptOffer(run.offer); err != nil {
		s.negotiationFailed(run, vc, fmt.Errorf("adopt offer: %w", err))
		return
	}

	if !s.isMember(vc) {
		return
	}
	if err := vc.pc.SetRemoteDescription(vc.answer.SessionDescription()); err != nil {
		s.negotiationFailed(run, vc, fmt.Errorf("apply answer: %w", err))
		return
	}

	if !s.isMember(vc) {
		return
	}
	unsubscribe, err := s.opts.Store.OnChildAdded(run.ctx, signaling.ViewerCandidatesPath(s.opts.SessionID, vc.id), func(child signaling.Child) {
		s.addViewerCandidate(vc, child)
	})
	if err != nil {
		s.negotiationFailed(run, vc, fmt.Errorf("subscribe to candidates: %w", err))
		return
	}

	s.mu.Lock()
	member := s.viewers[vc.id] == vc
	if member {
		vc.unsubscribeCandidates = unsubscribe
	}
	s.mu.Unlock()

	if !member {
		unsubscribe()
		return
	}

	telemetry.OperationSucceeded("negotiation")
	logger.Debug().Msg("negotiation complete")
}

// addViewerCandidate never fails the connection, a bad candidate is dropped
func (s *Session) addViewerCandidate(vc *viewerConn, child signaling.Child) {
	if len(child.Value) == 0 {
		return
	}

	candidate := webrtc.ICECandidateInit{}
	err := child.Decode(&candidate)
	if err == nil {
		err = vc.pc.AddICECandidate(candidate)
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", core.ErrMalformedCandidate, err)
		logger := s.viewerLogger(vc.id)
		logger.Warn().Err(err).Str("key", child.Key).Msg("dropped viewer candidate")
		telemetry.OperationFailed("candidate_relay", "malformed_candidate")
	}
}

// negotiationFailed tears the viewer down unless StopLive already did
func (s *Session) negotiationFailed(run *liveRun, vc *viewerConn, err error) {
	if !s.isMember(vc) {
		return
	}

	err = fmt.Errorf("%w: %v", core.ErrNegotiationFailure, err)
	logger := s.viewerLogger(vc.id)
	logger.Error().Err(err).Msg("negotiation failed")
	telemetry.OperationFailed("negotiation", "negotiation_failure")

	s.removeViewer(run, vc, true)
}

func (s *Session) handleViewerState(run *liveRun, vc *viewerConn, state webrtc.PeerConnectionState) {
	logger := s.viewerLogger(vc.id)
	logger.Debug().Str("state", state.String()).Msg("viewer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		first := s.viewers[vc.id] == vc && !vc.connected
		if first {
			vc.connected = true
			run.served++
		}
		s.mu.Unlock()

		if !first {
			return
		}
		telemetry.ViewerConnected()
		if err := s.opts.Presence.ViewerJoined(run.ctx, s.opts.SessionID, vc.id); err != nil {
			logger.Warn().Err(err).Msg("failed to record viewer presence")
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.removeViewer(run, vc, true)
	case webrtc.PeerConnectionStateDisconnected:
		// transient, ICE may recover
	}
}

// removeViewer closes one viewer's connection. With purge it also deletes the
// viewer's signaling state, unless the viewer already answered again.
func (s *Session) removeViewer(run *liveRun, vc *viewerConn, purge bool) {
	s.mu.Lock()
	if s.viewers[vc.id] != vc {
		s.mu.Unlock()
		return
	}
	delete(s.viewers, vc.id)
	unsubscribe := vc.unsubscribeCandidates
	vc.unsubscribeCandidates = nil
	wasConnected := vc.connected
	run.negotiations.Add(1)
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	go func() {
		defer run.negotiations.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.OperationTimeout)
		defer cancel()

		logger := s.viewerLogger(vc.id)
		if err := s.opts.Presence.ViewerLeft(ctx, s.opts.SessionID, vc.id); err != nil {
			logger.Warn().Err(err).Msg("failed to record viewer departure")
		}
		if err := vc.pc.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close peer connection")
		}
		if wasConnected {
			telemetry.ViewerDisconnected()
		}
		if purge {
			s.purgeViewer(ctx, vc)
		}
		logger.Info().Msg("viewer removed")
	}()
}

// purgeViewer deletes the answer and candidates of vc. A different answer at
// the viewer's path belongs to a newer join and is left alone.
func (s *Session) purgeViewer(ctx context.Context, vc *viewerConn) {
	logger := s.viewerLogger(vc.id)

	current := core.ViewerAnswer{}
	ok, err := s.opts.Store.Get(ctx, signaling.AnswerPath(s.opts.SessionID, vc.id), &current)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read viewer answer")
		return
	}
	paths := signaling.ViewerPaths(s.opts.SessionID, vc.id)
	switch {
	case ok && current.SDP != vc.answer.SDP:
		logger.Debug().Msg("viewer joined again, keeping its signaling state")
		return
	case !ok:
		// the viewer left and removed its own entries, candidates it writes
		// now belong to its next join
		paths = []string{signaling.HostCandidatesPath(s.opts.SessionID, vc.id)}
	}

	for _, path := range paths {
		if err := s.opts.Store.DeleteSubtree(ctx, path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("failed to delete viewer signaling state")
		}
	}
}
