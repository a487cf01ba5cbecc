// Package broadcast runs one-to-many live sessions: a single published offer,
// answered by every viewer, served by one peer connection per viewer.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/notify"
	"github.com/isqad/livelook-classroom/internal/rtc"
	"github.com/isqad/livelook-classroom/internal/signaling"
	"github.com/isqad/livelook-classroom/internal/telemetry"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

const (
	defaultOperationTimeout = 10 * time.Second
	eventsBufferSize        = 64
)

var (
	errMissingDependency = errors.New("broadcast: store and peer factory are required")

	// ErrSessionClosed is returned by lifecycle calls after Close
	ErrSessionClosed = errors.New("broadcast: session closed")
)

// LocalMedia is the host's captured audio and video
type LocalMedia interface {
	// Tracks must return the same tracks in the same order on every call
	Tracks() []webrtc.TrackLocal
	SetEnabled(kind webrtc.RTPCodecType, enabled bool) error
	Close() error
}

// Presence records which viewers are connected
type Presence interface {
	ViewerJoined(ctx context.Context, sessionID core.SessionID, viewerID core.ViewerID) error
	ViewerLeft(ctx context.Context, sessionID core.SessionID, viewerID core.ViewerID) error
	Reset(ctx context.Context, sessionID core.SessionID) error
}

type Options struct {
	SessionID core.SessionID
	Store     signaling.Store
	Peers     rtc.PeerFactory

	// optional collaborators
	Notifier notify.Sender
	Presence Presence
	History  core.SessionsDBStorer

	// LinkBase prefixes the deep link sent in notifications
	LinkBase         string
	OperationTimeout time.Duration
}

// Session is the host side of a live broadcast
type Session struct {
	opts    Options
	tracker *StateTracker

	// serializes GoLive, StopLive and Close
	opMu   sync.Mutex
	closed bool

	mu      sync.Mutex
	run     *liveRun
	viewers map[core.ViewerID]*viewerConn
}

// liveRun holds everything that exists only while the session is live
type liveRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan event

	offer webrtc.SessionDescription
	media LocalMedia
	req   core.LiveRequest

	unsubscribeAnswers signaling.Unsubscribe
	loopDone           chan struct{}
	negotiations       sync.WaitGroup

	// distinct viewers that reached connected
	served int
}

func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Store == nil || opts.Peers == nil {
		return nil, errMissingDependency
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NopSender{}
	}
	if opts.Presence == nil {
		opts.Presence = nopPresence{}
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}

	tracker, err := NewStateTracker(ctx, opts.Store, opts.SessionID)
	if err != nil {
		return nil, err
	}

	s := &Session{
		opts:    opts,
		tracker: tracker,
		viewers: make(map[core.ViewerID]*viewerConn),
	}
	tracker.OnChange(s.offerChanged)

	return s, nil
}

func (s *Session) ID() core.SessionID {
	return s.opts.SessionID
}

func (s *Session) State() core.BroadcastState {
	return s.tracker.State()
}

// Viewers lists viewers with a peer connection, sorted by ID
func (s *Session) Viewers() []core.ViewerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	viewers := make([]core.ViewerID, 0, len(s.viewers))
	for id := range s.viewers {
		viewers = append(viewers, id)
	}
	sort.Slice(viewers, func(i, j int) bool { return viewers[i] < viewers[j] })
	return viewers
}

// GoLive publishes the offer and starts serving viewers. The session owns
// media once GoLive succeeds and closes it on StopLive.
func (s *Session) GoLive(ctx context.Context, req core.LiveRequest, media LocalMedia) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.tracker.State().IsLive() {
		return core.ErrAlreadyLive
	}
	if media == nil || len(media.Tracks()) == 0 {
		return fmt.Errorf("%w: no local tracks", core.ErrMediaUnavailable)
	}

	logger := log.With().Str("service", "broadcast").Str("session_id", string(s.opts.SessionID)).Logger()

	offer, err := s.createBlueprint(media.Tracks())
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	offerPath := signaling.OfferPath(s.opts.SessionID)
	if err := s.opts.Store.Publish(ctx, offerPath, core.NewHostOffer(offer, req.Title)); err != nil {
		return fmt.Errorf("%w: publish offer: %v", core.ErrSignalingWriteFailed, err)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, s.opts.OperationTimeout)
	err = s.tracker.Wait(waitCtx, core.BroadcastLive)
	cancelWait()
	if err != nil {
		s.rollback(offerPath)
		return fmt.Errorf("wait for offer: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &liveRun{
		ctx:      runCtx,
		cancel:   cancel,
		events:   make(chan event, eventsBufferSize),
		offer:    offer,
		media:    media,
		req:      req,
		loopDone: make(chan struct{}),
	}

	s.mu.Lock()
	s.run = run
	s.viewers = make(map[core.ViewerID]*viewerConn)
	s.mu.Unlock()

	go s.loop(run)

	unsubscribe, err := s.opts.Store.OnChildAdded(runCtx, signaling.AnswersPath(s.opts.SessionID), func(child signaling.Child) {
		s.enqueue(run, answerEvent{child: child})
	})
	if err != nil {
		s.mu.Lock()
		s.run = nil
		s.mu.Unlock()
		cancel()
		<-run.loopDone
		s.rollback(offerPath)
		return fmt.Errorf("subscribe to answers: %w", err)
	}
	run.unsubscribeAnswers = unsubscribe

	go s.announce(run)

	if s.opts.History != nil {
		if err := s.opts.History.StartPublish(ctx, core.NewLiveSession(s.opts.SessionID, req)); err != nil {
			logger.Error().Err(err).Msg("failed to record session start")
		}
	}

	telemetry.SessionStarted()
	telemetry.OperationSucceeded("go_live")
	logger.Info().Str("title", req.Title).Msg("session is live")

	return nil
}

func (s *Session) createBlueprint(tracks []webrtc.TrackLocal) (webrtc.SessionDescription, error) {
	pc, err := s.opts.Peers.NewPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	// the scratch connection only produces the offer
	defer func() { _ = pc.Close() }()

	for _, track := range tracks {
		if err := pc.AddTrack(track); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	return offer, nil
}

func (s *Session) rollback(offerPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.OperationTimeout)
	defer cancel()

	if err := s.opts.Store.DeleteSubtree(ctx, offerPath); err != nil {
		log.Error().Err(err).Str("service", "broadcast").Str("session_id", string(s.opts.SessionID)).Msg("failed to retract offer")
	}
	s.tracker.ForceIdle()
}

// announce notifies the audience. Failures never affect the broadcast.
func (s *Session) announce(run *liveRun) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.OperationTimeout)
	defer cancel()

	n := notify.NewLiveNotification(s.opts.SessionID, run.req, s.opts.LinkBase)
	if err := s.opts.Notifier.Send(ctx, n); err != nil {
		log.Error().Err(err).Str("service", "broadcast").Str("session_id", string(s.opts.SessionID)).Msg("failed to send live notification")
		telemetry.OperationFailed("notification", "send")
		return
	}
	telemetry.OperationSucceeded("notification")
}

// StopLive closes every viewer connection and purges the session's signaling
// state. It also purges when the session is idle, which clears an offer left
// behind by a crashed host. The session is idle afterwards even if the purge
// fails partially.
func (s *Session) StopLive(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	return s.stop(ctx)
}

// stopRun stops the session only if run is still the current live period
func (s *Session) stopRun(run *liveRun) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	current := s.run
	s.mu.Unlock()
	if current != run {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.OperationTimeout)
	defer cancel()

	if err := s.stop(ctx); err != nil {
		log.Error().Err(err).Str("service", "broadcast").Str("session_id", string(s.opts.SessionID)).Msg("failed to stop session")
	}
}

func (s *Session) stop(ctx context.Context) error {
	logger := log.With().Str("service", "broadcast").Str("session_id", string(s.opts.SessionID)).Logger()

	s.mu.Lock()
	run := s.run
	viewers := s.viewers
	s.run = nil
	s.viewers = make(map[core.ViewerID]*viewerConn)
	unsubscribes := make([]signaling.Unsubscribe, 0, len(viewers))
	for _, vc := range viewers {
		if vc.unsubscribeCandidates != nil {
			unsubscribes = append(unsubscribes, vc.unsubscribeCandidates)
			vc.unsubscribeCandidates = nil
		}
	}
	served := 0
	if run != nil {
		served = run.served
	}
	s.mu.Unlock()

	if run != nil {
		run.cancel()
		if run.unsubscribeAnswers != nil {
			run.unsubscribeAnswers()
		}
		<-run.loopDone

		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}

		var wg sync.WaitGroup
		for _, vc := range viewers {
			wg.Add(1)
			go func(vc *viewerConn) {
				defer wg.Done()
				if err := vc.pc.Close(); err != nil {
					logger.Warn().Err(err).Str("viewer_id", string(vc.id)).Msg("failed to close peer connection")
				}
				if vc.connected {
					telemetry.ViewerDisconnected()
				}
			}(vc)
		}
		wg.Wait()

		// closed connections unblock pending negotiation steps
		run.negotiations.Wait()
	}

	err := s.purge(ctx)
	s.tracker.ForceIdle()

	if err := s.opts.Presence.Reset(ctx, s.opts.SessionID); err != nil {
		logger.Warn().Err(err).Msg("failed to reset presence")
	}

	if run != nil {
		if err := run.media.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to release local media")
		}
		if s.opts.History != nil {
			if err := s.opts.History.StopPublish(ctx, s.opts.SessionID, served); err != nil {
				logger.Error().Err(err).Msg("failed to record session stop")
			}
		}
		telemetry.SessionStopped()
	}

	if err != nil {
		telemetry.OperationFailed("stop_live", "delete")
		logger.Error().Err(err).Msg("session stopped with leftovers in the signaling store")
		return err
	}

	telemetry.OperationSucceeded("stop_live")
	logger.Info().Int("viewers", served).Msg("session stopped")
	return nil
}

// purge deletes every signaling subtree of the session concurrently
func (s *Session) purge(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)

	for _, path := range signaling.SessionPaths(s.opts.SessionID) {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if err := s.opts.Store.DeleteSubtree(ctx, path); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, err))
				mu.Unlock()
			}
		}(path)
	}
	wg.Wait()

	if errs != nil {
		return fmt.Errorf("%w: %v", core.ErrSignalingDeleteFailed, errs)
	}
	return nil
}

// Close stops the session if it is live and stops watching the store. GoLive
// and StopLive fail with ErrSessionClosed afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.mu.Lock()
	live := s.run != nil
	s.mu.Unlock()

	var err error
	if live || s.State().IsLive() {
		err = s.stop(ctx)
	}
	s.tracker.Close()

	return err
}

// SetTrackEnabled mutes or unmutes a kind of track for every viewer
func (s *Session) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if run == nil {
		return core.ErrNotLive
	}
	return run.media.SetEnabled(kind, enabled)
}

func (s *Session) SendChat(ctx context.Context, msg core.ChatMessage) (string, error) {
	return s.appendLive(ctx, signaling.ChatPath(s.opts.SessionID), msg)
}

func (s *Session) React(ctx context.Context, reaction core.Reaction) (string, error) {
	return s.appendLive(ctx, signaling.ReactionsPath(s.opts.SessionID), reaction)
}

func (s *Session) appendLive(ctx context.Context, path string, value interface{}) (string, error) {
	s.mu.Lock()
	live := s.run != nil
	s.mu.Unlock()

	if !live {
		return "", core.ErrNotLive
	}

	key, err := s.opts.Store.AppendChild(ctx, path, signaling.NewEntryKey(), value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrSignalingWriteFailed, err)
	}
	return key, nil
}

// offerChanged stops the live period when the offer disappears from the store
func (s *Session) offerChanged(state core.BroadcastState) {
	if state.IsLive() {
		return
	}

	s.mu.Lock()
	run := s.run
	s.mu.Unlock()

	if run != nil {
		s.enqueue(run, offerStateEvent{state: state})
	}
}

type nopPresence struct{}

func (nopPresence) ViewerJoined(context.Context, core.SessionID, core.ViewerID) error { return nil }
func (nopPresence) ViewerLeft(context.Context, core.SessionID, core.ViewerID) error { return nil }
func (nopPresence) Reset(context.Context, core.SessionID) error { return nil }
