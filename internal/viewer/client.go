// Package viewer is the student side of a broadcast: it answers the host's
// offer and relays ICE candidates through the signaling store.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/rtc"
	"github.com/isqad/livelook-classroom/internal/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var ErrAlreadyJoined = errors.New("viewer: already joined")

type Options struct {
	SessionID core.SessionID
	// ViewerID is generated when empty
	ViewerID         core.ViewerID
	Store            signaling.Store
	Peers            rtc.PeerFactory
	OperationTimeout time.Duration
}

type Client struct {
	opts   Options
	logger zerolog.Logger

	lock         sync.Mutex
	pc           rtc.PeerConnection
	unsubscribes []signaling.Unsubscribe
	onTrack      func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState      func(webrtc.PeerConnectionState)
	onEnded      func()
	ended        chan struct{}
}

func NewClient(opts Options) (*Client, error) {
	if opts.Store == nil || opts.Peers == nil {
		return nil, errors.New("viewer: store and peer factory are required")
	}
	if opts.ViewerID == "" {
		opts.ViewerID = core.ViewerID(uuid.NewString())
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 10 * time.Second
	}

	return &Client{
		opts: opts,
		logger: log.With().
			Str("service", "viewer").
			Str("session_id", string(opts.SessionID)).
			Str("viewer_id", string(opts.ViewerID)).
			Logger(),
	}, nil
}

func (c *Client) ID() core.ViewerID {
	return c.opts.ViewerID
}

// OnTrack must be set before Join
func (c *Client) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onTrack = fn
}

func (c *Client) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onState = fn
}

// OnEnded fires once when the host removes its offer
func (c *Client) OnEnded(fn func()) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onEnded = fn
}

// Join reads the host offer, publishes an answer and starts relaying candidates.
// It returns core.ErrNotLive when no offer is published. The subscriptions
// opened by Join end with ctx.
func (c *Client) Join(ctx context.Context) error {
	c.lock.Lock()
	if c.pc != nil {
		c.lock.Unlock()
		return ErrAlreadyJoined
	}
	c.lock.Unlock()

	offer := core.HostOffer{}
	ok, err := c.opts.Store.Get(ctx, signaling.OfferPath(c.opts.SessionID), &offer)
	if err != nil {
		return fmt.Errorf("read offer: %w", err)
	}
	if !ok || offer.SDP == "" {
		return core.ErrNotLive
	}

	pc, err := c.opts.Peers.NewPeerConnection()
	if err != nil {
		return err
	}

	c.lock.Lock()
	c.pc = pc
	c.ended = make(chan struct{})
	onTrack, onState := c.onTrack, c.onState
	c.lock.Unlock()

	viewerCandidates := signaling.ViewerCandidatesPath(c.opts.SessionID, c.opts.ViewerID)
	pc.OnICECandidate(func(candidate *webrtc.ICECandidateInit) {
		if candidate == nil {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), c.opts.OperationTimeout)
		defer cancel()
		if _, err := c.opts.Store.AppendChild(wctx, viewerCandidates, signaling.NewEntryKey(), candidate); err != nil {
			c.logger.Warn().Err(err).Msg("failed to send candidate")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug().Str("state", state.String()).Msg("connection state changed")
		if onState != nil {
			onState(state)
		}
	})
	if onTrack != nil {
		pc.OnTrack(onTrack)
	}

	if err := c.negotiate(ctx, pc, offer); err != nil {
		_, _ = c.reset()
		return err
	}

	c.logger.Info().Str("title", offer.Title).Msg("joined broadcast")
	return nil
}

func (c *Client) negotiate(ctx context.Context, pc rtc.PeerConnection, offer core.HostOffer) error {
	if err := pc.SetRemoteDescription(offer.SessionDescription()); err != nil {
		return fmt.Errorf("%w: apply offer: %v", core.ErrNegotiationFailure, err)
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", core.ErrNegotiationFailure, err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set answer: %v", core.ErrNegotiationFailure, err)
	}

	unsubscribeHost, err := c.opts.Store.OnChildAdded(ctx, signaling.HostCandidatesPath(c.opts.SessionID, c.opts.ViewerID), func(child signaling.Child) {
		if len(child.Value) == 0 {
			return
		}
		candidate := webrtc.ICECandidateInit{}
		err := child.Decode(&candidate)
		if err == nil {
			err = pc.AddICECandidate(candidate)
		}
		if err != nil {
			c.logger.Warn().Err(fmt.Errorf("%w: %v", core.ErrMalformedCandidate, err)).Msg("dropped host candidate")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to host candidates: %w", err)
	}
	c.addUnsubscribe(unsubscribeHost)

	unsubscribeOffer, err := c.opts.Store.OnValueChanged(ctx, signaling.OfferPath(c.opts.SessionID), func(v signaling.Value) {
		if !v.Exists {
			c.end()
		}
	})
	if err != nil {
		return fmt.Errorf("watch offer: %w", err)
	}
	c.addUnsubscribe(unsubscribeOffer)

	if err := c.opts.Store.Publish(ctx, signaling.AnswerPath(c.opts.SessionID, c.opts.ViewerID), core.NewViewerAnswer(answer)); err != nil {
		return fmt.Errorf("%w: publish answer: %v", core.ErrSignalingWriteFailed, err)
	}

	return nil
}

func (c *Client) addUnsubscribe(fn signaling.Unsubscribe) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.unsubscribes = append(c.unsubscribes, fn)
}

// Done is closed when the host ends the broadcast or the viewer leaves
func (c *Client) Done() <-chan struct{} {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.ended
}

func (c *Client) end() {
	c.lock.Lock()
	onEnded := c.onEnded
	c.lock.Unlock()

	first, _ := c.reset()
	if !first {
		return
	}
	c.logger.Info().Msg("host ended the broadcast")
	if onEnded != nil {
		onEnded()
	}
}

// reset closes the connection and stops every subscription. It reports
// whether this call ended the client.
func (c *Client) reset() (bool, error) {
	c.lock.Lock()
	pc := c.pc
	unsubscribes := c.unsubscribes
	c.pc = nil
	c.unsubscribes = nil
	first := false
	if c.ended != nil {
		select {
		case <-c.ended:
		default:
			close(c.ended)
			first = true
		}
	}
	c.lock.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	if pc != nil {
		return first, pc.Close()
	}
	return first, nil
}

// Leave closes the connection and removes the viewer's answer and candidates
func (c *Client) Leave(ctx context.Context) error {
	_, err := c.reset()

	for _, path := range []string{
		signaling.AnswerPath(c.opts.SessionID, c.opts.ViewerID),
		signaling.ViewerCandidatesPath(c.opts.SessionID, c.opts.ViewerID),
	} {
		if derr := c.opts.Store.DeleteSubtree(ctx, path); derr != nil {
			err = multierr.Append(err, fmt.Errorf("%w: %v", core.ErrSignalingDeleteFailed, derr))
		}
	}

	return err
}
