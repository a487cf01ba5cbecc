// Package media acquires the host's local audio and video.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
)

type Constraints struct {
	Video bool
	Audio bool
}

// Source acquires local media. Failures wrap core.ErrMediaUnavailable.
type Source interface {
	Acquire(ctx context.Context, constraints Constraints) (*Stream, error)
}

// Stream is a set of local tracks and the goroutines feeding them
type Stream struct {
	tracks []*Track

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closers   []func() error
}

func NewStream(tracks ...*Track) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		tracks: tracks,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Tracks returns the tracks in a stable order, video first
func (s *Stream) Tracks() []webrtc.TrackLocal {
	locals := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		for _, t := range s.tracks {
			if t.Kind() == kind {
				locals = append(locals, t.Local())
			}
		}
	}
	return locals
}

func (s *Stream) Track(kind webrtc.RTPCodecType) (*Track, bool) {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t, true
		}
	}
	return nil, false
}

func (s *Stream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	t, ok := s.Track(kind)
	if !ok {
		return fmt.Errorf("%w: no %s track", core.ErrUnknownTrackKind, kind)
	}
	t.SetEnabled(enabled)
	return nil
}

// Go runs fn until the stream is closed
func (s *Stream) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// OnClose registers a release function. Release functions run once every
// feeding goroutine has returned.
func (s *Stream) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		for _, fn := range s.closers {
			err = multierr.Append(err, fn())
		}
	})
	return err
}
