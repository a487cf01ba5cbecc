package media

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
)

const rtpBufferSize = 1500

// RTPSource ingests VP8 and Opus RTP sent to local UDP ports, e.g. by
// ffmpeg or gstreamer
type RTPSource struct {
	VideoAddress string
	AudioAddress string
}

func (s *RTPSource) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	stream := NewStream()

	ingest := []struct {
		wanted   bool
		address  string
		mimeType string
		kind     webrtc.RTPCodecType
	}{
		{constraints.Video, s.VideoAddress, webrtc.MimeTypeVP8, webrtc.RTPCodecTypeVideo},
		{constraints.Audio, s.AudioAddress, webrtc.MimeTypeOpus, webrtc.RTPCodecTypeAudio},
	}

	for _, in := range ingest {
		if !in.wanted || in.address == "" {
			continue
		}
		if err := listenRTP(stream, in.address, in.mimeType, in.kind); err != nil {
			_ = stream.Close()
			return nil, fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
		}
	}

	if len(stream.tracks) == 0 {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: no RTP ingest addresses configured", core.ErrMediaUnavailable)
	}

	return stream, nil
}

func listenRTP(stream *Stream, address, mimeType string, kind webrtc.RTPCodecType) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	stream.OnClose(conn.Close)

	track, err := NewRTPTrack(mimeType, kind)
	if err != nil {
		return err
	}
	stream.tracks = append(stream.tracks, track)

	log.Info().Str("service", "media").Str("address", conn.LocalAddr().String()).Msgf("listening for %s RTP", kind)

	stream.Go(func(ctx context.Context) {
		// the socket is closed only after this goroutine returns
		go func() {
			<-ctx.Done()
			_ = conn.SetReadDeadline(time.Now())
		}()

		buf := make([]byte, rtpBufferSize)
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				if ctx.Err() == nil {
					log.Error().Err(err).Str("service", "media").Msg("RTP ingest stopped")
				}
				return
			}

			packet := &rtp.Packet{}
			if err := packet.Unmarshal(buf[:n]); err != nil {
				log.Debug().Err(err).Str("service", "media").Msg("dropped malformed RTP packet")
				continue
			}

			if err := track.WriteRTP(packet); err != nil {
				log.Debug().Err(err).Str("service", "media").Msg("failed to forward RTP packet")
			}
		}
	})

	return nil
}
