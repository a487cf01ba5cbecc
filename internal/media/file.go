package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	oggPageDuration = 20 * time.Millisecond
	opusClockRate   = 48000
)

// FileSource plays an IVF video file and an Ogg/Opus audio file in a loop.
// A requested kind without a configured file is skipped.
type FileSource struct {
	VideoFile string
	AudioFile string
}

func (s *FileSource) Acquire(ctx context.Context, constraints Constraints) (*Stream, error) {
	stream := NewStream()

	if constraints.Video && s.VideoFile != "" {
		if err := s.addVideo(stream); err != nil {
			_ = stream.Close()
			return nil, fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
		}
	}

	if constraints.Audio && s.AudioFile != "" {
		if err := s.addAudio(stream); err != nil {
			_ = stream.Close()
			return nil, fmt.Errorf("%w: %v", core.ErrMediaUnavailable, err)
		}
	}

	if len(stream.tracks) == 0 {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: no media files configured", core.ErrMediaUnavailable)
	}

	return stream, nil
}

func (s *FileSource) addVideo(stream *Stream) error {
	file, err := os.Open(s.VideoFile)
	if err != nil {
		return err
	}
	stream.OnClose(file.Close)

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return err
	}

	var mimeType string
	switch header.FourCC {
	case "VP80":
		mimeType = webrtc.MimeTypeVP8
	case "VP90":
		mimeType = webrtc.MimeTypeVP9
	default:
		return fmt.Errorf("unsupported IVF codec %q", header.FourCC)
	}

	track, err := NewSampleTrack(mimeType, webrtc.RTPCodecTypeVideo)
	if err != nil {
		return err
	}
	stream.tracks = append(stream.tracks, track)

	frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDuration <= 0 {
		frameDuration = 33 * time.Millisecond
	}

	stream.Go(func(ctx context.Context) {
		// a ticker avoids the skew that sleeping between frames accumulates
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			frame, _, err := ivf.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if ivf, err = rewindIVF(file); err != nil {
					log.Error().Err(err).Str("service", "media").Msg("failed to rewind video file")
					return
				}
				continue
			}
			if err != nil {
				log.Error().Err(err).Str("service", "media").Msg("failed to read video frame")
				return
			}

			if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
				log.Debug().Err(err).Str("service", "media").Msg("failed to write video sample")
			}
		}
	})

	return nil
}

func rewindIVF(file *os.File) (*ivfreader.IVFReader, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	ivf, _, err := ivfreader.NewWith(file)
	return ivf, err
}

func (s *FileSource) addAudio(stream *Stream) error {
	file, err := os.Open(s.AudioFile)
	if err != nil {
		return err
	}
	stream.OnClose(file.Close)

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return err
	}

	track, err := NewSampleTrack(webrtc.MimeTypeOpus, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return err
	}
	stream.tracks = append(stream.tracks, track)

	stream.Go(func(ctx context.Context) {
		ticker := time.NewTicker(oggPageDuration)
		defer ticker.Stop()

		var lastGranule uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			page, pageHeader, err := ogg.ParseNextPage()
			if errors.Is(err, io.EOF) {
				if ogg, err = rewindOgg(file); err != nil {
					log.Error().Err(err).Str("service", "media").Msg("failed to rewind audio file")
					return
				}
				lastGranule = 0
				continue
			}
			if err != nil {
				log.Error().Err(err).Str("service", "media").Msg("failed to read audio page")
				return
			}

			// granule position counts samples at 48kHz
			sampleCount := float64(pageHeader.GranulePosition - lastGranule)
			lastGranule = pageHeader.GranulePosition
			duration := time.Duration((sampleCount/opusClockRate)*1000) * time.Millisecond

			if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
				log.Debug().Err(err).Str("service", "media").Msg("failed to write audio sample")
			}
		}
	})

	return nil
}

func rewindOgg(file *os.File) (*oggreader.OggReader, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	ogg, _, err := oggreader.NewWith(file)
	return ogg, err
}
