package service

import (
	"fmt"
	"strings"

	"github.com/isqad/livelook-classroom/internal/config"
	"github.com/isqad/livelook-classroom/internal/media"
)

// NewMediaSource builds the configured local media source
func NewMediaSource(conf config.MediaConfig) (media.Source, error) {
	switch strings.ToLower(conf.Source) {
	case "", "file":
		return &media.FileSource{VideoFile: conf.VideoFile, AudioFile: conf.AudioFile}, nil
	case "rtp":
		return &media.RTPSource{VideoAddress: conf.RTPVideoAddress, AudioAddress: conf.RTPAudioAddress}, nil
	default:
		return nil, fmt.Errorf("unknown media source %q", conf.Source)
	}
}
