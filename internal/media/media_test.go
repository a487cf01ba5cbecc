package media

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIVF(t *testing.T, frames int) string {
	t.Helper()

	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 640)
	binary.LittleEndian.PutUint16(header[14:], 480)
	binary.LittleEndian.PutUint32(header[16:], 30)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(frames))

	data := header
	for i := 0; i < frames; i++ {
		frame := make([]byte, 12)
		binary.LittleEndian.PutUint32(frame[0:], 4)
		binary.LittleEndian.PutUint64(frame[4:], uint64(i))
		data = append(data, frame...)
		data = append(data, 0x10, 0x02, 0x00, 0x9d)
	}

	path := filepath.Join(t.TempDir(), "video.ivf")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("video")
	require.NoError(t, err)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, kind)

	kind, err = ParseKind("audio")
	require.NoError(t, err)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, kind)

	_, err = ParseKind("screen")
	assert.ErrorIs(t, err, core.ErrUnknownTrackKind)
}

func TestFileSourceAcquire(t *testing.T) {
	source := &FileSource{VideoFile: writeIVF(t, 3)}

	stream, err := source.Acquire(context.Background(), Constraints{Video: true, Audio: true})
	require.NoError(t, err)

	tracks := stream.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[0].Kind())

	// let the pacing loop play the file through and rewind
	time.Sleep(150 * time.Millisecond)

	assert.NoError(t, stream.Close())
	assert.NoError(t, stream.Close())
}

func TestFileSourceUnavailable(t *testing.T) {
	cases := map[string]*FileSource{
		"missing video file": {VideoFile: filepath.Join(t.TempDir(), "missing.ivf")},
		"missing audio file": {AudioFile: filepath.Join(t.TempDir(), "missing.ogg")},
		"nothing configured": {},
	}

	for name, source := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := source.Acquire(context.Background(), Constraints{Video: true, Audio: true})
			assert.ErrorIs(t, err, core.ErrMediaUnavailable)
		})
	}
}

func TestStreamSetEnabled(t *testing.T) {
	video, err := NewSampleTrack(webrtc.MimeTypeVP8, webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)
	audio, err := NewRTPTrack(webrtc.MimeTypeOpus, webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)

	stream := NewStream(audio, video)
	defer stream.Close()

	locals := stream.Tracks()
	require.Len(t, locals, 2)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, locals[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, locals[1].Kind())

	require.NoError(t, stream.SetEnabled(webrtc.RTPCodecTypeVideo, false))
	assert.False(t, video.Enabled())
	assert.True(t, audio.Enabled())

	assert.NoError(t, video.WriteSample(pionmedia.Sample{Data: []byte{0x1}, Duration: time.Millisecond}))
	assert.NoError(t, video.WriteSample(pionmedia.Sample{Data: []byte{0x1}, Duration: time.Millisecond}))
	assert.Equal(t, uint32(2), video.dropped.Load())

	require.NoError(t, stream.SetEnabled(webrtc.RTPCodecTypeVideo, true))
	assert.NoError(t, video.WriteSample(pionmedia.Sample{Data: []byte{0x1}, Duration: time.Millisecond}))
	assert.Equal(t, uint32(0), video.dropped.Load())

	assert.Error(t, video.WriteRTP(&rtp.Packet{}))
	assert.Error(t, audio.WriteSample(pionmedia.Sample{}))

	onlyVideo := NewStream(video)
	assert.ErrorIs(t, onlyVideo.SetEnabled(webrtc.RTPCodecTypeAudio, false), core.ErrUnknownTrackKind)
}

func TestStreamCloseReleasesAfterFeeders(t *testing.T) {
	stream := NewStream()

	var feederDone atomic.Bool
	stream.Go(func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		feederDone.Store(true)
	})

	releasedAfterFeeder := false
	stream.OnClose(func() error {
		releasedAfterFeeder = feederDone.Load()
		return nil
	})

	require.NoError(t, stream.Close())
	assert.True(t, releasedAfterFeeder)
	assert.NoError(t, stream.Close())
}

func TestRTPSourceAcquire(t *testing.T) {
	source := &RTPSource{VideoAddress: "127.0.0.1:0", AudioAddress: "127.0.0.1:0"}

	stream, err := source.Acquire(context.Background(), Constraints{Video: true, Audio: true})
	require.NoError(t, err)

	assert.Len(t, stream.Tracks(), 2)
	assert.NoError(t, stream.Close())
}

func TestRTPSourceUnavailable(t *testing.T) {
	busy, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer busy.Close()

	source := &RTPSource{VideoAddress: busy.LocalAddr().String()}
	_, err = source.Acquire(context.Background(), Constraints{Video: true})
	assert.ErrorIs(t, err, core.ErrMediaUnavailable)

	_, err = (&RTPSource{}).Acquire(context.Background(), Constraints{Video: true, Audio: true})
	assert.ErrorIs(t, err, core.ErrMediaUnavailable)
}
