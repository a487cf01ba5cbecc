package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/notify"
	"github.com/isqad/livelook-classroom/internal/rtc/rtctest"
	"github.com/isqad/livelook-classroom/internal/signaling"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

const (
	testSessionID = core.SessionID("class-1")
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

type MockMedia struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	enabled map[webrtc.RTPCodecType]bool
	closed  bool
}

func NewMockMedia(t *testing.T) *MockMedia {
	t.Helper()

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "livelook")
	require.NoError(t, err)
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "livelook")
	require.NoError(t, err)

	return &MockMedia{
		tracks: []webrtc.TrackLocal{video, audio},
		enabled: map[webrtc.RTPCodecType]bool{
			webrtc.RTPCodecTypeVideo: true,
			webrtc.RTPCodecTypeAudio: true,
		},
	}
}

func (m *MockMedia) Tracks() []webrtc.TrackLocal {
	return m.tracks
}

func (m *MockMedia) SetEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.enabled[kind]; !ok {
		return core.ErrUnknownTrackKind
	}
	m.enabled[kind] = enabled
	return nil
}

func (m *MockMedia) Enabled(kind webrtc.RTPCodecType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[kind]
}

func (m *MockMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockMedia) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type MockNotifier struct {
	err  error
	sent chan notify.Notification
}

func NewMockNotifier(err error) *MockNotifier {
	return &MockNotifier{err: err, sent: make(chan notify.Notification, 4)}
}

func (n *MockNotifier) Send(_ context.Context, msg notify.Notification) error {
	n.sent <- msg
	return n.err
}

type MockPresence struct {
	mu     sync.Mutex
	joined []core.ViewerID
	left   []core.ViewerID
	resets int
}

func (p *MockPresence) ViewerJoined(_ context.Context, _ core.SessionID, id core.ViewerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined = append(p.joined, id)
	return nil
}

func (p *MockPresence) ViewerLeft(_ context.Context, _ core.SessionID, id core.ViewerID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = append(p.left, id)
	return nil
}

func (p *MockPresence) Reset(context.Context, core.SessionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *MockPresence) Joined() []core.ViewerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.ViewerID(nil), p.joined...)
}

func (p *MockPresence) Left() []core.ViewerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.ViewerID(nil), p.left...)
}

func (p *MockPresence) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

type MockHistory struct {
	mu      sync.Mutex
	started []*core.Session
	stopped []int
}

func (h *MockHistory) StartPublish(_ context.Context, session *core.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = append(h.started, session)
	return nil
}

func (h *MockHistory) StopPublish(_ context.Context, _ core.SessionID, viewersCount int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = append(h.stopped, viewersCount)
	return nil
}

func (h *MockHistory) FindBySessionID(context.Context, core.SessionID) (*core.Session, error) {
	return nil, core.ErrSessionNotFound
}

// flakyStore fails writes and deletes for matching paths
type flakyStore struct {
	signaling.Store

	failPublish func(path string) bool
	failDelete  func(path string) bool
}

var errStoreDown = errors.New("store is down")

func (s *flakyStore) Publish(ctx context.Context, path string, value interface{}) error {
	if s.failPublish != nil && s.failPublish(path) {
		return errStoreDown
	}
	return s.Store.Publish(ctx, path, value)
}

func (s *flakyStore) DeleteSubtree(ctx context.Context, path string) error {
	if s.failDelete != nil && s.failDelete(path) {
		return errStoreDown
	}
	return s.Store.DeleteSubtree(ctx, path)
}

type fixture struct {
	t        *testing.T
	store    signaling.Store
	peers    *rtctest.Factory
	presence *MockPresence
	history  *MockHistory
	notifier *MockNotifier
	session  *Session
}

func newFixture(t *testing.T, store signaling.Store) *fixture {
	t.Helper()

	if store == nil {
		store = signaling.NewMemoryStore()
	}

	f := &fixture{
		t:        t,
		store:    store,
		peers:    rtctest.NewFactory(),
		presence: &MockPresence{},
		history:  &MockHistory{},
		notifier: NewMockNotifier(nil),
	}

	session, err := NewSession(context.Background(), Options{
		SessionID:        testSessionID,
		Store:            store,
		Peers:            f.peers,
		Notifier:         f.notifier,
		Presence:         f.presence,
		History:          f.history,
		LinkBase:         "https://classroom.test",
		OperationTimeout: waitFor,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })
	f.session = session

	return f
}

func (f *fixture) goLive(media *MockMedia) {
	f.t.Helper()
	require.NoError(f.t, f.session.GoLive(context.Background(), core.LiveRequest{Title: "Algebra"}, media))
}

func (f *fixture) answer(id core.ViewerID, sdp string) {
	f.t.Helper()

	err := f.store.Publish(context.Background(), signaling.AnswerPath(testSessionID, id), core.ViewerAnswer{
		SDP:  sdp,
		Type: webrtc.SDPTypeAnswer,
	})
	require.NoError(f.t, err)
}

// peerFor waits for the connection serving the viewer whose answer is sdp
func (f *fixture) peerFor(sdp string) *rtctest.Peer {
	f.t.Helper()

	var found *rtctest.Peer
	require.Eventually(f.t, func() bool {
		for _, p := range f.peers.Peers() {
			if remote := p.RemoteDescription(); remote != nil && remote.SDP == sdp {
				found = p
				return true
			}
		}
		return false
	}, waitFor, tick)

	return found
}

func (f *fixture) hasViewer(id core.ViewerID) bool {
	for _, v := range f.session.Viewers() {
		if v == id {
			return true
		}
	}
	return false
}

func (f *fixture) exists(path string) bool {
	f.t.Helper()

	var raw interface{}
	ok, err := f.store.Get(context.Background(), path, &raw)
	require.NoError(f.t, err)
	return ok
}

// children collects the children of path currently in the store
func (f *fixture) children(path string) []signaling.Child {
	f.t.Helper()

	var (
		mu   sync.Mutex
		kids []signaling.Child
	)
	done := make(chan struct{})
	marker := "~marker"

	// replay order is insertion order, the marker is appended last
	unsubscribe, err := f.store.OnChildAdded(context.Background(), path, func(c signaling.Child) {
		if c.Key == marker {
			close(done)
			return
		}
		mu.Lock()
		kids = append(kids, c)
		mu.Unlock()
	})
	require.NoError(f.t, err)
	defer unsubscribe()

	_, err = f.store.AppendChild(context.Background(), path, marker, true)
	require.NoError(f.t, err)
	defer func() { _ = f.store.DeleteSubtree(context.Background(), signaling.Join(path, marker)) }()

	select {
	case <-done:
	case <-time.After(waitFor):
		f.t.Fatalf("no replay of %s", path)
	}

	mu.Lock()
	defer mu.Unlock()
	return kids
}

func candidateStrings(kids []signaling.Child) []string {
	out := make([]string, 0, len(kids))
	for _, k := range kids {
		c := webrtc.ICECandidateInit{}
		if err := k.Decode(&c); err == nil {
			out = append(out, c.Candidate)
		}
	}
	return out
}
