package broadcast

import (
	"context"
	"sync"

	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/signaling"
)

// StateTracker derives the broadcast state from the presence of the offer
type StateTracker struct {
	mu       sync.Mutex
	state    core.BroadcastState
	changed  chan struct{}
	onChange func(core.BroadcastState)

	ready       chan struct{}
	readyOnce   sync.Once
	unsubscribe signaling.Unsubscribe
}

// NewStateTracker watches the offer of the session until Close. It returns
// once the current state is known.
func NewStateTracker(ctx context.Context, store signaling.Store, sessionID core.SessionID) (*StateTracker, error) {
	t := &StateTracker{
		state:   core.BroadcastIdle,
		changed: make(chan struct{}),
		ready:   make(chan struct{}),
	}

	unsubscribe, err := store.OnValueChanged(context.Background(), signaling.OfferPath(sessionID), func(v signaling.Value) {
		next := core.BroadcastIdle
		if v.Exists {
			next = core.BroadcastLive
		}
		t.observe(next)
	})
	if err != nil {
		return nil, err
	}
	t.unsubscribe = unsubscribe

	select {
	case <-t.ready:
		return t, nil
	case <-ctx.Done():
		unsubscribe()
		return nil, ctx.Err()
	}
}

func (t *StateTracker) State() core.BroadcastState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnChange registers fn for state changes observed in the store
func (t *StateTracker) OnChange(fn func(core.BroadcastState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Wait blocks until the state is want
func (t *StateTracker) Wait(ctx context.Context, want core.BroadcastState) error {
	for {
		t.mu.Lock()
		state, changed := t.state, t.changed
		t.mu.Unlock()

		if state == want {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ForceIdle reports Idle even if the offer could not be deleted. The next
// store event overrides it.
func (t *StateTracker) ForceIdle() {
	t.set(core.BroadcastIdle)
}

func (t *StateTracker) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

func (t *StateTracker) observe(next core.BroadcastState) {
	changed := t.set(next)
	t.readyOnce.Do(func() { close(t.ready) })

	if !changed {
		return
	}

	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(next)
	}
}

func (t *StateTracker) set(next core.BroadcastState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == next {
		return false
	}
	t.state = next
	close(t.changed)
	t.changed = make(chan struct{})
	return true
}
