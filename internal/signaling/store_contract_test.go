package signaling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type testCandidate struct {
	Candidate string `json:"candidate"`
}

type childCollector struct {
	mu       sync.Mutex
	children []Child
}

func (c *childCollector) add(child Child) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

func (c *childCollector) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.children))
	for _, child := range c.children {
		keys = append(keys, child.Key)
	}
	return keys
}

func (c *childCollector) get(i int) Child {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.children[i]
}

type valueCollector struct {
	mu     sync.Mutex
	values []Value
}

func (c *valueCollector) add(v Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
}

func (c *valueCollector) last() (Value, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.values) == 0 {
		return Value{}, 0
	}
	return c.values[len(c.values)-1], len(c.values)
}

// runStoreContract checks behaviour every Store implementation must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("publish and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.Nil(t, store.Publish(ctx, "offers/s1", map[string]string{"sdp": "v=0", "type": "offer"}))

		offer := map[string]string{}
		found, err := store.Get(ctx, "offers/s1", &offer)
		assert.Nil(t, err)
		assert.True(t, found)
		assert.Equal(t, "offer", offer["type"])

		found, err = store.Get(ctx, "offers/missing", &offer)
		assert.Nil(t, err)
		assert.False(t, found)
	})

	t.Run("invalid paths are rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		assert.NotNil(t, store.Publish(ctx, "", "x"))
		assert.NotNil(t, store.Publish(ctx, "answers//v1", "x"))
		_, err := store.OnChildAdded(ctx, "", func(Child) {})
		assert.NotNil(t, err)
	})

	t.Run("child added replays existing children then streams new ones", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.Nil(t, store.Publish(ctx, "answers/s1/v1", map[string]string{"sdp": "a1", "type": "answer"}))

		c := &childCollector{}
		unsubscribe, err := store.OnChildAdded(ctx, "answers/s1", c.add)
		require.Nil(t, err)
		defer unsubscribe()

		require.Nil(t, store.Publish(ctx, "answers/s1/v2", map[string]string{"sdp": "a2", "type": "answer"}))
		// an update of a known child is not an addition
		require.Nil(t, store.Publish(ctx, "answers/s1/v1", map[string]string{"sdp": "a1b", "type": "answer"}))
		require.Nil(t, store.Publish(ctx, "answers/s1/v3", map[string]string{"sdp": "a3", "type": "answer"}))

		assert.Eventually(t, func() bool { return len(c.keys()) == 3 }, waitFor, tick)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, []string{"v1", "v2", "v3"}, c.keys())

		answer := map[string]string{}
		assert.Nil(t, c.get(1).Decode(&answer))
		assert.Equal(t, "a2", answer["sdp"])
	})

	t.Run("intermediate nodes are reported as children", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		c := &childCollector{}
		unsubscribe, err := store.OnChildAdded(ctx, "candidates/s1/host", c.add)
		require.Nil(t, err)
		defer unsubscribe()

		_, err = store.AppendChild(ctx, "candidates/s1/host/v1", "", testCandidate{Candidate: "c1"})
		require.Nil(t, err)
		_, err = store.AppendChild(ctx, "candidates/s1/host/v1", "", testCandidate{Candidate: "c2"})
		require.Nil(t, err)

		assert.Eventually(t, func() bool { return len(c.keys()) == 1 }, waitFor, tick)
		assert.Equal(t, "v1", c.get(0).Key)
		assert.Nil(t, c.get(0).Value)
	})

	t.Run("candidates are observed in write order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		path := "candidates/s1/viewer/v1"

		written := make([]string, 0, 20)
		for i := 0; i < 10; i++ {
			key, err := store.AppendChild(ctx, path, "", testCandidate{Candidate: fmt.Sprintf("c%d", i)})
			require.Nil(t, err)
			written = append(written, key)
		}

		c := &childCollector{}
		unsubscribe, err := store.OnChildAdded(ctx, path, c.add)
		require.Nil(t, err)
		defer unsubscribe()

		for i := 10; i < 20; i++ {
			key, err := store.AppendChild(ctx, path, "", testCandidate{Candidate: fmt.Sprintf("c%d", i)})
			require.Nil(t, err)
			written = append(written, key)
		}

		assert.Eventually(t, func() bool { return len(c.keys()) == 20 }, waitFor, tick)
		assert.Equal(t, written, c.keys())

		for i := 0; i < 20; i++ {
			candidate := testCandidate{}
			assert.Nil(t, c.get(i).Decode(&candidate))
			assert.Equal(t, fmt.Sprintf("c%d", i), candidate.Candidate)
		}
	})

	t.Run("value changes follow publish and delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		c := &valueCollector{}
		unsubscribe, err := store.OnValueChanged(ctx, "offers/s1", c.add)
		require.Nil(t, err)
		defer unsubscribe()

		assert.Eventually(t, func() bool { _, n := c.last(); return n == 1 }, waitFor, tick)
		v, _ := c.last()
		assert.False(t, v.Exists)

		require.Nil(t, store.Publish(ctx, "offers/s1", map[string]string{"type": "offer"}))
		assert.Eventually(t, func() bool { v, _ := c.last(); return v.Exists }, waitFor, tick)

		require.Nil(t, store.DeleteSubtree(ctx, "offers/s1"))
		assert.Eventually(t, func() bool { v, n := c.last(); return n == 3 && !v.Exists }, waitFor, tick)
	})

	t.Run("delete subtree removes nested values and allows re-adding", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.AppendChild(ctx, "candidates/s1/host/v1", "k1", testCandidate{Candidate: "c1"})
		require.Nil(t, err)
		_, err = store.AppendChild(ctx, "candidates/s1/viewer/v1", "k1", testCandidate{Candidate: "c2"})
		require.Nil(t, err)

		c := &childCollector{}
		unsubscribe, err := store.OnChildAdded(ctx, "candidates/s1/host/v1", c.add)
		require.Nil(t, err)
		defer unsubscribe()
		assert.Eventually(t, func() bool { return len(c.keys()) == 1 }, waitFor, tick)

		require.Nil(t, store.DeleteSubtree(ctx, "candidates/s1/host"))

		candidate := testCandidate{}
		found, err := store.Get(ctx, "candidates/s1/host/v1/k1", &candidate)
		assert.Nil(t, err)
		assert.False(t, found)

		found, err = store.Get(ctx, "candidates/s1/viewer/v1/k1", &candidate)
		assert.Nil(t, err)
		assert.True(t, found)

		_, err = store.AppendChild(ctx, "candidates/s1/host/v1", "k1", testCandidate{Candidate: "c3"})
		require.Nil(t, err)
		assert.Eventually(t, func() bool { return len(c.keys()) == 2 }, waitFor, tick)
		assert.Equal(t, []string{"k1", "k1"}, c.keys())

		// deleting a missing path is not an error
		assert.Nil(t, store.DeleteSubtree(ctx, "chat/s1"))
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		c := &childCollector{}
		unsubscribe, err := store.OnChildAdded(ctx, "reactions/s1", c.add)
		require.Nil(t, err)

		_, err = store.AppendChild(ctx, "reactions/s1", "", map[string]string{"emoji": "+1"})
		require.Nil(t, err)
		assert.Eventually(t, func() bool { return len(c.keys()) == 1 }, waitFor, tick)

		unsubscribe()
		unsubscribe()

		_, err = store.AppendChild(ctx, "reactions/s1", "", map[string]string{"emoji": "+1"})
		require.Nil(t, err)
		time.Sleep(100 * time.Millisecond)
		assert.Len(t, c.keys(), 1)
	})

	t.Run("cancelled context ends the subscription", func(t *testing.T) {
		store := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())

		c := &childCollector{}
		_, err := store.OnChildAdded(ctx, "chat/s1", c.add)
		require.Nil(t, err)
		cancel()
		time.Sleep(50 * time.Millisecond)

		_, err = store.AppendChild(context.Background(), "chat/s1", "", map[string]string{"text": "hi"})
		require.Nil(t, err)
		time.Sleep(100 * time.Millisecond)
		assert.Empty(t, c.keys())
	})
}
