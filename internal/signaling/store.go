// Package signaling is the shared realtime store used to exchange offers,
// answers and ICE candidates before a direct peer connection exists.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	errEmptyPath   = errors.New("signaling: empty path")
	errInvalidPath = errors.New("signaling: invalid path")
)

// Child is a direct child of a subscribed path. Value is nil for intermediate nodes.
type Child struct {
	Key   string
	Value json.RawMessage
}

func (c Child) Decode(dst interface{}) error {
	return json.Unmarshal(c.Value, dst)
}

// Value is the current content of a watched path
type Value struct {
	Exists bool
	Data   json.RawMessage
}

func (v Value) Decode(dst interface{}) error {
	return json.Unmarshal(v.Data, dst)
}

type ChildFunc func(Child)

type ValueFunc func(Value)

// Unsubscribe stops a subscription. It is idempotent and may be called from a callback.
type Unsubscribe func()

// Store is the signaling channel. Callbacks of a single subscription are invoked
// sequentially from one goroutine, never from the caller of the subscribe method.
type Store interface {
	// Publish upserts value at the exact path
	Publish(ctx context.Context, path string, value interface{}) error
	// AppendChild writes value under path/key. An empty key is generated and is
	// greater than every key generated before it in this process.
	AppendChild(ctx context.Context, path, key string, value interface{}) (string, error)
	// Get reads the value once. It reports false when nothing is stored at path.
	Get(ctx context.Context, path string, dst interface{}) (bool, error)
	// OnChildAdded fires for every existing child in insertion order, then for each new one
	OnChildAdded(ctx context.Context, path string, fn ChildFunc) (Unsubscribe, error)
	// OnValueChanged fires with the current value, then on every change
	OnValueChanged(ctx context.Context, path string, fn ValueFunc) (Unsubscribe, error)
	// DeleteSubtree removes path and everything nested beneath it
	DeleteSubtree(ctx context.Context, path string) error
}

func marshalValue(value interface{}) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(value)
}
