package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const defaultRedisPrefix = "sig"

// Redis key layout, {path} is the signaling path:
// {prefix}:val:{path}    STRING  - JSON value of the node
// {prefix}:kids:{path}   ZSET    - child keys scored by insertion sequence
// {prefix}:seq           STRING  - insertion sequence counter
// {prefix}:child:{path}  CHANNEL - child added events
// {prefix}:value:{path}  CHANNEL - value changed events
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

type childEvent struct {
	Key   string          `json:"key"`
	Seq   int64           `json:"seq"`
	Value json.RawMessage `json:"value,omitempty"`
}

type valueEvent struct {
	Exists bool            `json:"exists"`
	Value  json.RawMessage `json:"value,omitempty"`
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}

	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
	}
}

func (s *RedisStore) valueKey(path string) string {
	return s.prefix + ":val:" + path
}

func (s *RedisStore) kidsKey(path string) string {
	return s.prefix + ":kids:" + path
}

func (s *RedisStore) seqKey() string {
	return s.prefix + ":seq"
}

func (s *RedisStore) childChannel(path string) string {
	return s.prefix + ":child:" + path
}

func (s *RedisStore) valueChannel(path string) string {
	return s.prefix + ":value:" + path
}

type link struct {
	parent string
	leaf   string
	node   string
}

// links returns (parent, leaf) pairs from the node up to the root
func links(path string) []link {
	result := make([]link, 0, strings.Count(path, separator))
	node := path
	for {
		parent, leaf := Split(node)
		if parent == "" {
			return result
		}
		result = append(result, link{parent: parent, leaf: leaf, node: node})
		node = parent
	}
}

func (s *RedisStore) Publish(ctx context.Context, path string, value interface{}) error {
	if err := validatePath(path); err != nil {
		return err
	}
	data, err := marshalValue(value)
	if err != nil {
		return err
	}

	ls := links(path)
	var seq int64
	if len(ls) > 0 {
		seq, err = s.rdb.IncrBy(ctx, s.seqKey(), int64(len(ls))).Result()
		if err != nil {
			return err
		}
	}

	added := make([]*redis.IntCmd, len(ls))
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.valueKey(path), string(data), 0)
		for i, l := range ls {
			added[i] = pipe.ZAddNX(ctx, s.kidsKey(l.parent), &redis.Z{
				Score:  float64(seq - int64(len(ls)-1-i)),
				Member: l.leaf,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	// children are published after the ZADD so late subscribers either replay or receive them
	for i, l := range ls {
		if added[i].Val() == 0 {
			break
		}
		ev := childEvent{Key: l.leaf, Seq: seq - int64(len(ls)-1-i)}
		if l.node == path {
			ev.Value = data
		}
		if err := s.publishEvent(ctx, s.childChannel(l.parent), ev); err != nil {
			return err
		}
	}

	return s.publishEvent(ctx, s.valueChannel(path), valueEvent{Exists: true, Value: data})
}

func (s *RedisStore) AppendChild(ctx context.Context, path, key string, value interface{}) (string, error) {
	if key == "" {
		key = NewEntryKey()
	}
	if err := s.Publish(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (s *RedisStore) Get(ctx context.Context, path string, dst interface{}) (bool, error) {
	data, err := s.rdb.Get(ctx, s.valueKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(data, dst)
}

func (s *RedisStore) OnChildAdded(ctx context.Context, path string, fn ChildFunc) (Unsubscribe, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)

	// Subscribe before reading the existing children so nothing falls in between
	pubsub, err := s.subscribe(subCtx, s.childChannel(path))
	if err != nil {
		cancel()
		return nil, err
	}

	existing, err := s.rdb.ZRangeWithScores(subCtx, s.kidsKey(path), 0, -1).Result()
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}

	replay := make([]childEvent, 0, len(existing))
	if len(existing) > 0 {
		valueKeys := make([]string, 0, len(existing))
		for _, z := range existing {
			key, _ := z.Member.(string)
			valueKeys = append(valueKeys, s.valueKey(Join(path, key)))
			replay = append(replay, childEvent{Key: key, Seq: int64(z.Score)})
		}

		values, err := s.rdb.MGet(subCtx, valueKeys...).Result()
		if err != nil {
			cancel()
			_ = pubsub.Close()
			return nil, err
		}
		for i, v := range values {
			if str, ok := v.(string); ok {
				replay[i].Value = json.RawMessage(str)
			}
		}
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()

		seen := make(map[string]int64, len(replay))
		for _, ev := range replay {
			if subCtx.Err() != nil {
				return
			}
			seen[ev.Key] = ev.Seq
			fn(Child{Key: ev.Key, Value: ev.Value})
		}

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				ev := childEvent{}
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Error().Err(err).Str("service", "signaling").Str("path", path).Msg("malformed child event")
					continue
				}
				// replayed children may also arrive as live events
				if last, ok := seen[ev.Key]; ok && ev.Seq <= last {
					continue
				}
				seen[ev.Key] = ev.Seq

				if subCtx.Err() != nil {
					return
				}
				fn(Child{Key: ev.Key, Value: ev.Value})
			}
		}
	}()

	return Unsubscribe(cancel), nil
}

func (s *RedisStore) OnValueChanged(ctx context.Context, path string, fn ValueFunc) (Unsubscribe, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)

	pubsub, err := s.subscribe(subCtx, s.valueChannel(path))
	if err != nil {
		cancel()
		return nil, err
	}

	current := Value{}
	data, err := s.rdb.Get(subCtx, s.valueKey(path)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		cancel()
		_ = pubsub.Close()
		return nil, err
	default:
		current = Value{Exists: true, Data: data}
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()

		fn(current)

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				ev := valueEvent{}
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Error().Err(err).Str("service", "signaling").Str("path", path).Msg("malformed value event")
					continue
				}
				if subCtx.Err() != nil {
					return
				}
				fn(Value{Exists: ev.Exists, Data: ev.Value})
			}
		}
	}()

	return Unsubscribe(cancel), nil
}

func (s *RedisStore) DeleteSubtree(ctx context.Context, path string) error {
	if err := validatePath(path); err != nil {
		return err
	}

	valueKeys, err := s.scanSubtree(ctx, s.valueKey(path))
	if err != nil {
		return err
	}
	kidsKeys, err := s.scanSubtree(ctx, s.kidsKey(path))
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		keys := make([]string, 0, len(valueKeys)+len(kidsKeys))
		keys = append(keys, valueKeys...)
		keys = append(keys, kidsKeys...)
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		if parent, leaf := Split(path); parent != "" {
			pipe.ZRem(ctx, s.kidsKey(parent), leaf)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.detachEmptyAncestors(ctx, path); err != nil {
		return err
	}

	valuePrefix := s.valueKey("")
	for _, key := range valueKeys {
		deleted := strings.TrimPrefix(key, valuePrefix)
		if err := s.publishEvent(ctx, s.valueChannel(deleted), valueEvent{}); err != nil {
			return err
		}
	}

	return nil
}

// detachEmptyAncestors removes intermediate nodes left without value and children
func (s *RedisStore) detachEmptyAncestors(ctx context.Context, path string) error {
	for _, l := range links(path)[1:] {
		pipe := s.rdb.Pipeline()
		exists := pipe.Exists(ctx, s.valueKey(l.node))
		card := pipe.ZCard(ctx, s.kidsKey(l.node))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		if exists.Val() > 0 || card.Val() > 0 {
			return nil
		}
		if err := s.rdb.ZRem(ctx, s.kidsKey(l.parent), l.leaf).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *RedisStore) scanSubtree(ctx context.Context, key string) ([]string, error) {
	keys := make([]string, 0)

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if exists > 0 {
		keys = append(keys, key)
	}

	iter := s.rdb.Scan(ctx, 0, escapePattern(key+separator)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

func (s *RedisStore) subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	pubsub := s.rdb.Subscribe(ctx, channel)
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return pubsub, nil
}

func (s *RedisStore) publishEvent(ctx context.Context, channel string, ev interface{}) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, channel, payload).Err()
}

var patternEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapePattern(s string) string {
	return patternEscaper.Replace(s)
}
