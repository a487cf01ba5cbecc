package signaling

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, rdb
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		_, rdb := newTestRedis(t)
		return NewRedisStore(rdb, "")
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "test")
	ctx := context.Background()

	require.Nil(t, store.Publish(ctx, "answers/s1/v1", map[string]string{"type": "answer"}))

	assert.True(t, mr.Exists("test:val:answers/s1/v1"))
	members, err := mr.ZMembers("test:kids:answers/s1")
	require.Nil(t, err)
	assert.Equal(t, []string{"v1"}, members)
	members, err = mr.ZMembers("test:kids:answers")
	require.Nil(t, err)
	assert.Equal(t, []string{"s1"}, members)

	require.Nil(t, store.DeleteSubtree(ctx, "answers/s1"))
	assert.False(t, mr.Exists("test:val:answers/s1/v1"))
	assert.False(t, mr.Exists("test:kids:answers/s1"))
	assert.False(t, mr.Exists("test:kids:answers"))
}

func TestRedisStore_PublishFailsWhenRedisIsDown(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisStore(rdb, "")
	mr.Close()

	err := store.Publish(context.Background(), "offers/s1", map[string]string{})
	assert.NotNil(t, err)
}

func TestEscapePattern(t *testing.T) {
	assert.Equal(t, `sig:val:a\*b\?\[c\]/`, escapePattern(`sig:val:a*b?[c]/`))
}
