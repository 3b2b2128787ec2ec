package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

func TestDecodePresence(t *testing.T) {
	id := model.NewIdentity("1", model.KindPersonnel)
	rec := decodePresence(id, map[string]string{"last_seen": "1709283600000"})
	assert.Equal(t, model.StatusOffline, rec.Status)
	assert.Equal(t, int64(1709283600000), rec.LastSeen.UnixMilli())
	assert.Nil(t, rec.ConnectedAt)

	rec = decodePresence(id, map[string]string{"status": "busy", "connected_at": "1709283600000"})
	assert.Equal(t, model.StatusBusy, rec.Status)
	require.NotNil(t, rec.ConnectedAt)
}

func TestRedisPresenceStore(t *testing.T) {
	addr := os.Getenv("VECHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VECHAT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	s := NewRedisPresenceStore(rdb, time.Minute)

	a := model.NewIdentity("presence-a", model.KindPersonnel)
	b := model.NewIdentity("presence-b", model.KindClient)
	t.Cleanup(func() { rdb.Del(ctx, presenceKey(a), presenceKey(b)) })

	_, err := s.GetPresence(ctx, a)
	assert.True(t, errs.IsNotFound(err))

	now := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, s.SavePresence(ctx, &model.PresenceRecord{Identity: a, Status: model.StatusOnline, LastSeen: now, ConnectedAt: &now}))
	got, err := s.GetPresence(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, got.Status)
	assert.True(t, got.LastSeen.Equal(now))
	require.NotNil(t, got.ConnectedAt)

	// 离线时清掉 connected_at
	require.NoError(t, s.SavePresence(ctx, &model.PresenceRecord{Identity: a, Status: model.StatusOffline, LastSeen: now}))
	got, err = s.GetPresence(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, got.ConnectedAt)

	ttl, err := rdb.TTL(ctx, presenceKey(a)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	all, err := s.GetPresences(ctx, []model.Identity{a, b})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, model.StatusOffline, all[a].Status)
}
