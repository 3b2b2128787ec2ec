package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"VeChat/module/chat/model"
	"VeChat/module/chat/store"
	"VeChat/tools/errs"
)

// presence key: vechat:presence:<kind>:<id>
// Value: hash {status, last_seen, connected_at}；TTL 控制记录保留期，每次写入续期
func presenceKey(id model.Identity) string { return "vechat:presence:" + id.Key() }

const defaultPresenceTTL = 7 * 24 * time.Hour

type RedisPresenceStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisPresenceStore(rdb redis.UniversalClient, ttl time.Duration) *RedisPresenceStore {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RedisPresenceStore{rdb: rdb, ttl: ttl}
}

var _ store.PresenceStore = (*RedisPresenceStore)(nil)

// SavePresence 写 hash 并续期，两步放在同一个事务管道里
func (s *RedisPresenceStore) SavePresence(ctx context.Context, rec *model.PresenceRecord) error {
	if rec == nil {
		return nil
	}
	key := presenceKey(rec.Identity)
	fields := map[string]any{
		"status":    string(rec.Status),
		"last_seen": rec.LastSeen.UnixMilli(),
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if rec.ConnectedAt != nil {
		pipe.HSet(ctx, key, "connected_at", rec.ConnectedAt.UnixMilli())
	} else {
		pipe.HDel(ctx, key, "connected_at")
	}
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.ErrInternal.WrapMsg("save presence: "+err.Error(), "identity", rec.Identity.Key())
	}
	return nil
}

func (s *RedisPresenceStore) GetPresence(ctx context.Context, id model.Identity) (*model.PresenceRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, presenceKey(id)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return nil, errs.ErrNotFound.WrapMsg("presence not found", "identity", id.Key())
	}
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("load presence: "+err.Error(), "identity", id.Key())
	}
	return decodePresence(id, vals), nil
}

func (s *RedisPresenceStore) GetPresences(ctx context.Context, list []model.Identity) (map[model.Identity]*model.PresenceRecord, error) {
	out := make(map[model.Identity]*model.PresenceRecord, len(list))
	if len(list) == 0 {
		return out, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(list))
	for i, id := range list {
		cmds[i] = pipe.HGetAll(ctx, presenceKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errs.ErrInternal.WrapMsg("load presences: " + err.Error())
	}
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		out[list[i]] = decodePresence(list[i], vals)
	}
	return out, nil
}

func decodePresence(id model.Identity, vals map[string]string) *model.PresenceRecord {
	rec := &model.PresenceRecord{Identity: id, Status: model.PresenceStatus(vals["status"])}
	if rec.Status == "" {
		rec.Status = model.StatusOffline
	}
	if ms, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		rec.LastSeen = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(vals["connected_at"], 10, 64); err == nil {
		t := time.UnixMilli(ms)
		rec.ConnectedAt = &t
	}
	return rec
}
