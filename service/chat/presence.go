package chat

import (
	"context"
	"time"

	"VeChat/module/chat/model"
	"VeChat/module/chat/store"
	"VeChat/tools/errs"
)

// StatusPayload userOnlineStatus / userPresence / onlineUsers 的条目
type StatusPayload struct {
	ID          string               `json:"id"`
	Kind        model.Kind           `json:"kind"`
	IsOnline    bool                 `json:"isOnline"`
	Status      model.PresenceStatus `json:"status"`
	LastSeen    time.Time            `json:"lastSeen"`
	Connections int                  `json:"connections,omitempty"`
}

type OnlineUsersPayload struct {
	Users []StatusPayload `json:"users"`
}

// PresenceTracker 连接边沿驱动隐式 online/offline，显式状态只在连接存在时生效。
// 同一身份的边沿写入按 identity 串行，并在锁内以连接表的当前计数为准
type PresenceTracker struct {
	registry *Registry
	store    store.PresenceStore
	prefs    *Preferences
	edges    *stripedMutex
	clock    func() time.Time
}

func NewPresenceTracker(registry *Registry, ps store.PresenceStore, clock func() time.Time) *PresenceTracker {
	if clock == nil {
		clock = time.Now
	}
	return &PresenceTracker{registry: registry, store: ps, edges: newStripedMutex(), clock: clock}
}

// Connected 0→1 边沿：状态重置为 online 并广播；多端中的后续连接不广播。
// 边沿处理前连接已全部断开则跳过，离线由断开的一方写
func (p *PresenceTracker) Connected(ctx context.Context, id model.Identity, cameOnline bool) ([]Effect, error) {
	if !cameOnline {
		return nil, nil
	}
	unlock := p.edges.lock(id.Key())
	defer unlock()
	if p.registry.Count(id) == 0 {
		return nil, nil
	}
	now := p.clock()
	rec := &model.PresenceRecord{Identity: id, Status: model.StatusOnline, LastSeen: now, ConnectedAt: &now}
	if err := p.store.SavePresence(ctx, rec); err != nil {
		return nil, err
	}
	return p.broadcast(ctx, rec), nil
}

// Disconnected 1→0 边沿：记 lastSeen 并广播离线。
// 期间已有新连接进来则跳过，在线由新连接的边沿写
func (p *PresenceTracker) Disconnected(ctx context.Context, id model.Identity, wentOffline bool) ([]Effect, error) {
	if !wentOffline {
		return nil, nil
	}
	unlock := p.edges.lock(id.Key())
	defer unlock()
	if p.registry.Count(id) > 0 {
		return nil, nil
	}
	rec := &model.PresenceRecord{Identity: id, Status: model.StatusOffline, LastSeen: p.clock()}
	if err := p.store.SavePresence(ctx, rec); err != nil {
		return nil, err
	}
	return p.broadcast(ctx, rec), nil
}

// Republish 隐身开关变化后重新广播当前状态
func (p *PresenceTracker) Republish(ctx context.Context, id model.Identity) ([]Effect, error) {
	rec, err := p.store.GetPresence(ctx, id)
	if errs.IsNotFound(err) {
		rec = &model.PresenceRecord{Identity: id, Status: model.StatusOffline, LastSeen: p.clock()}
	} else if err != nil {
		return nil, err
	}
	return p.broadcast(ctx, rec), nil
}

// Update 显式状态；connectedAt 沿用已有记录
func (p *PresenceTracker) Update(ctx context.Context, id model.Identity, status model.PresenceStatus) ([]Effect, error) {
	rec := &model.PresenceRecord{Identity: id, Status: status, LastSeen: p.clock()}
	if prev, err := p.store.GetPresence(ctx, id); err == nil {
		rec.ConnectedAt = prev.ConnectedAt
	} else if !errs.IsNotFound(err) {
		return nil, err
	}
	if err := p.store.SavePresence(ctx, rec); err != nil {
		return nil, err
	}
	return p.broadcast(ctx, rec), nil
}

// broadcast 发到本类别的 presence 房间；员工的状态同时发给客户，反向不发
func (p *PresenceTracker) broadcast(ctx context.Context, rec *model.PresenceRecord) []Effect {
	payload := p.payload(ctx, rec)
	out := []Effect{ToRoom(PresenceRoom(rec.Identity.Kind), OutUserOnlineStatus, payload)}
	if rec.Identity.Kind == model.KindPersonnel {
		out = append(out, ToRoom(PresenceRoom(model.KindClient), OutUserOnlineStatus, payload))
	}
	return out
}

// payload 关闭了在线状态的身份对外一律显示离线
func (p *PresenceTracker) payload(ctx context.Context, rec *model.PresenceRecord) StatusPayload {
	if !p.prefs.ShowsOnline(ctx, rec.Identity) {
		return StatusPayload{ID: rec.Identity.ID, Kind: rec.Identity.Kind, Status: model.StatusOffline}
	}
	return StatusPayload{
		ID:          rec.Identity.ID,
		Kind:        rec.Identity.Kind,
		IsOnline:    rec.Online(),
		Status:      rec.Status,
		LastSeen:    rec.LastSeen,
		Connections: p.registry.Count(rec.Identity),
	}
}

// Visible 与广播方向一致：同类别可见，客户还能看到员工
func Visible(viewer, subject model.Kind) bool {
	return viewer == subject || (viewer == model.KindClient && subject == model.KindPersonnel)
}

// OnlineUsers 本实例在线且对 viewer 可见的身份，不含自己
func (p *PresenceTracker) OnlineUsers(ctx context.Context, viewer model.Identity) ([]StatusPayload, error) {
	var ids []model.Identity
	for _, id := range p.registry.OnlineIdentities() {
		if id != viewer && Visible(viewer.Kind, id.Kind) && p.prefs.ShowsOnline(ctx, id) {
			ids = append(ids, id)
		}
	}
	recs, err := p.store.GetPresences(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]StatusPayload, 0, len(ids))
	for _, id := range ids {
		rec := recs[id]
		if rec == nil {
			rec = &model.PresenceRecord{Identity: id, Status: model.StatusOnline, LastSeen: p.clock()}
		}
		out = append(out, p.payload(ctx, rec))
	}
	return out, nil
}

// Lookup 没有记录的身份视为从未上线
func (p *PresenceTracker) Lookup(ctx context.Context, id model.Identity) (StatusPayload, error) {
	rec, err := p.store.GetPresence(ctx, id)
	if errs.IsNotFound(err) {
		rec = &model.PresenceRecord{Identity: id, Status: model.StatusOffline}
	} else if err != nil {
		return StatusPayload{}, err
	}
	return p.payload(ctx, rec), nil
}

// Statuses 批量查询，给会话列表和 REST 用
func (p *PresenceTracker) Statuses(ctx context.Context, ids []model.Identity) (map[model.Identity]model.PresenceStatus, error) {
	recs, err := p.store.GetPresences(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Identity]model.PresenceStatus, len(ids))
	for _, id := range ids {
		if rec := recs[id]; rec != nil && p.prefs.ShowsOnline(ctx, id) {
			out[id] = rec.Status
		} else {
			out[id] = model.StatusOffline
		}
	}
	return out, nil
}
