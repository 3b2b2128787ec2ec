package chat

import (
	"context"

	"VeChat/logger"
	"VeChat/module/chat/model"
	"VeChat/service/metrics"
	"VeChat/tools/errs"
)

// BuildState 为单个参与者计算 stateSync，每次都从存储重新读取，不复用别人的视图
func (s *Synchronizer) BuildState(ctx context.Context, who model.Identity, typ model.SyncType, reason string, msg *model.Message) (*model.StateSyncPayload, error) {
	convs, err := s.store.ListConversations(ctx, who)
	if err != nil {
		return nil, err
	}

	peers := make([]model.Identity, 0, len(convs))
	lastIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		peers = append(peers, c.Peer(who))
		if c.LastMessageID != "" {
			lastIDs = append(lastIDs, c.LastMessageID)
		}
	}

	statuses, err := s.presence.Statuses(ctx, peers)
	if err != nil {
		// 在线状态只是装饰，取不到不影响未读数
		logger.Warnf("[stateSync] presence lookup for %s: %v", who.Key(), err)
		statuses = nil
	}
	last := make(map[string]*model.Message, len(lastIDs))
	if len(lastIDs) > 0 {
		msgs, err := s.store.GetMessages(ctx, lastIDs)
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			last[m.ID] = m
		}
	}

	contacts := make(map[model.Identity]model.Contact, len(peers))
	out := &model.StateSyncPayload{
		Type:          typ,
		Conversations: make([]model.ConversationView, 0, len(convs)),
		UnreadCounts:  make(map[string]int, len(convs)),
		Message:       msg,
		Reason:        reason,
		Timestamp:     s.clock(),
	}
	for _, c := range convs {
		peer := c.Peer(who)
		v := model.ConversationView{
			ID:            c.ID,
			Peer:          s.contact(ctx, peer, contacts),
			PeerStatus:    statuses[peer],
			UnreadCount:   c.UnreadFor(who),
			Archived:      c.ArchivedFor(who),
			Muted:         c.MutedFor(who),
			LastMessageAt: c.LastMessageAt,
		}
		if m := last[c.LastMessageID]; m != nil && m.VisibleTo(who) {
			v.LastMessage = m
		}
		out.Conversations = append(out.Conversations, v)
		out.UnreadCounts[c.ID] = v.UnreadCount
		out.TotalUnread += v.UnreadCount
	}
	metrics.StateSyncs.WithLabelValues(string(typ)).Inc()
	return out, nil
}

// contact 目录里查不到就只给身份，会话照常显示
func (s *Synchronizer) contact(ctx context.Context, id model.Identity, cache map[model.Identity]model.Contact) model.Contact {
	if c, ok := cache[id]; ok {
		return c
	}
	c := model.Contact{Identity: id}
	if found, err := s.dir.Lookup(ctx, id); err == nil {
		c = *found
	} else if !errs.IsNotFound(err) {
		logger.Warnf("[stateSync] directory lookup %s: %v", id.Key(), err)
	}
	cache[id] = c
	return c
}

// stateFor 把一份 stateSync 包成发往个人房间的 effect
func (s *Synchronizer) stateFor(ctx context.Context, who model.Identity, typ model.SyncType, reason string, msg *model.Message) (Effect, error) {
	st, err := s.BuildState(ctx, who, typ, reason, msg)
	if err != nil {
		return Effect{}, err
	}
	return ToIdentity(who, OutStateSync, st), nil
}

// syncParticipants 两个参与者各算各的
func (s *Synchronizer) syncParticipants(ctx context.Context, conv *model.Conversation, typ model.SyncType, reason string) ([]Effect, error) {
	out := make([]Effect, 0, 2)
	for _, who := range []model.Identity{conv.Participant1, conv.Participant2} {
		ef, err := s.stateFor(ctx, who, typ, reason, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, ef)
	}
	return out, nil
}
