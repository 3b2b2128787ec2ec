package chat

import (
	"context"
	"time"

	"VeChat/module/chat/directory"
	"VeChat/module/chat/model"
	"VeChat/module/chat/store"
	"VeChat/service/metrics"
	"VeChat/tools/errs"
)

// ReadResult 回给发起标记的那条连接
type ReadResult struct {
	MessageIDs   []string `json:"messageIds"`
	UpdatedCount int      `json:"updatedCount"`
}

// ReadReceiptPayload 告诉发送方哪些消息被读了
type ReadReceiptPayload struct {
	ConversationID string         `json:"conversationId"`
	MessageIDs     []string       `json:"messageIds"`
	ReadBy         model.Identity `json:"readBy"`
	ReadAt         time.Time      `json:"readAt"`
}

// Synchronizer 已读状态与未读计数。计数以重算为准，发送时的自增只是快路径
type Synchronizer struct {
	store    store.Store
	dir      directory.Directory
	presence *PresenceTracker
	prefs    *Preferences
	events   EventLog
	clock    func() time.Time
}

func NewSynchronizer(st store.Store, dir directory.Directory, presence *PresenceTracker, events EventLog, clock func() time.Time) *Synchronizer {
	if clock == nil {
		clock = time.Now
	}
	if events == nil {
		events = NopEventLog{}
	}
	return &Synchronizer{store: st, dir: dir, presence: presence, events: events, clock: clock}
}

// MarkAsRead 只处理 reader 是接收方的消息，其余 id 静默忽略；重复标记不产生写入。
// 计数有变化的会话才给双方推 CONVERSATION_UPDATE；reader 关闭已读回执时对方收不到回执
func (s *Synchronizer) MarkAsRead(ctx context.Context, reader model.Identity, ids []string, reason string) (*ReadResult, []Effect, error) {
	res := &ReadResult{MessageIDs: []string{}}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return res, nil, nil
	}
	now := s.clock()
	touched, updated, err := s.store.MarkRead(ctx, reader, ids, now)
	if err != nil {
		return nil, nil, err
	}
	res.UpdatedCount = updated
	metrics.MessagesRead.Add(float64(updated))

	var order []string
	byConv := make(map[string][]*model.Message)
	for _, m := range touched {
		res.MessageIDs = append(res.MessageIDs, m.ID)
		if _, seen := byConv[m.ConversationID]; !seen {
			order = append(order, m.ConversationID)
		}
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m)
	}

	var effects []Effect
	receipts := s.prefs.SendsReceipts(ctx, reader)
	for _, convID := range order {
		conv, changed, err := s.store.RecomputeUnread(ctx, convID)
		if errs.IsNotFound(err) {
			// 会话在两步之间被删
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !changed {
			metrics.UnreadRecomputes.WithLabelValues("unchanged").Inc()
			continue
		}
		metrics.UnreadRecomputes.WithLabelValues("changed").Inc()

		eff, err := s.syncParticipants(ctx, conv, model.SyncConversationUpdate, reason)
		if err != nil {
			return nil, nil, err
		}
		effects = append(effects, eff...)

		msgs := byConv[convID]
		receipt := ReadReceiptPayload{ConversationID: convID, ReadBy: reader, ReadAt: now}
		for _, m := range msgs {
			receipt.MessageIDs = append(receipt.MessageIDs, m.ID)
		}
		if receipts {
			effects = append(effects, ToIdentity(conv.Peer(reader), OutMessagesReadReceipt, receipt))
		}
		s.events.Record(ctx, convID, EventMessagesRead, receipt)
	}
	return res, effects, nil
}

// OnJoinConversationRoom 打开会话即视为已读全部未读消息
func (s *Synchronizer) OnJoinConversationRoom(ctx context.Context, who model.Identity, convID string) (*ReadResult, []Effect, error) {
	return s.readAll(ctx, who, convID, model.ReasonConversationViewed)
}

// ResetUnread 清零自己一侧：对方发来的未读全部置为已读，计数随重算归零
func (s *Synchronizer) ResetUnread(ctx context.Context, who model.Identity, convID string) (*ReadResult, []Effect, error) {
	conv, err := s.participantConversation(ctx, who, convID)
	if err != nil {
		return nil, nil, err
	}
	res, effects, err := s.readAll(ctx, who, convID, model.ReasonUnreadReset)
	if err != nil {
		return nil, nil, err
	}
	if res.UpdatedCount > 0 {
		return res, effects, nil
	}
	// 没有可标记的消息但计数可能漂移，重算一次
	conv, changed, err := s.store.RecomputeUnread(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	if !changed {
		return res, effects, nil
	}
	syncs, err := s.syncParticipants(ctx, conv, model.SyncConversationUpdate, model.ReasonUnreadReset)
	if err != nil {
		return nil, nil, err
	}
	return res, append(effects, syncs...), nil
}

// OpenConversation 找到或创建与 peer 的会话，新建时给双方推 CONVERSATION_UPDATE
func (s *Synchronizer) OpenConversation(ctx context.Context, who model.Identity, peer model.Identity) (*model.Conversation, bool, []Effect, error) {
	if !peer.Valid() {
		return nil, false, nil, errs.ErrArgs.WrapMsg("participant id is required")
	}
	if peer == who {
		return nil, false, nil, errs.ErrArgs.WrapMsg("cannot open a conversation with yourself")
	}
	if _, err := s.dir.Lookup(ctx, peer); err != nil {
		if errs.IsNotFound(err) {
			return nil, false, nil, errs.ErrNotFound.WrapMsg("participant not found", "participant", peer.Key())
		}
		return nil, false, nil, err
	}
	conv, created, err := s.store.EnsureConversation(ctx, model.NewPair(who, peer))
	if err != nil || !created {
		return conv, created, nil, err
	}
	effects, err := s.syncParticipants(ctx, conv, model.SyncConversationUpdate, model.ReasonConversationOpened)
	if err != nil {
		return nil, false, nil, err
	}
	return conv, true, effects, nil
}

func (s *Synchronizer) readAll(ctx context.Context, who model.Identity, convID, reason string) (*ReadResult, []Effect, error) {
	unread, err := s.store.UnreadFor(ctx, convID, who)
	if err != nil {
		return nil, nil, err
	}
	if len(unread) == 0 {
		return &ReadResult{MessageIDs: []string{}}, nil, nil
	}
	ids := make([]string, len(unread))
	for i, m := range unread {
		ids[i] = m.ID
	}
	return s.MarkAsRead(ctx, who, ids, reason)
}

// RequestStateSync 带会话 id 时推给双方，否则给调用者一份 FULL_SYNC
func (s *Synchronizer) RequestStateSync(ctx context.Context, who model.Identity, convID, reason string) ([]Effect, error) {
	if convID == "" {
		ef, err := s.stateFor(ctx, who, model.SyncFull, reason, nil)
		if err != nil {
			return nil, err
		}
		return []Effect{ef}, nil
	}
	conv, err := s.participantConversation(ctx, who, convID)
	if err != nil {
		return nil, err
	}
	return s.syncParticipants(ctx, conv, model.SyncConversationUpdate, reason)
}

// SetFlag 归档 / 免打扰只影响调用者自己的视图
func (s *Synchronizer) SetFlag(ctx context.Context, who model.Identity, convID string, flag model.ConversationFlag, v bool) (*model.Conversation, []Effect, error) {
	conv, err := s.store.SetFlag(ctx, convID, who, flag, v)
	if err != nil {
		return nil, nil, err
	}
	ef, err := s.stateFor(ctx, who, model.SyncConversationUpdate, model.ReasonSettingsChanged, nil)
	if err != nil {
		return nil, nil, err
	}
	return conv, []Effect{ef}, nil
}

// participantConversation 不存在 NotFound，不是参与者 Forbidden
func (s *Synchronizer) participantConversation(ctx context.Context, who model.Identity, convID string) (*model.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.Has(who) {
		return nil, errs.ErrForbidden.WrapMsg("not a participant", "conversation", convID)
	}
	return conv, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
