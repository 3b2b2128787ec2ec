package chat

import (
	"context"
	"strings"

	"VeChat/module/chat/directory"
	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

// 以下是 REST 入口用到的操作。写路径与 WS 入口共用同一组按参与者对划分的锁，
// 两个入口对同一会话的写入与投递因此是串行的

// ContactEntry 联系人列表的条目，带上调用方可见的在线状态
type ContactEntry struct {
	model.Contact
	IsOnline bool                 `json:"isOnline"`
	Status   model.PresenceStatus `json:"status"`
}

const maxContacts = 200

// locked key 为空时不加锁；fn 成功才投递 effects
func (h *Hub) locked(ctx context.Context, key string, fn func() ([]Effect, error)) error {
	if key != "" {
		unlock := h.disp.order.lock(key)
		defer unlock()
	}
	effects, err := fn()
	if err != nil {
		return err
	}
	h.emitter.Emit(ctx, effects...)
	return nil
}

// conversationKey 会话不存在时返回空，由后续调用报 NotFound
func (h *Hub) conversationKey(ctx context.Context, convID string) string {
	if convID == "" {
		return ""
	}
	conv, err := h.sync.store.GetConversation(ctx, convID)
	if err != nil {
		return ""
	}
	return conv.Pair().Key()
}

func (h *Hub) messageKey(ctx context.Context, msgID string) string {
	if msgID == "" {
		return ""
	}
	msg, err := h.sync.store.GetMessage(ctx, msgID)
	if err != nil {
		return ""
	}
	return model.NewPair(msg.Sender, msg.Receiver).Key()
}

func pairKey(from model.Identity, receiverID, receiverKind string) string {
	kind, err := model.ParseKind(receiverKind)
	id := strings.TrimSpace(receiverID)
	if err != nil || id == "" {
		return ""
	}
	return model.NewPair(from, model.NewIdentity(id, kind)).Key()
}

func (h *Hub) SendMessage(ctx context.Context, sender model.Principal, req SendRequest) (msg *model.Message, err error) {
	err = h.locked(ctx, pairKey(sender.Identity, req.ReceiverID, req.ReceiverKind), func() ([]Effect, error) {
		var effects []Effect
		msg, effects, err = h.delivery.Send(ctx, sender, req)
		return effects, err
	})
	return msg, err
}

func (h *Hub) EditMessage(ctx context.Context, actor model.Identity, req EditRequest) (msg *model.Message, err error) {
	err = h.locked(ctx, h.messageKey(ctx, req.MessageID), func() ([]Effect, error) {
		var effects []Effect
		msg, effects, err = h.delivery.Edit(ctx, actor, req)
		return effects, err
	})
	return msg, err
}

func (h *Hub) DeleteMessage(ctx context.Context, actor model.Identity, req DeleteRequest) error {
	return h.locked(ctx, h.messageKey(ctx, req.MessageID), func() ([]Effect, error) {
		return h.delivery.Delete(ctx, actor, req)
	})
}

// MarkRead 只锁第一条消息所在的会话；REST 客户端一次只提交一个会话的消息
func (h *Hub) MarkRead(ctx context.Context, reader model.Identity, ids []string) (res *ReadResult, err error) {
	key := ""
	if len(ids) > 0 {
		key = h.messageKey(ctx, ids[0])
	}
	err = h.locked(ctx, key, func() ([]Effect, error) {
		var effects []Effect
		res, effects, err = h.sync.MarkAsRead(ctx, reader, ids, model.ReasonMessagesRead)
		return effects, err
	})
	return res, err
}

// OpenConversation 创建或取回与 peer 的会话
func (h *Hub) OpenConversation(ctx context.Context, who, peer model.Identity) (conv *model.Conversation, created bool, err error) {
	key := ""
	if peer.Valid() {
		key = model.NewPair(who, peer).Key()
	}
	err = h.locked(ctx, key, func() ([]Effect, error) {
		var effects []Effect
		conv, created, effects, err = h.sync.OpenConversation(ctx, who, peer)
		return effects, err
	})
	return conv, created, err
}

func (h *Hub) ResetUnread(ctx context.Context, who model.Identity, convID string) (res *ReadResult, err error) {
	err = h.locked(ctx, h.conversationKey(ctx, convID), func() ([]Effect, error) {
		var effects []Effect
		res, effects, err = h.sync.ResetUnread(ctx, who, convID)
		return effects, err
	})
	return res, err
}

func (h *Hub) ClearConversation(ctx context.Context, who model.Identity, convID string) (removed int, err error) {
	err = h.locked(ctx, h.conversationKey(ctx, convID), func() ([]Effect, error) {
		var effects []Effect
		removed, effects, err = h.delivery.ClearConversation(ctx, who, convID)
		return effects, err
	})
	return removed, err
}

func (h *Hub) DeleteConversation(ctx context.Context, who model.Identity, convID string) error {
	return h.locked(ctx, h.conversationKey(ctx, convID), func() ([]Effect, error) {
		effects, err := h.delivery.DeleteConversation(ctx, who, convID)
		if err != nil {
			return nil, err
		}
		// 已经打开了该会话的连接不再收到它的房间消息
		for _, c := range h.rooms.Members(ConversationRoom(convID)) {
			h.rooms.Leave(ConversationRoom(convID), c.ID())
		}
		return effects, nil
	})
}

func (h *Hub) Settings(ctx context.Context, id model.Identity) (*model.UserSettings, error) {
	return h.prefs.Get(ctx, id)
}

// UpdateSettings 回推给自己的所有连接；在线状态开关变化时重新广播 presence
func (h *Hub) UpdateSettings(ctx context.Context, id model.Identity, patch model.SettingsPatch) (*model.UserSettings, error) {
	st, presenceChanged, err := h.prefs.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	effects := []Effect{ToIdentity(id, OutSettingsUpdated, st)}
	if presenceChanged {
		ef, err := h.presence.Republish(ctx, id)
		if err != nil {
			return nil, err
		}
		effects = append(effects, ef...)
	}
	h.emitter.Emit(ctx, effects...)
	return st, nil
}

// ContactKinds 管理员可以看到所有人，其他员工只看员工，客户只看员工
func ContactKinds(viewer model.Principal) []model.Kind {
	if viewer.IsAdmin() {
		return []model.Kind{model.KindPersonnel, model.KindClient}
	}
	return []model.Kind{model.KindPersonnel}
}

// Contacts kind 为空时列出所有可见类别，不包含调用方自己
func (h *Hub) Contacts(ctx context.Context, viewer model.Principal, kind model.Kind, query string, limit int) ([]ContactEntry, error) {
	lister, ok := h.dir.(directory.Lister)
	if !ok {
		return nil, errs.ErrInternal.WrapMsg("directory cannot list contacts")
	}
	if limit <= 0 || limit > maxContacts {
		limit = maxContacts
	}
	kinds := ContactKinds(viewer)
	if kind != "" {
		allowed := false
		for _, k := range kinds {
			allowed = allowed || k == kind
		}
		if !allowed {
			return nil, errs.ErrForbidden.WrapMsg("contacts of this kind are not visible", "kind", kind)
		}
		kinds = []model.Kind{kind}
	}

	var list []model.Contact
	for _, k := range kinds {
		part, err := lister.Contacts(ctx, k, query, limit+1)
		if err != nil {
			return nil, err
		}
		for _, c := range part {
			if c.Identity != viewer.Identity {
				list = append(list, c)
			}
		}
	}
	if len(list) > limit {
		list = list[:limit]
	}

	ids := make([]model.Identity, len(list))
	for i, c := range list {
		ids[i] = c.Identity
	}
	statuses, err := h.presence.Statuses(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]ContactEntry, len(list))
	for i, c := range list {
		st, ok := statuses[c.Identity]
		if !ok {
			st = model.StatusOffline
		}
		out[i] = ContactEntry{Contact: c, IsOnline: st != model.StatusOffline, Status: st}
	}
	return out, nil
}
