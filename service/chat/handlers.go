package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"VeChat/module/chat/model"
	"VeChat/tools/decode"
	"VeChat/tools/errs"
)

type ConversationRequest struct {
	ID string `json:"id"`
}

type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type TypingRequest struct {
	ReceiverID   string `json:"receiverId"`
	ReceiverKind string `json:"receiverKind"`
	IsTyping     bool   `json:"isTyping"`
}

type TypingPayload struct {
	ID          string     `json:"id"`
	Kind        model.Kind `json:"kind"`
	DisplayName string     `json:"displayName,omitempty"`
	IsTyping    bool       `json:"isTyping"`
}

type PresenceRequest struct {
	Status string `json:"status"`
}

type StateSyncRequest struct {
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason"`
}

type UserPresenceRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type FlagRequest struct {
	ID       string `json:"id"`
	Archived bool   `json:"archived"`
	Muted    bool   `json:"muted"`
}

type ClearedRequest struct {
	ConversationID string `json:"conversationId"`
}

// ClearedPayload Removed 只在真正清空存储时非零
type ClearedPayload struct {
	ConversationID string         `json:"conversationId"`
	ClearedBy      model.Identity `json:"clearedBy"`
	Removed        int            `json:"removed,omitempty"`
}

type JoinedPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	UpdatedCount   int      `json:"updatedCount"`
}

type AdminStatsPayload struct {
	Connections   int   `json:"connections"`
	Identities    int   `json:"identities"`
	UptimeSeconds int64 `json:"uptimeSeconds"`
}

type BroadcastRequest struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

type BroadcastPayload struct {
	Message   string         `json:"message"`
	Level     string         `json:"level"`
	From      model.Identity `json:"from"`
	Timestamp time.Time      `json:"timestamp"`
}

type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// handlers 入站事件到各组件的映射
type handlers struct {
	h *Hub
}

func (hs handlers) all() []Handler {
	return []Handler{
		{Event: EvSendMessage, Fn: hs.sendMessage, OrderKey: sendOrderKey},
		{Event: EvEditMessage, Fn: hs.editMessage, OrderKey: hs.messageOrderKey},
		{Event: EvDeleteMessage, Fn: hs.deleteMessage, OrderKey: hs.messageOrderKey},
		{Event: EvMarkMessagesRead, Fn: hs.markMessagesRead, OrderKey: hs.markReadOrderKey},
		{Event: EvJoinConversation, Fn: hs.joinConversation, OrderKey: hs.joinOrderKey},
		{Event: EvLeaveConversation, Fn: hs.leaveConversation},
		{Event: EvTyping, Fn: hs.typing},
		{Event: EvUpdatePresence, Fn: hs.updatePresence},
		{Event: EvRequestStateSync, Fn: hs.requestStateSync},
		{Event: EvGetOnlineUsers, Fn: hs.getOnlineUsers},
		{Event: EvGetUserPresence, Fn: hs.getUserPresence},
		{Event: EvArchiveConversation, Fn: hs.archiveConversation},
		{Event: EvMuteConversation, Fn: hs.muteConversation},
		{Event: EvConversationCleared, Fn: hs.conversationCleared},
		{Event: EvAdminGetStats, Fn: hs.adminGetStats},
		{Event: EvAdminBroadcast, Fn: hs.adminBroadcast},
		{Event: EvPing, Fn: hs.ping},
	}
}

// sendOrderKey 同一对参与者共用一把锁，解析失败交给处理器报错
func sendOrderKey(_ context.Context, c Conn, data json.RawMessage) string {
	m, err := decode.ToMap(data)
	if err != nil {
		return ""
	}
	id, _ := decode.ReadString(m, "receiverId")
	k, _ := decode.ReadString(m, "receiverKind")
	return pairKey(c.Principal().Identity, id, k)
}

// messageOrderKey edit / delete 按消息所在的参与者对加锁
func (hs handlers) messageOrderKey(ctx context.Context, _ Conn, data json.RawMessage) string {
	m, err := decode.ToMap(data)
	if err != nil {
		return ""
	}
	id, _ := decode.ReadString(m, "messageId")
	return hs.h.messageKey(ctx, id)
}

// markReadOrderKey 已读与同一会话的发送互斥，否则重算可能与发送交错
func (hs handlers) markReadOrderKey(ctx context.Context, _ Conn, data json.RawMessage) string {
	req, err := bind[MarkReadRequest](data)
	if err != nil || len(req.MessageIDs) == 0 {
		return ""
	}
	return hs.h.messageKey(ctx, req.MessageIDs[0])
}

func (hs handlers) joinOrderKey(ctx context.Context, _ Conn, data json.RawMessage) string {
	req, err := bind[ConversationRequest](data)
	if err != nil {
		return ""
	}
	return hs.h.conversationKey(ctx, req.ID)
}

func (hs handlers) sendMessage(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[SendRequest](data)
	if err != nil {
		return nil, err
	}
	_, effects, err := hs.h.delivery.Send(ctx, c.Principal(), *req)
	return effects, err
}

func (hs handlers) editMessage(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[EditRequest](data)
	if err != nil {
		return nil, err
	}
	_, effects, err := hs.h.delivery.Edit(ctx, c.Principal().Identity, *req)
	return effects, err
}

func (hs handlers) deleteMessage(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[DeleteRequest](data)
	if err != nil {
		return nil, err
	}
	return hs.h.delivery.Delete(ctx, c.Principal().Identity, *req)
}

func (hs handlers) markMessagesRead(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[MarkReadRequest](data)
	if err != nil {
		return nil, err
	}
	res, effects, err := hs.h.sync.MarkAsRead(ctx, c.Principal().Identity, req.MessageIDs, model.ReasonMessagesRead)
	if err != nil {
		return nil, err
	}
	return append(effects, ToConn(c.ID(), OutMessagesMarkedAsRead, res)), nil
}

// joinConversation 打开会话：先确认参与关系，入房间，再自动已读
func (hs handlers) joinConversation(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[ConversationRequest](data)
	if err != nil {
		return nil, err
	}
	who := c.Principal().Identity
	if _, err := hs.h.sync.participantConversation(ctx, who, req.ID); err != nil {
		return nil, err
	}
	hs.h.rooms.Join(ConversationRoom(req.ID), c)
	res, effects, err := hs.h.sync.OnJoinConversationRoom(ctx, who, req.ID)
	if err != nil {
		return nil, err
	}
	joined := JoinedPayload{ConversationID: req.ID, MessageIDs: res.MessageIDs, UpdatedCount: res.UpdatedCount}
	return append(effects, ToConn(c.ID(), OutConversationJoined, joined)), nil
}

func (hs handlers) leaveConversation(_ context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[ConversationRequest](data)
	if err != nil {
		return nil, err
	}
	hs.h.rooms.Leave(ConversationRoom(req.ID), c.ID())
	return nil, nil
}

// typing 不落库，直接发到接收方个人房间
func (hs handlers) typing(_ context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[TypingRequest](data)
	if err != nil {
		return nil, err
	}
	kind, err := model.ParseKind(req.ReceiverKind)
	if err != nil {
		return nil, err
	}
	to := model.NewIdentity(req.ReceiverID, kind)
	p := c.Principal()
	if !to.Valid() || to == p.Identity {
		return nil, errs.ErrArgs.WrapMsg("invalid typing receiver")
	}
	return []Effect{ToIdentity(to, OutUserTyping, TypingPayload{
		ID:          p.ID,
		Kind:        p.Kind,
		DisplayName: p.DisplayName,
		IsTyping:    req.IsTyping,
	})}, nil
}

func (hs handlers) updatePresence(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[PresenceRequest](data)
	if err != nil {
		return nil, err
	}
	st, err := model.ParsePresenceStatus(req.Status)
	if err != nil {
		return nil, err
	}
	return hs.h.presence.Update(ctx, c.Principal().Identity, st)
}

func (hs handlers) requestStateSync(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[StateSyncRequest](data)
	if err != nil {
		return nil, err
	}
	return hs.h.sync.RequestStateSync(ctx, c.Principal().Identity, req.ConversationID, req.Reason)
}

func (hs handlers) getOnlineUsers(ctx context.Context, c Conn, _ json.RawMessage) ([]Effect, error) {
	users, err := hs.h.presence.OnlineUsers(ctx, c.Principal().Identity)
	if err != nil {
		return nil, err
	}
	return []Effect{ToConn(c.ID(), OutOnlineUsers, OnlineUsersPayload{Users: users})}, nil
}

func (hs handlers) getUserPresence(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[UserPresenceRequest](data)
	if err != nil {
		return nil, err
	}
	kind, err := model.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	id := model.NewIdentity(req.ID, kind)
	if !id.Valid() {
		return nil, errs.ErrArgs.WrapMsg("id is required")
	}
	st, err := hs.h.presence.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return []Effect{ToConn(c.ID(), OutUserPresence, st)}, nil
}

func (hs handlers) archiveConversation(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[FlagRequest](data)
	if err != nil {
		return nil, err
	}
	_, effects, err := hs.h.sync.SetFlag(ctx, c.Principal().Identity, req.ID, model.FlagArchived, req.Archived)
	return effects, err
}

func (hs handlers) muteConversation(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[FlagRequest](data)
	if err != nil {
		return nil, err
	}
	_, effects, err := hs.h.sync.SetFlag(ctx, c.Principal().Identity, req.ID, model.FlagMuted, req.Muted)
	return effects, err
}

// conversationCleared 只是给打开了该会话的连接回显，不改存储
func (hs handlers) conversationCleared(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	req, err := bind[ClearedRequest](data)
	if err != nil {
		return nil, err
	}
	who := c.Principal().Identity
	if _, err := hs.h.sync.participantConversation(ctx, who, req.ConversationID); err != nil {
		return nil, err
	}
	return []Effect{ToRoom(ConversationRoom(req.ConversationID), OutConversationCleared,
		ClearedPayload{ConversationID: req.ConversationID, ClearedBy: who})}, nil
}

func (hs handlers) adminGetStats(_ context.Context, c Conn, _ json.RawMessage) ([]Effect, error) {
	if !c.Principal().IsAdmin() {
		return nil, errs.ErrForbidden.WrapMsg("admin only")
	}
	st := hs.h.registry.Stats()
	return []Effect{ToConn(c.ID(), OutAdminStats, AdminStatsPayload{
		Connections:   st.Connections,
		Identities:    st.Identities,
		UptimeSeconds: int64(hs.h.clock().Sub(hs.h.started).Seconds()),
	})}, nil
}

func (hs handlers) adminBroadcast(_ context.Context, c Conn, data json.RawMessage) ([]Effect, error) {
	p := c.Principal()
	if !p.IsAdmin() {
		return nil, errs.ErrForbidden.WrapMsg("admin only")
	}
	req, err := bind[BroadcastRequest](data)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errs.ErrArgs.WrapMsg("message is empty")
	}
	if req.Level == "" {
		req.Level = "info"
	}
	out := BroadcastPayload{Message: req.Message, Level: req.Level, From: p.Identity, Timestamp: hs.h.clock()}
	return []Effect{
		ToRoom(PresenceRoom(model.KindPersonnel), OutAdminBroadcast, out),
		ToRoom(PresenceRoom(model.KindClient), OutAdminBroadcast, out),
	}, nil
}

func (hs handlers) ping(_ context.Context, c Conn, _ json.RawMessage) ([]Effect, error) {
	return []Effect{ToConn(c.ID(), OutPong, PongPayload{Timestamp: hs.h.clock()})}, nil
}
