package chat

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"VeChat/logger"
	"VeChat/module/chat/directory"
	"VeChat/module/chat/model"
	"VeChat/module/chat/store"
	"VeChat/service/metrics"
	"VeChat/tools/errs"
	"VeChat/tools/ids"
)

// MaxContentLength 单条消息内容上限（字符数）
const MaxContentLength = 10000

type SendRequest struct {
	ReceiverID   string `json:"receiverId"`
	ReceiverKind string `json:"receiverKind"`
	Content      string `json:"content"`
	Type         string `json:"type"`
	ReplyToID    string `json:"replyToId"`
}

type EditRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type DeleteRequest struct {
	MessageID string `json:"messageId"`
}

// NewMessagePayload newMessage 带上双方的展示信息
type NewMessagePayload struct {
	Message  *model.Message `json:"message"`
	Sender   model.Contact  `json:"sender"`
	Receiver model.Contact  `json:"receiver"`
}

type MessageUpdatedPayload struct {
	Message *model.Message `json:"message"`
}

type ConversationDeletedPayload struct {
	ConversationID string         `json:"conversationId"`
	DeletedBy      model.Identity `json:"deletedBy"`
}

type MessageDeletedPayload struct {
	MessageID      string         `json:"messageId"`
	ConversationID string         `json:"conversationId"`
	ForEveryone    bool           `json:"forEveryone"`
	DeletedBy      model.Identity `json:"deletedBy"`
}

// Delivery 消息的写入与扇出。同一对参与者的发送由调用方串行化
type Delivery struct {
	store  store.Store
	dir    directory.Directory
	sync   *Synchronizer
	events EventLog
	clock  func() time.Time
	newID  func() string
}

func NewDelivery(st store.Store, dir directory.Directory, sync *Synchronizer, events EventLog, clock func() time.Time) *Delivery {
	if clock == nil {
		clock = time.Now
	}
	if events == nil {
		events = NopEventLog{}
	}
	return &Delivery{store: st, dir: dir, sync: sync, events: events, clock: clock, newID: ids.GenerateString}
}

// Send 写入消息并推送：先 newMessage 给双方，再各自一份 stateSync
func (d *Delivery) Send(ctx context.Context, sender model.Principal, req SendRequest) (*model.Message, []Effect, error) {
	kind, err := model.ParseKind(req.ReceiverKind)
	if err != nil {
		return nil, nil, err
	}
	receiver := model.NewIdentity(strings.TrimSpace(req.ReceiverID), kind)
	if !receiver.Valid() {
		return nil, nil, errs.ErrArgs.WrapMsg("receiverId is required")
	}
	if receiver == sender.Identity {
		return nil, nil, errs.ErrArgs.WrapMsg("cannot send a message to yourself")
	}
	typ, err := model.ParseMessageType(req.Type)
	if err != nil {
		return nil, nil, err
	}
	if err := checkContent(req.Content); err != nil {
		return nil, nil, err
	}
	to, err := d.dir.Lookup(ctx, receiver)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, nil, errs.ErrNotFound.WrapMsg("receiver not found", "receiver", receiver.Key())
		}
		return nil, nil, err
	}
	if req.ReplyToID != "" {
		if err := d.checkReply(ctx, req.ReplyToID, model.NewPair(sender.Identity, receiver)); err != nil {
			return nil, nil, err
		}
	}

	now := d.clock()
	msg := &model.Message{
		ID:        d.newID(),
		Sender:    sender.Identity,
		Receiver:  receiver,
		Content:   req.Content,
		Type:      typ,
		ReplyToID: req.ReplyToID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := d.store.AppendMessage(ctx, msg); err != nil {
		return nil, nil, err
	}
	metrics.MessagesSent.WithLabelValues(string(typ)).Inc()
	logger.Debugf("[delivery] %s -> %s msg=%s conv=%s", sender.Key(), receiver.Key(), msg.ID, msg.ConversationID)

	from := model.Contact{Identity: sender.Identity, DisplayName: sender.DisplayName}
	if from.DisplayName == "" {
		if c, err := d.dir.Lookup(ctx, sender.Identity); err == nil {
			from = *c
		}
	}
	nm := NewMessagePayload{Message: msg, Sender: from, Receiver: *to}
	effects := []Effect{
		ToIdentity(sender.Identity, OutNewMessage, nm),
		ToIdentity(receiver, OutNewMessage, nm),
	}
	sent, err := d.sync.stateFor(ctx, sender.Identity, model.SyncMessageSent, "", msg)
	if err != nil {
		return nil, nil, err
	}
	received, err := d.sync.stateFor(ctx, receiver, model.SyncMessageReceived, "", msg)
	if err != nil {
		return nil, nil, err
	}
	effects = append(effects, sent, received)
	d.events.Record(ctx, msg.ConversationID, EventMessageSent, msg)
	return msg, effects, nil
}

// Edit 只有发送方可以编辑；首次编辑保留原文
func (d *Delivery) Edit(ctx context.Context, actor model.Identity, req EditRequest) (*model.Message, []Effect, error) {
	if err := checkContent(req.Content); err != nil {
		return nil, nil, err
	}
	msg, err := d.owned(ctx, actor, req.MessageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.Sender != actor {
		return nil, nil, errs.ErrForbidden.WrapMsg("only the sender can edit a message", "id", msg.ID)
	}
	updated, err := d.store.EditMessage(ctx, msg.ID, req.Content, d.clock())
	if err != nil {
		return nil, nil, err
	}
	p := MessageUpdatedPayload{Message: updated}
	d.events.Record(ctx, updated.ConversationID, EventMessageEdited, updated)
	return updated, []Effect{
		ToIdentity(updated.Sender, OutMessageUpdated, p),
		ToIdentity(updated.Receiver, OutMessageUpdated, p),
	}, nil
}

// Delete 发送方删除对双方生效；接收方删除只对自己隐藏，不产生已读，
// 隐藏的未读消息不再计入接收方的未读数，发送方那份保持原样且不会收到任何推送
func (d *Delivery) Delete(ctx context.Context, actor model.Identity, req DeleteRequest) ([]Effect, error) {
	msg, err := d.owned(ctx, actor, req.MessageID)
	if err != nil {
		return nil, err
	}
	p := MessageDeletedPayload{MessageID: msg.ID, ConversationID: msg.ConversationID, DeletedBy: actor}

	if msg.Sender == actor {
		if _, err := d.store.DeleteMessage(ctx, msg.ID); err != nil {
			return nil, err
		}
		p.ForEveryone = true
		effects := []Effect{
			ToIdentity(msg.Sender, OutMessageDeleted, p),
			ToIdentity(msg.Receiver, OutMessageDeleted, p),
		}
		conv, _, err := d.store.RecomputeUnread(ctx, msg.ConversationID)
		if err != nil {
			return nil, err
		}
		syncs, err := d.sync.syncParticipants(ctx, conv, model.SyncConversationUpdate, model.ReasonMessageDeleted)
		if err != nil {
			return nil, err
		}
		d.events.Record(ctx, msg.ConversationID, EventMessageDeleted, p)
		return append(effects, syncs...), nil
	}

	if _, err := d.store.HideForReceiver(ctx, msg.ID); err != nil {
		return nil, err
	}
	if _, _, err := d.store.RecomputeUnread(ctx, msg.ConversationID); err != nil {
		return nil, err
	}
	// 计数或最后一条预览都可能变了，只同步给自己
	ef, err := d.sync.stateFor(ctx, actor, model.SyncConversationUpdate, model.ReasonMessageDeleted, nil)
	if err != nil {
		return nil, err
	}
	d.events.Record(ctx, msg.ConversationID, EventMessageDeleted, p)
	return []Effect{ToIdentity(actor, OutMessageDeleted, p), ef}, nil
}

// ClearConversation 删除会话内全部消息，双方计数归零
func (d *Delivery) ClearConversation(ctx context.Context, actor model.Identity, convID string) (int, []Effect, error) {
	if _, err := d.sync.participantConversation(ctx, actor, convID); err != nil {
		return 0, nil, err
	}
	conv, removed, err := d.store.ClearMessages(ctx, convID)
	if err != nil {
		return 0, nil, err
	}
	p := ClearedPayload{ConversationID: conv.ID, ClearedBy: actor, Removed: removed}
	effects := []Effect{
		ToIdentity(conv.Participant1, OutConversationCleared, p),
		ToIdentity(conv.Participant2, OutConversationCleared, p),
	}
	syncs, err := d.sync.syncParticipants(ctx, conv, model.SyncConversationUpdate, model.ReasonConversationClear)
	if err != nil {
		return 0, nil, err
	}
	d.events.Record(ctx, conv.ID, EventConversationCleared, p)
	return removed, append(effects, syncs...), nil
}

// DeleteConversation 会话连同消息一起删除，双方的会话列表同步移除
func (d *Delivery) DeleteConversation(ctx context.Context, actor model.Identity, convID string) ([]Effect, error) {
	if _, err := d.sync.participantConversation(ctx, actor, convID); err != nil {
		return nil, err
	}
	conv, err := d.store.DeleteConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	p := ConversationDeletedPayload{ConversationID: conv.ID, DeletedBy: actor}
	effects := []Effect{
		ToIdentity(conv.Participant1, OutConversationDeleted, p),
		ToIdentity(conv.Participant2, OutConversationDeleted, p),
	}
	syncs, err := d.sync.syncParticipants(ctx, conv, model.SyncConversationUpdate, model.ReasonConversationGone)
	if err != nil {
		return nil, err
	}
	d.events.Record(ctx, conv.ID, EventConversationDeleted, p)
	return append(effects, syncs...), nil
}

// Search 会话内按内容查找，newest first
func (d *Delivery) Search(ctx context.Context, viewer model.Identity, convID, query string, page, limit int) ([]*model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errs.ErrArgs.WrapMsg("search query is empty")
	}
	if _, err := d.sync.participantConversation(ctx, viewer, convID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}
	return d.store.SearchMessages(ctx, convID, viewer, query, (page-1)*limit, limit)
}

// owned 取消息并确认 actor 是发送方或接收方
func (d *Delivery) owned(ctx context.Context, actor model.Identity, id string) (*model.Message, error) {
	if id == "" {
		return nil, errs.ErrArgs.WrapMsg("messageId is required")
	}
	msg, err := d.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !msg.Involves(actor) {
		return nil, errs.ErrForbidden.WrapMsg("not your message", "id", id)
	}
	if msg.Receiver == actor && msg.DeletedByReceiver {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	return msg, nil
}

func (d *Delivery) checkReply(ctx context.Context, replyTo string, pair model.Pair) error {
	orig, err := d.store.GetMessage(ctx, replyTo)
	if err != nil {
		return err
	}
	if orig.Pair() != pair {
		return errs.ErrNotFound.WrapMsg("reply target not found", "replyToId", replyTo)
	}
	return nil
}

// ListMessages 分页，接收方隐藏的消息不返回
func (d *Delivery) ListMessages(ctx context.Context, viewer model.Identity, convID string, before time.Time, limit int) ([]*model.Message, error) {
	if _, err := d.sync.participantConversation(ctx, viewer, convID); err != nil {
		return nil, err
	}
	return d.store.ListMessages(ctx, convID, viewer, before, limit)
}

func (d *Delivery) Stats(ctx context.Context, who model.Identity) (model.Stats, error) {
	return d.store.Stats(ctx, who)
}

func checkContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errs.ErrArgs.WrapMsg("content is empty")
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return errs.ErrArgs.WrapMsg("content too long", "max", MaxContentLength)
	}
	return nil
}
