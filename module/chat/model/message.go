package model

import (
	"strings"
	"time"

	"VeChat/tools/errs"
)

const (
	MessageFieldID                = "_id"
	MessageFieldConversationID    = "conversation_id"
	MessageFieldSender            = "sender"
	MessageFieldReceiver          = "receiver"
	MessageFieldContent           = "content"
	MessageFieldIsRead            = "is_read"
	MessageFieldReadAt            = "read_at"
	MessageFieldEdited            = "edited"
	MessageFieldEditedAt          = "edited_at"
	MessageFieldOriginalContent   = "original_content"
	MessageFieldDeletedByReceiver = "deleted_by_receiver"
	MessageFieldCreatedAt         = "created_at"
	MessageFieldUpdatedAt         = "updated_at"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageFile     MessageType = "file"
	MessageVideo    MessageType = "video"
	MessageVoice    MessageType = "voice"
	MessageAudio    MessageType = "audio"
	MessageLocation MessageType = "location"
)

var messageTypes = map[MessageType]struct{}{
	MessageText: {}, MessageImage: {}, MessageFile: {}, MessageVideo: {},
	MessageVoice: {}, MessageAudio: {}, MessageLocation: {},
}

// ParseMessageType 空值按 text 处理
func ParseMessageType(s string) (MessageType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return MessageText, nil
	}
	t := MessageType(s)
	if _, ok := messageTypes[t]; !ok {
		return "", errs.ErrArgs.WrapMsg("unsupported message type", "type", s)
	}
	return t, nil
}

// Message 单聊消息。IsRead 只会从 false 变为 true
type Message struct {
	ID             string      `json:"id" bson:"_id"`
	ConversationID string      `json:"conversationId" bson:"conversation_id"`
	Sender         Identity    `json:"sender" bson:"sender"`
	Receiver       Identity    `json:"receiver" bson:"receiver"`
	Content        string      `json:"content" bson:"content"`
	Type           MessageType `json:"type" bson:"type"`
	ReplyToID      string      `json:"replyToId,omitempty" bson:"reply_to_id,omitempty"`

	IsRead bool       `json:"isRead" bson:"is_read"`
	ReadAt *time.Time `json:"readAt,omitempty" bson:"read_at,omitempty"`

	Edited          bool       `json:"edited" bson:"edited"`
	EditedAt        *time.Time `json:"editedAt,omitempty" bson:"edited_at,omitempty"`
	OriginalContent string     `json:"originalContent,omitempty" bson:"original_content,omitempty"`

	DeletedByReceiver bool `json:"-" bson:"deleted_by_receiver"`

	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

func (m *Message) GetTableName() string { return "vechat_messages" }

func (m *Message) Pair() Pair { return NewPair(m.Sender, m.Receiver) }

// Involves 发送方或接收方
func (m *Message) Involves(id Identity) bool { return m.Sender == id || m.Receiver == id }

// VisibleTo 接收方隐藏后对其不可见，发送方始终可见
func (m *Message) VisibleTo(id Identity) bool {
	if m.Receiver == id && m.DeletedByReceiver {
		return false
	}
	return m.Involves(id)
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.ReadAt != nil {
		t := *m.ReadAt
		cp.ReadAt = &t
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

// Stats 个人消息统计
type Stats struct {
	Sent          int `json:"sent"`
	Received      int `json:"received"`
	Unread        int `json:"unread"`
	Conversations int `json:"conversations"`
}
