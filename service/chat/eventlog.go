package chat

import "context"

// 事件日志里的事件名
const (
	EventMessageSent    = "message.sent"
	EventMessageEdited  = "message.edited"
	EventMessageDeleted = "message.deleted"
	EventMessagesRead   = "messages.read"

	EventConversationCleared = "conversation.cleared"
	EventConversationDeleted = "conversation.deleted"
)

// EventLog 只追加的聊天事件流（Kafka）。Record 不得阻塞调用方
type EventLog interface {
	Record(ctx context.Context, key, kind string, payload any)
}

type NopEventLog struct{}

func (NopEventLog) Record(context.Context, string, string, any) {}
