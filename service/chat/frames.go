package chat

import (
	"encoding/json"

	"VeChat/tools/errs"
)

// 入站事件
const (
	EvSendMessage         = "sendMessage"
	EvEditMessage         = "editMessage"
	EvDeleteMessage       = "deleteMessage"
	EvMarkMessagesRead    = "markMessagesRead"
	EvJoinConversation    = "joinConversation"
	EvLeaveConversation   = "leaveConversation"
	EvTyping              = "typing"
	EvUpdatePresence      = "updatePresence"
	EvRequestStateSync    = "requestStateSync"
	EvGetOnlineUsers      = "getOnlineUsers"
	EvGetUserPresence     = "getUserPresence"
	EvArchiveConversation = "archiveConversation"
	EvMuteConversation    = "muteConversation"
	EvConversationCleared = "conversationCleared"
	EvAdminGetStats       = "adminGetStats"
	EvAdminBroadcast      = "adminBroadcast"
	EvPing                = "ping"
)

// 出站事件
const (
	OutStateSync            = "stateSync"
	OutNewMessage           = "newMessage"
	OutMessageUpdated       = "messageUpdated"
	OutMessageDeleted       = "messageDeleted"
	OutMessagesReadReceipt  = "messagesReadByReceiver"
	OutMessagesMarkedAsRead = "messagesMarkedAsRead"
	OutUserOnlineStatus     = "userOnlineStatus"
	OutUserTyping           = "userTyping"
	OutOnlineUsers          = "onlineUsers"
	OutUserPresence         = "userPresence"
	OutConversationCleared  = "conversationCleared"
	OutConversationDeleted  = "conversationDeleted"
	OutSettingsUpdated      = "settingsUpdated"
	OutAdminStats           = "adminStats"
	OutAdminBroadcast       = "adminBroadcast"
	OutConversationJoined   = "conversationJoined"
	OutPong                 = "pong"
	OutError                = "error"
)

// Frame 线上帧：{"event": "...", "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ErrorPayload 只发给出错的那条连接
type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Event   string `json:"event,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errs.ErrArgs.WrapMsg("malformed frame: " + err.Error())
	}
	if f.Event == "" {
		return nil, errs.ErrArgs.WrapMsg("frame without event")
	}
	return f, nil
}

func EncodeFrame(event string, payload any) ([]byte, error) {
	b, err := json.Marshal(outFrame{Event: event, Data: payload})
	if err != nil {
		return nil, errs.WrapMsg(err, "encode frame", "event", event)
	}
	return b, nil
}

// errorPayload 内部错误不透出细节
func errorPayload(event string, err error) ErrorPayload {
	ce, ok := errs.As(err)
	if !ok || ce.Code >= errs.ServerInternalError {
		return ErrorPayload{Message: "internal error", Code: errs.ServerInternalError, Event: event}
	}
	msg := ce.Msg
	if ce.Detail != "" {
		msg = ce.Detail
	}
	return ErrorPayload{Message: msg, Code: ce.Code, Event: event}
}
