package model

import "time"

type SyncType string

const (
	SyncMessageSent        SyncType = "MESSAGE_SENT"
	SyncMessageReceived    SyncType = "MESSAGE_RECEIVED"
	SyncConversationUpdate SyncType = "CONVERSATION_UPDATE"
	SyncFull               SyncType = "FULL_SYNC"
)

const (
	ReasonConversationViewed = "CONVERSATION_VIEWED"
	ReasonMessagesRead       = "MESSAGES_READ"
	ReasonMessageDeleted     = "MESSAGE_DELETED"
	ReasonSettingsChanged    = "SETTINGS_CHANGED"
	ReasonConnected          = "CONNECTED"
	ReasonConversationOpened = "CONVERSATION_OPENED"
	ReasonConversationClear  = "CONVERSATION_CLEARED"
	ReasonConversationGone   = "CONVERSATION_DELETED"
	ReasonUnreadReset        = "UNREAD_RESET"
)

// Contact 目录里的展示信息
type Contact struct {
	Identity
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

// ConversationView 某个参与者看到的会话
type ConversationView struct {
	ID            string         `json:"id"`
	Peer          Contact        `json:"peer"`
	PeerStatus    PresenceStatus `json:"peerStatus,omitempty"`
	UnreadCount   int            `json:"unreadCount"`
	Archived      bool           `json:"archived"`
	Muted         bool           `json:"muted"`
	LastMessage   *Message       `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time     `json:"lastMessageAt,omitempty"`
}

// StateSyncPayload 按接收者单独计算，不落库
type StateSyncPayload struct {
	Type          SyncType           `json:"type"`
	Conversations []ConversationView `json:"conversations"`
	UnreadCounts  map[string]int     `json:"unreadCounts"`
	TotalUnread   int                `json:"totalUnread"`
	Message       *Message           `json:"message,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	Timestamp     time.Time          `json:"timestamp"`
}
