// Package store persists chat messages, conversations and presence records.
//
// Counter mutations are single atomic operations in every backend: AppendMessage
// increments the receiver's unread counter, RecomputeUnread recounts both
// directions from the message rows and writes only when a value differs.
// A message counts as unread for its receiver while it is not read and the
// receiver has not hidden it.
package store

import (
	"context"
	"time"

	"VeChat/module/chat/model"
)

// Store is the message/conversation persistence contract.
type Store interface {
	// AppendMessage resolves or creates the conversation of msg's pair, persists
	// msg (ConversationID is filled in), moves the last-message pointer and
	// increments the receiver's unread counter.
	AppendMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error)

	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessages(ctx context.Context, ids []string) ([]*model.Message, error)

	// EditMessage overwrites content; the first edit keeps the previous content
	// in OriginalContent.
	EditMessage(ctx context.Context, id, content string, at time.Time) (*model.Message, error)
	// DeleteMessage removes the row and repoints the conversation's last message.
	DeleteMessage(ctx context.Context, id string) (*model.Message, error)
	HideForReceiver(ctx context.Context, id string) (*model.Message, error)

	// MarkRead marks the given messages read where reader is the receiver.
	// It returns every message among ids addressed to reader (already read ones
	// included) and how many rows actually changed.
	MarkRead(ctx context.Context, reader model.Identity, ids []string, at time.Time) ([]*model.Message, int, error)
	// UnreadFor lists receiver's unread messages, hidden ones excluded.
	UnreadFor(ctx context.Context, conversationID string, receiver model.Identity) ([]*model.Message, error)
	// ListMessages pages backwards from before (zero = newest), returned oldest first.
	ListMessages(ctx context.Context, conversationID string, viewer model.Identity, before time.Time, limit int) ([]*model.Message, error)
	// SearchMessages matches content case-insensitively, newest first.
	SearchMessages(ctx context.Context, conversationID string, viewer model.Identity, query string, offset, limit int) ([]*model.Message, error)

	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	FindConversation(ctx context.Context, pair model.Pair) (*model.Conversation, error)
	// EnsureConversation returns the pair's conversation, creating an empty one.
	EnsureConversation(ctx context.Context, pair model.Pair) (conv *model.Conversation, created bool, err error)
	// ClearMessages deletes every message of the conversation, drops the
	// last-message pointer and zeroes both counters.
	ClearMessages(ctx context.Context, conversationID string) (*model.Conversation, int, error)
	// DeleteConversation removes the conversation with its messages.
	DeleteConversation(ctx context.Context, conversationID string) (*model.Conversation, error)
	// ListConversations orders by last activity, most recent first.
	ListConversations(ctx context.Context, who model.Identity) ([]*model.Conversation, error)
	// RecomputeUnread recounts both unread counters; changed reports a write.
	RecomputeUnread(ctx context.Context, conversationID string) (conv *model.Conversation, changed bool, err error)
	SetFlag(ctx context.Context, conversationID string, who model.Identity, flag model.ConversationFlag, v bool) (*model.Conversation, error)

	Stats(ctx context.Context, who model.Identity) (model.Stats, error)
}

// PresenceStore keeps the last known PresenceRecord of each identity.
type PresenceStore interface {
	SavePresence(ctx context.Context, rec *model.PresenceRecord) error
	GetPresence(ctx context.Context, id model.Identity) (*model.PresenceRecord, error)
	GetPresences(ctx context.Context, ids []model.Identity) (map[model.Identity]*model.PresenceRecord, error)
}

// SettingsStore keeps UserSettings; GetSettings is NotFound until the first save.
type SettingsStore interface {
	GetSettings(ctx context.Context, id model.Identity) (*model.UserSettings, error)
	SaveSettings(ctx context.Context, s *model.UserSettings) error
}

const DefaultPageSize = 50

func pageSize(limit int) int {
	if limit <= 0 || limit > 200 {
		return DefaultPageSize
	}
	return limit
}

const searchPageSize = 20

func searchPage(limit int) int {
	if limit <= 0 || limit > 100 {
		return searchPageSize
	}
	return limit
}
