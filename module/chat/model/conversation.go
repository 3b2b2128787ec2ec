package model

import "time"

const (
	ConversationFieldID            = "_id"
	ConversationFieldPairKey       = "pair_key"
	ConversationFieldP1            = "participant1"
	ConversationFieldP2            = "participant2"
	ConversationFieldLastMessageID = "last_message_id"
	ConversationFieldLastMessageAt = "last_message_at"
	ConversationFieldArchived1     = "archived1"
	ConversationFieldArchived2     = "archived2"
	ConversationFieldMuted1        = "muted1"
	ConversationFieldMuted2        = "muted2"
	ConversationFieldUnread1       = "unread_count1"
	ConversationFieldUnread2       = "unread_count2"
	ConversationFieldVersion       = "version"
	ConversationFieldCreatedAt     = "created_at"
	ConversationFieldUpdatedAt     = "updated_at"
)

// Conversation 一对参与者的会话；两侧的归档/免打扰/未读各自独立
type Conversation struct {
	ID            string     `json:"id" bson:"_id"`
	PairKey       string     `json:"-" bson:"pair_key"`
	Participant1  Identity   `json:"participant1" bson:"participant1"`
	Participant2  Identity   `json:"participant2" bson:"participant2"`
	LastMessageID string     `json:"lastMessageId,omitempty" bson:"last_message_id,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty" bson:"last_message_at,omitempty"`

	Archived1 bool `json:"archived1" bson:"archived1"`
	Archived2 bool `json:"archived2" bson:"archived2"`
	Muted1    bool `json:"muted1" bson:"muted1"`
	Muted2    bool `json:"muted2" bson:"muted2"`

	UnreadCount1 int `json:"unreadCount1" bson:"unread_count1"`
	UnreadCount2 int `json:"unreadCount2" bson:"unread_count2"`

	// 每次计数变更 +1，Mongo 重算时作为乐观锁
	Version int64 `json:"version" bson:"version"`

	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updated_at"`
}

func (c *Conversation) GetTableName() string { return "vechat_conversations" }

func (c *Conversation) Pair() Pair { return Pair{P1: c.Participant1, P2: c.Participant2} }

func (c *Conversation) SlotOf(id Identity) Slot { return c.Pair().SlotOf(id) }

func (c *Conversation) Has(id Identity) bool { return c.SlotOf(id) != SlotNone }

func (c *Conversation) Peer(id Identity) Identity {
	other, _ := c.Pair().Other(id)
	return other
}

func (c *Conversation) UnreadFor(id Identity) int {
	switch c.SlotOf(id) {
	case Slot1:
		return c.UnreadCount1
	case Slot2:
		return c.UnreadCount2
	}
	return 0
}

func (c *Conversation) ArchivedFor(id Identity) bool {
	switch c.SlotOf(id) {
	case Slot1:
		return c.Archived1
	case Slot2:
		return c.Archived2
	}
	return false
}

func (c *Conversation) MutedFor(id Identity) bool {
	switch c.SlotOf(id) {
	case Slot1:
		return c.Muted1
	case Slot2:
		return c.Muted2
	}
	return false
}

// SetFlag 按 slot 修改归档或免打扰
func (c *Conversation) SetFlag(id Identity, flag ConversationFlag, v bool) bool {
	slot := c.SlotOf(id)
	switch {
	case slot == Slot1 && flag == FlagArchived:
		c.Archived1 = v
	case slot == Slot2 && flag == FlagArchived:
		c.Archived2 = v
	case slot == Slot1 && flag == FlagMuted:
		c.Muted1 = v
	case slot == Slot2 && flag == FlagMuted:
		c.Muted2 = v
	default:
		return false
	}
	return true
}

type ConversationFlag int

const (
	FlagArchived ConversationFlag = iota + 1
	FlagMuted
)

// FlagField 返回某一侧 flag 对应的存储字段
func FlagField(flag ConversationFlag, slot Slot) string {
	switch {
	case flag == FlagArchived && slot == Slot1:
		return ConversationFieldArchived1
	case flag == FlagArchived && slot == Slot2:
		return ConversationFieldArchived2
	case flag == FlagMuted && slot == Slot1:
		return ConversationFieldMuted1
	case flag == FlagMuted && slot == Slot2:
		return ConversationFieldMuted2
	}
	return ""
}

// UnreadField 返回某一侧未读计数的存储字段
func UnreadField(slot Slot) string {
	if slot == Slot1 {
		return ConversationFieldUnread1
	}
	return ConversationFieldUnread2
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	return &cp
}
