package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
	"VeChat/tools/ids"
)

// Memory is a process-local Store and PresenceStore. One mutex guards every
// map so each operation is atomic with respect to the others.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	messages map[string]*model.Message
	byConv   map[string][]string // conversation id -> message ids, append order
	convs    map[string]*model.Conversation
	byPair   map[string]string
	presence map[model.Identity]*model.PresenceRecord
	settings map[model.Identity]*model.UserSettings
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		messages: make(map[string]*model.Message),
		byConv:   make(map[string][]string),
		convs:    make(map[string]*model.Conversation),
		byPair:   make(map[string]string),
		presence: make(map[model.Identity]*model.PresenceRecord),
		settings: make(map[model.Identity]*model.UserSettings),
	}
}

var (
	_ Store         = (*Memory)(nil)
	_ PresenceStore = (*Memory)(nil)
	_ SettingsStore = (*Memory)(nil)
)

func (s *Memory) AppendMessage(_ context.Context, msg *model.Message) (*model.Conversation, error) {
	if msg == nil || msg.ID == "" {
		return nil, errs.ErrArgs.WrapMsg("message id required")
	}
	pair := msg.Pair()
	slot := pair.SlotOf(msg.Receiver)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.messages[msg.ID]; dup {
		return nil, errs.ErrArgs.WrapMsg("duplicate message id", "id", msg.ID)
	}
	now := s.now()
	conv, _ := s.ensureLocked(pair, now)

	msg.ConversationID = conv.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = msg.CreatedAt
	s.messages[msg.ID] = msg.Clone()
	s.byConv[conv.ID] = append(s.byConv[conv.ID], msg.ID)

	at := msg.CreatedAt
	conv.LastMessageID = msg.ID
	conv.LastMessageAt = &at
	if slot == model.Slot1 {
		conv.UnreadCount1++
	} else {
		conv.UnreadCount2++
	}
	conv.Version++
	conv.UpdatedAt = now
	return conv.Clone(), nil
}

func (s *Memory) ensureLocked(pair model.Pair, now time.Time) (*model.Conversation, bool) {
	if conv := s.convByPairLocked(pair); conv != nil {
		return conv, false
	}
	conv := &model.Conversation{
		ID:           uuid.NewString(),
		PairKey:      pair.Key(),
		Participant1: pair.P1,
		Participant2: pair.P2,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.convs[conv.ID] = conv
	s.byPair[conv.PairKey] = conv.ID
	return conv, true
}

func (s *Memory) EnsureConversation(_ context.Context, pair model.Pair) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, created := s.ensureLocked(pair, s.now())
	return conv.Clone(), created, nil
}

func (s *Memory) convByPairLocked(pair model.Pair) *model.Conversation {
	id, ok := s.byPair[pair.Key()]
	if !ok {
		return nil
	}
	return s.convs[id]
}

func (s *Memory) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	return m.Clone(), nil
}

func (s *Memory) GetMessages(_ context.Context, msgIDs []string) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Message, 0, len(msgIDs))
	for _, id := range msgIDs {
		if m, ok := s.messages[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *Memory) EditMessage(_ context.Context, id, content string, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	if !m.Edited {
		m.OriginalContent = m.Content
	}
	m.Content = content
	m.Edited = true
	t := at
	m.EditedAt = &t
	m.UpdatedAt = at
	return m.Clone(), nil
}

func (s *Memory) DeleteMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	delete(s.messages, id)

	list := s.byConv[m.ConversationID]
	for i, mid := range list {
		if mid == id {
			s.byConv[m.ConversationID] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if conv := s.convs[m.ConversationID]; conv != nil && conv.LastMessageID == id {
		conv.LastMessageID, conv.LastMessageAt = "", nil
		rest := s.byConv[m.ConversationID]
		if n := len(rest); n > 0 {
			last := s.messages[rest[n-1]]
			at := last.CreatedAt
			conv.LastMessageID, conv.LastMessageAt = last.ID, &at
		}
		conv.UpdatedAt = s.now()
	}
	return m, nil
}

func (s *Memory) HideForReceiver(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	m.DeletedByReceiver = true
	m.UpdatedAt = s.now()
	return m.Clone(), nil
}

func (s *Memory) MarkRead(_ context.Context, reader model.Identity, msgIDs []string, at time.Time) ([]*model.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		touched []*model.Message
		updated int
		seen    = make(map[string]struct{}, len(msgIDs))
	)
	for _, id := range msgIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		m, ok := s.messages[id]
		if !ok || m.Receiver != reader {
			continue
		}
		if !m.IsRead {
			t := at
			m.IsRead = true
			m.ReadAt = &t
			m.UpdatedAt = at
			updated++
		}
		touched = append(touched, m.Clone())
	}
	return touched, updated, nil
}

func (s *Memory) UnreadFor(_ context.Context, conversationID string, receiver model.Identity) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.Receiver == receiver && !m.IsRead && !m.DeletedByReceiver {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *Memory) ListMessages(_ context.Context, conversationID string, viewer model.Identity, before time.Time, limit int) ([]*model.Message, error) {
	limit = pageSize(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byConv[conversationID]
	out := make([]*model.Message, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[list[i]]
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		if !m.VisibleTo(viewer) {
			continue
		}
		out = append(out, m.Clone())
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Memory) SearchMessages(_ context.Context, conversationID string, viewer model.Identity, query string, offset, limit int) ([]*model.Message, error) {
	limit = searchPage(limit)
	q := strings.ToLower(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byConv[conversationID]
	var out []*model.Message
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[list[i]]
		if !m.VisibleTo(viewer) || !strings.Contains(strings.ToLower(m.Content), q) {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

func (s *Memory) ClearMessages(_ context.Context, conversationID string) (*model.Conversation, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, 0, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	list := s.byConv[conversationID]
	for _, id := range list {
		delete(s.messages, id)
	}
	delete(s.byConv, conversationID)
	c.LastMessageID, c.LastMessageAt = "", nil
	c.UnreadCount1, c.UnreadCount2 = 0, 0
	c.Version++
	c.UpdatedAt = s.now()
	return c.Clone(), len(list), nil
}

func (s *Memory) DeleteConversation(_ context.Context, conversationID string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	for _, id := range s.byConv[conversationID] {
		delete(s.messages, id)
	}
	delete(s.byConv, conversationID)
	delete(s.byPair, c.PairKey)
	delete(s.convs, conversationID)
	return c, nil
}

func (s *Memory) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", id)
	}
	return c.Clone(), nil
}

func (s *Memory) FindConversation(_ context.Context, pair model.Pair) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.convByPairLocked(pair)
	if c == nil {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "pair", pair.Key())
	}
	return c.Clone(), nil
}

func (s *Memory) ListConversations(_ context.Context, who model.Identity) ([]*model.Conversation, error) {
	s.mu.Lock()
	var out []*model.Conversation
	for _, c := range s.convs {
		if c.Has(who) {
			out = append(out, c.Clone())
		}
	}
	s.mu.Unlock()
	SortByActivity(out)
	return out, nil
}

// SortByActivity orders conversations by last message time, newest first;
// conversations without messages go last.
func SortByActivity(list []*model.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastMessageAt, list[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return ids.Less(list[j].LastMessageID, list[i].LastMessageID)
		}
		return a.After(*b)
	})
}

func (s *Memory) RecomputeUnread(_ context.Context, conversationID string) (*model.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, false, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	var n1, n2 int
	for _, id := range s.byConv[conversationID] {
		m := s.messages[id]
		if m.IsRead || m.DeletedByReceiver {
			continue
		}
		switch {
		case m.Receiver == c.Participant1 && m.Sender == c.Participant2:
			n1++
		case m.Receiver == c.Participant2 && m.Sender == c.Participant1:
			n2++
		}
	}
	if n1 == c.UnreadCount1 && n2 == c.UnreadCount2 {
		return c.Clone(), false, nil
	}
	c.UnreadCount1, c.UnreadCount2 = n1, n2
	c.Version++
	c.UpdatedAt = s.now()
	return c.Clone(), true, nil
}

func (s *Memory) SetFlag(_ context.Context, conversationID string, who model.Identity, flag model.ConversationFlag, v bool) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	if !c.SetFlag(who, flag, v) {
		return nil, errs.ErrForbidden.WrapMsg("not a participant", "conversation", conversationID)
	}
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

func (s *Memory) Stats(_ context.Context, who model.Identity) (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st model.Stats
	for _, m := range s.messages {
		switch who {
		case m.Sender:
			st.Sent++
		case m.Receiver:
			st.Received++
		}
	}
	for _, c := range s.convs {
		if c.Has(who) {
			st.Conversations++
			st.Unread += c.UnreadFor(who)
		}
	}
	return st, nil
}

func (s *Memory) SavePresence(_ context.Context, rec *model.PresenceRecord) error {
	if rec == nil {
		return nil
	}
	cp := *rec
	s.mu.Lock()
	s.presence[rec.Identity] = &cp
	s.mu.Unlock()
	return nil
}

func (s *Memory) GetPresence(_ context.Context, id model.Identity) (*model.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.presence[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("presence not found", "identity", id.Key())
	}
	cp := *rec
	return &cp, nil
}

func (s *Memory) GetPresences(_ context.Context, list []model.Identity) (map[model.Identity]*model.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Identity]*model.PresenceRecord, len(list))
	for _, id := range list {
		if rec, ok := s.presence[id]; ok {
			cp := *rec
			out[id] = &cp
		}
	}
	return out, nil
}

func (s *Memory) GetSettings(_ context.Context, id model.Identity) (*model.UserSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("settings not found", "identity", id.Key())
	}
	cp := *st
	return &cp, nil
}

func (s *Memory) SaveSettings(_ context.Context, st *model.UserSettings) error {
	if st == nil {
		return errs.ErrArgs.WrapMsg("settings required")
	}
	cp := *st
	s.mu.Lock()
	s.settings[st.Identity] = &cp
	s.mu.Unlock()
	return nil
}
