package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
	"VeChat/tools/ids"
)

// runStoreSuite exercises the Store contract; every backend runs it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("AppendCreatesConversationAndIncrementsReceiver", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()

		conv, err := s.AppendMessage(ctx, newMsg(a, b, "hello"))
		require.NoError(t, err)
		assert.Equal(t, 1, conv.UnreadFor(b))
		assert.Equal(t, 0, conv.UnreadFor(a))
		assert.Equal(t, model.NewPair(a, b).Key(), conv.Pair().Key())

		again, err := s.AppendMessage(ctx, newMsg(b, a, "hi back"))
		require.NoError(t, err)
		assert.Equal(t, conv.ID, again.ID)
		assert.Equal(t, 1, again.UnreadFor(a))
		assert.Equal(t, 1, again.UnreadFor(b))

		found, err := s.FindConversation(ctx, model.NewPair(b, a))
		require.NoError(t, err)
		assert.Equal(t, conv.ID, found.ID)
	})

	t.Run("MarkReadIsIdempotentAndRecomputeConverges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()

		var msgIDs []string
		var convID string
		for i := 0; i < 3; i++ {
			m := newMsg(a, b, "m")
			conv, err := s.AppendMessage(ctx, m)
			require.NoError(t, err)
			msgIDs = append(msgIDs, m.ID)
			convID = conv.ID
		}

		touched, updated, err := s.MarkRead(ctx, b, msgIDs[:2], time.Now())
		require.NoError(t, err)
		assert.Len(t, touched, 2)
		assert.Equal(t, 2, updated)

		conv, changed, err := s.RecomputeUnread(ctx, convID)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 1, conv.UnreadFor(b))

		_, updated, err = s.MarkRead(ctx, b, msgIDs[:2], time.Now())
		require.NoError(t, err)
		assert.Equal(t, 0, updated)
		conv, changed, err = s.RecomputeUnread(ctx, convID)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, 1, conv.UnreadFor(b))
	})

	t.Run("MarkReadIgnoresMessagesOfOthers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		m := newMsg(a, b, "for b")
		_, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)

		touched, updated, err := s.MarkRead(ctx, a, []string{m.ID, "missing"}, time.Now())
		require.NoError(t, err)
		assert.Empty(t, touched)
		assert.Zero(t, updated)

		got, err := s.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.False(t, got.IsRead)
	})

	t.Run("RecomputeHealsDrift", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		m := newMsg(a, b, "x")
		conv, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)

		// hard delete leaves the counter at 1 until a recompute
		_, err = s.DeleteMessage(ctx, m.ID)
		require.NoError(t, err)
		conv, changed, err := s.RecomputeUnread(ctx, conv.ID)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 0, conv.UnreadFor(b))
		assert.Empty(t, conv.LastMessageID)
	})

	t.Run("EditSnapshotsOriginalOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		m := newMsg(a, b, "first")
		_, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)

		e1, err := s.EditMessage(ctx, m.ID, "second", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "second", e1.Content)
		assert.Equal(t, "first", e1.OriginalContent)
		assert.True(t, e1.Edited)
		require.NotNil(t, e1.EditedAt)

		e2, err := s.EditMessage(ctx, m.ID, "$third", time.Now())
		require.NoError(t, err)
		assert.Equal(t, "$third", e2.Content)
		assert.Equal(t, "first", e2.OriginalContent)

		_, err = s.EditMessage(ctx, "nope", "x", time.Now())
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("HideForReceiverKeepsSenderCopy", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		m := newMsg(a, b, "secret")
		conv, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)

		_, err = s.HideForReceiver(ctx, m.ID)
		require.NoError(t, err)

		forA, err := s.ListMessages(ctx, conv.ID, a, time.Time{}, 10)
		require.NoError(t, err)
		require.Len(t, forA, 1)
		forB, err := s.ListMessages(ctx, conv.ID, b, time.Time{}, 10)
		require.NoError(t, err)
		assert.Empty(t, forB)
	})

	t.Run("ListMessagesPagesOldestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
		var convID string
		for i := 0; i < 5; i++ {
			m := newMsg(a, b, string(rune('a'+i)))
			m.CreatedAt = base.Add(time.Duration(i) * time.Second)
			conv, err := s.AppendMessage(ctx, m)
			require.NoError(t, err)
			convID = conv.ID
		}
		page, err := s.ListMessages(ctx, convID, a, time.Time{}, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "d", page[0].Content)
		assert.Equal(t, "e", page[1].Content)

		older, err := s.ListMessages(ctx, convID, a, page[0].CreatedAt, 10)
		require.NoError(t, err)
		require.Len(t, older, 3)
		assert.Equal(t, "a", older[0].Content)
	})

	t.Run("FlagsArePerSlot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		conv, err := s.AppendMessage(ctx, newMsg(a, b, "x"))
		require.NoError(t, err)

		conv, err = s.SetFlag(ctx, conv.ID, b, model.FlagArchived, true)
		require.NoError(t, err)
		assert.True(t, conv.ArchivedFor(b))
		assert.False(t, conv.ArchivedFor(a))

		_, err = s.SetFlag(ctx, conv.ID, model.NewIdentity("stranger", model.KindClient), model.FlagMuted, true)
		assert.Equal(t, errs.Forbidden, errs.Code(err))
	})

	t.Run("ListConversationsByActivityAndStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		c := model.NewIdentity(ids.GenerateString(), model.KindClient)

		old := newMsg(a, b, "older")
		old.CreatedAt = time.Now().Add(-time.Minute)
		_, err := s.AppendMessage(ctx, old)
		require.NoError(t, err)
		recent, err := s.AppendMessage(ctx, newMsg(c, a, "newer"))
		require.NoError(t, err)

		list, err := s.ListConversations(ctx, a)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, recent.ID, list[0].ID)

		st, err := s.Stats(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, model.Stats{Sent: 1, Received: 1, Unread: 1, Conversations: 2}, st)
	})

	t.Run("ConcurrentMarkReadConverges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		var msgIDs []string
		var convID string
		for i := 0; i < 6; i++ {
			m := newMsg(a, b, "m")
			conv, err := s.AppendMessage(ctx, m)
			require.NoError(t, err)
			msgIDs = append(msgIDs, m.ID)
			convID = conv.ID
		}

		var wg sync.WaitGroup
		for _, set := range [][]string{msgIDs[:4], msgIDs[2:], msgIDs[1:5]} {
			wg.Add(1)
			go func(set []string) {
				defer wg.Done()
				_, _, err := s.MarkRead(ctx, b, set, time.Now())
				assert.NoError(t, err)
				_, _, err = s.RecomputeUnread(ctx, convID)
				assert.NoError(t, err)
			}(set)
		}
		wg.Wait()

		conv, _, err := s.RecomputeUnread(ctx, convID)
		require.NoError(t, err)
		assert.Equal(t, 0, conv.UnreadFor(b))
	})

	t.Run("HiddenMessagesDropOutOfUnread", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		m1, m2 := newMsg(a, b, "keep"), newMsg(a, b, "hide")
		_, err := s.AppendMessage(ctx, m1)
		require.NoError(t, err)
		conv, err := s.AppendMessage(ctx, m2)
		require.NoError(t, err)
		require.Equal(t, 2, conv.UnreadFor(b))

		_, err = s.HideForReceiver(ctx, m2.ID)
		require.NoError(t, err)
		conv, changed, err := s.RecomputeUnread(ctx, conv.ID)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 1, conv.UnreadFor(b))

		unread, err := s.UnreadFor(ctx, conv.ID, b)
		require.NoError(t, err)
		require.Len(t, unread, 1)
		assert.Equal(t, m1.ID, unread[0].ID)

		// 发送方那份不受影响
		got, err := s.GetMessage(ctx, m2.ID)
		require.NoError(t, err)
		assert.False(t, got.IsRead)
	})

	t.Run("ConcurrentSendsAndReadsKeepCounter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		conv, _, err := s.EnsureConversation(ctx, model.NewPair(a, b))
		require.NoError(t, err)

		var wg sync.WaitGroup
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 8; i++ {
					_, err := s.AppendMessage(ctx, newMsg(a, b, "burst"))
					assert.NoError(t, err)
				}
			}()
		}
		for r := 0; r < 2; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 4; i++ {
					unread, err := s.UnreadFor(ctx, conv.ID, b)
					assert.NoError(t, err)
					msgIDs := make([]string, 0, len(unread))
					for _, m := range unread {
						msgIDs = append(msgIDs, m.ID)
					}
					_, _, err = s.MarkRead(ctx, b, msgIDs, time.Now())
					assert.NoError(t, err)
					_, _, err = s.RecomputeUnread(ctx, conv.ID)
					assert.NoError(t, err)
				}
			}()
		}
		wg.Wait()

		// 不再重算，直接比对计数与实际未读
		got, err := s.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		unread, err := s.UnreadFor(ctx, conv.ID, b)
		require.NoError(t, err)
		assert.Equal(t, len(unread), got.UnreadFor(b))
		assert.Equal(t, 0, got.UnreadFor(a))
	})

	t.Run("EnsureConversationIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		c1, created, err := s.EnsureConversation(ctx, model.NewPair(a, b))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Zero(t, c1.UnreadCount1+c1.UnreadCount2)
		assert.Empty(t, c1.LastMessageID)

		c2, created, err := s.EnsureConversation(ctx, model.NewPair(b, a))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, c1.ID, c2.ID)
	})

	t.Run("SearchMatchesLiterallyNewestFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
		var convID string
		for i, content := range []string{"Price (USD) 10", "nothing", "price (usd) 12", "pricey", "PRICE (USD) 15"} {
			m := newMsg(a, b, content)
			m.CreatedAt = base.Add(time.Duration(i) * time.Second)
			conv, err := s.AppendMessage(ctx, m)
			require.NoError(t, err)
			convID = conv.ID
		}
		hits, err := s.SearchMessages(ctx, convID, a, "price (usd)", 0, 2)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "PRICE (USD) 15", hits[0].Content)
		assert.Equal(t, "price (usd) 12", hits[1].Content)

		next, err := s.SearchMessages(ctx, convID, a, "price (usd)", 2, 2)
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, "Price (USD) 10", next[0].Content)

		_, err = s.HideForReceiver(ctx, hits[0].ID)
		require.NoError(t, err)
		forB, err := s.SearchMessages(ctx, convID, b, "price (usd)", 0, 10)
		require.NoError(t, err)
		assert.Len(t, forB, 2)
	})

	t.Run("ClearMessagesResetsConversation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		m := newMsg(a, b, "one")
		_, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)
		conv, err := s.AppendMessage(ctx, newMsg(b, a, "two"))
		require.NoError(t, err)

		cleared, n, err := s.ClearMessages(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, conv.ID, cleared.ID)
		assert.Zero(t, cleared.UnreadFor(a))
		assert.Zero(t, cleared.UnreadFor(b))
		assert.Empty(t, cleared.LastMessageID)
		assert.Nil(t, cleared.LastMessageAt)
		assert.Greater(t, cleared.Version, conv.Version)

		_, err = s.GetMessage(ctx, m.ID)
		assert.True(t, errs.IsNotFound(err))
		list, err := s.ListMessages(ctx, conv.ID, a, time.Time{}, 10)
		require.NoError(t, err)
		assert.Empty(t, list)

		_, _, err = s.ClearMessages(ctx, ids.GenerateString())
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("DeleteConversationRemovesMessages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a, b := uniquePair()
		m := newMsg(a, b, "bye")
		conv, err := s.AppendMessage(ctx, m)
		require.NoError(t, err)

		gone, err := s.DeleteConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, conv.ID, gone.ID)

		_, err = s.GetConversation(ctx, conv.ID)
		assert.True(t, errs.IsNotFound(err))
		_, err = s.FindConversation(ctx, model.NewPair(a, b))
		assert.True(t, errs.IsNotFound(err))
		_, err = s.GetMessage(ctx, m.ID)
		assert.True(t, errs.IsNotFound(err))
		_, err = s.DeleteConversation(ctx, conv.ID)
		assert.True(t, errs.IsNotFound(err))

		// 同一对参与者可以重新开始
		again, err := s.AppendMessage(ctx, newMsg(b, a, "hello again"))
		require.NoError(t, err)
		assert.NotEqual(t, conv.ID, again.ID)
		assert.Equal(t, 1, again.UnreadFor(a))
	})

	t.Run("SettingsRoundTrip", func(t *testing.T) {
		ss, ok := newStore(t).(SettingsStore)
		if !ok {
			t.Skip("backend keeps no settings")
		}
		ctx := context.Background()
		a, _ := uniquePair()
		_, err := ss.GetSettings(ctx, a)
		assert.True(t, errs.IsNotFound(err))

		st := model.DefaultSettings(a)
		st.Theme = model.ThemeDark
		st.ShowReadReceipts = false
		st.UpdatedAt = time.Now().Truncate(time.Millisecond)
		require.NoError(t, ss.SaveSettings(ctx, st))

		got, err := ss.GetSettings(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, a, got.Identity)
		assert.Equal(t, model.ThemeDark, got.Theme)
		assert.False(t, got.ShowReadReceipts)
		assert.True(t, got.ShowOnlineStatus)
	})
}

func uniquePair() (model.Identity, model.Identity) {
	return model.NewIdentity(ids.GenerateString(), model.KindPersonnel),
		model.NewIdentity(ids.GenerateString(), model.KindClient)
}

func newMsg(from, to model.Identity, content string) *model.Message {
	return &model.Message{
		ID:       ids.GenerateString(),
		Sender:   from,
		Receiver: to,
		Content:  content,
		Type:     model.MessageText,
	}
}
