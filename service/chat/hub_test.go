package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

func TestConnectSendsFullSync(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)

	st := lastOf[model.StateSyncPayload](t, a, OutStateSync)
	assert.Equal(t, model.SyncFull, st.Type)
	assert.Equal(t, model.ReasonConnected, st.Reason)
	assert.Empty(t, st.Conversations)
	assert.True(t, h.hub.Registry().IsOnline(alice.Identity))
	assert.NotEmpty(t, a.events(OutOnlineUsers))
}

func TestSendCreatesConversationAndCountsForReceiverOnly(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)

	msg := h.sendText(t, a, bob.Identity, "hello")
	assert.False(t, msg.IsRead)

	conv := h.conversation(t, alice.Identity, bob.Identity)
	assert.Equal(t, 1, conv.UnreadFor(bob.Identity))
	assert.Equal(t, 0, conv.UnreadFor(alice.Identity))
	assert.Equal(t, model.NewPair(bob.Identity, alice.Identity), conv.Pair())

	sent := lastOf[model.StateSyncPayload](t, a, OutStateSync)
	assert.Equal(t, model.SyncMessageSent, sent.Type)
	assert.Equal(t, 0, sent.UnreadCounts[conv.ID])
	assert.Equal(t, 0, sent.TotalUnread)

	recv := lastOf[model.StateSyncPayload](t, b, OutStateSync)
	assert.Equal(t, model.SyncMessageReceived, recv.Type)
	assert.Equal(t, 1, recv.UnreadCounts[conv.ID])
	assert.Equal(t, 1, recv.TotalUnread)
	require.Len(t, recv.Conversations, 1)
	assert.Equal(t, "Alice", recv.Conversations[0].Peer.DisplayName)
	require.NotNil(t, recv.Conversations[0].LastMessage)
	assert.Equal(t, msg.ID, recv.Conversations[0].LastMessage.ID)

	nm := lastOf[NewMessagePayload](t, b, OutNewMessage)
	assert.Equal(t, "Alice", nm.Sender.DisplayName)
	assert.Equal(t, "Bob", nm.Receiver.DisplayName)
}

func TestJoinConversationMarksReadAndSyncsSender(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	msg := h.sendText(t, a, bob.Identity, "hello")
	conv := h.conversation(t, alice.Identity, bob.Identity)
	a.reset()

	h.emit(t, b, EvJoinConversation, map[string]any{"id": conv.ID})
	require.Empty(t, b.events(OutError))

	assert.Equal(t, 0, h.conversation(t, alice.Identity, bob.Identity).UnreadFor(bob.Identity))
	stored, err := h.st.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsRead)
	assert.NotNil(t, stored.ReadAt)

	st := lastOf[model.StateSyncPayload](t, a, OutStateSync)
	assert.Equal(t, model.SyncConversationUpdate, st.Type)
	assert.Equal(t, model.ReasonConversationViewed, st.Reason)
	receipt := lastOf[ReadReceiptPayload](t, a, OutMessagesReadReceipt)
	assert.Equal(t, []string{msg.ID}, receipt.MessageIDs)

	joined := lastOf[JoinedPayload](t, b, OutConversationJoined)
	assert.Equal(t, 1, joined.UpdatedCount)
	assert.True(t, h.hub.Rooms().IsMember(ConversationRoom(conv.ID), b.ID()))

	// 再次进入没有未读，不再推送
	a.reset()
	h.emit(t, b, EvJoinConversation, map[string]any{"id": conv.ID})
	assert.Empty(t, a.events(OutStateSync))
}

func TestJoinConversationChecksParticipation(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	c := h.connect(t, "c1", carol)
	h.sendText(t, a, bob.Identity, "hello")
	conv := h.conversation(t, alice.Identity, bob.Identity)

	h.emit(t, c, EvJoinConversation, map[string]any{"id": conv.ID})
	assert.Equal(t, errs.Forbidden, lastOf[ErrorPayload](t, c, OutError).Code)
	assert.False(t, h.hub.Rooms().IsMember(ConversationRoom(conv.ID), c.ID()))

	h.emit(t, c, EvJoinConversation, map[string]any{"id": "missing"})
	assert.Equal(t, errs.NotFound, lastOf[ErrorPayload](t, c, OutError).Code)
}

func TestPartialMarkReadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	var ids []string
	for _, s := range []string{"one", "two", "three"} {
		ids = append(ids, h.sendText(t, a, bob.Identity, s).ID)
	}
	assert.Equal(t, 3, h.conversation(t, alice.Identity, bob.Identity).UnreadFor(bob.Identity))

	h.emit(t, b, EvMarkMessagesRead, map[string]any{"messageIds": ids[:2]})
	res := lastOf[ReadResult](t, b, OutMessagesMarkedAsRead)
	assert.Equal(t, 2, res.UpdatedCount)
	assert.ElementsMatch(t, ids[:2], res.MessageIDs)
	assert.Equal(t, 1, h.conversation(t, alice.Identity, bob.Identity).UnreadFor(bob.Identity))

	b.reset()
	a.reset()
	h.emit(t, b, EvMarkMessagesRead, map[string]any{"messageIds": ids[:2]})
	res = lastOf[ReadResult](t, b, OutMessagesMarkedAsRead)
	assert.Equal(t, 0, res.UpdatedCount)
	assert.Equal(t, 1, h.conversation(t, alice.Identity, bob.Identity).UnreadFor(bob.Identity))
	assert.Empty(t, b.events(OutStateSync))
	assert.Empty(t, a.events(OutStateSync))
}

func TestMarkReadDropsForeignIDs(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	c := h.connect(t, "c1", carol)
	msg := h.sendText(t, a, bob.Identity, "private")

	h.emit(t, c, EvMarkMessagesRead, map[string]any{"messageIds": []string{msg.ID, "nope"}})
	assert.Empty(t, c.events(OutError))
	res := lastOf[ReadResult](t, c, OutMessagesMarkedAsRead)
	assert.Equal(t, 0, res.UpdatedCount)
	assert.Empty(t, res.MessageIDs)
	assert.Equal(t, 1, h.conversation(t, alice.Identity, bob.Identity).UnreadFor(bob.Identity))

	// 发送方标记自己发的消息也不生效
	h.emit(t, a, EvMarkMessagesRead, map[string]any{"messageIds": []string{msg.ID}})
	assert.Equal(t, 1, h.conversation(t, alice.Identity, bob.Identity).UnreadFor(bob.Identity))
}

func TestConcurrentOverlappingMarkReadConverges(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b1 := h.connect(t, "b1", bob)
	b2 := h.connect(t, "b2", bob)
	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, h.sendText(t, a, bob.Identity, "m").ID)
	}

	var wg sync.WaitGroup
	for i, c := range []*fakeConn{b1, b2, b1, b2} {
		wg.Add(1)
		go func(i int, c *fakeConn) {
			defer wg.Done()
			h.emit(t, c, EvMarkMessagesRead, map[string]any{"messageIds": ids[i : i+3]})
		}(i, c)
	}
	wg.Wait()

	conv := h.conversation(t, alice.Identity, bob.Identity)
	unread, err := h.st.UnreadFor(context.Background(), conv.ID, bob.Identity)
	require.NoError(t, err)
	assert.Len(t, unread, 0)
	assert.Equal(t, 0, conv.UnreadFor(bob.Identity))
}

func TestEditBySenderOnly(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	msg := h.sendText(t, a, bob.Identity, "helo")

	h.emit(t, a, EvEditMessage, map[string]any{"messageId": msg.ID, "content": "hello"})
	require.Empty(t, a.events(OutError))
	up := lastOf[MessageUpdatedPayload](t, b, OutMessageUpdated)
	assert.Equal(t, "hello", up.Message.Content)
	assert.Equal(t, "helo", up.Message.OriginalContent)
	assert.True(t, up.Message.Edited)

	h.emit(t, a, EvEditMessage, map[string]any{"messageId": msg.ID, "content": "hello!"})
	stored, err := h.st.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, "helo", stored.OriginalContent)

	h.emit(t, b, EvEditMessage, map[string]any{"messageId": msg.ID, "content": "hacked"})
	assert.Equal(t, errs.Forbidden, lastOf[ErrorPayload](t, b, OutError).Code)
	assert.Empty(t, a.events(OutError))
}

func TestDeleteReceiverSideThenSenderSide(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	c := h.connect(t, "c1", carol)
	keep := h.sendText(t, a, bob.Identity, "first")
	gone := h.sendText(t, a, bob.Identity, "second")
	conv := h.conversation(t, alice.Identity, bob.Identity)

	h.emit(t, c, EvDeleteMessage, map[string]any{"messageId": keep.ID})
	assert.Equal(t, errs.Forbidden, lastOf[ErrorPayload](t, c, OutError).Code)

	a.reset()
	h.emit(t, b, EvDeleteMessage, map[string]any{"messageId": keep.ID})
	require.Empty(t, b.events(OutError))
	del := lastOf[MessageDeletedPayload](t, b, OutMessageDeleted)
	assert.False(t, del.ForEveryone)
	assert.Empty(t, a.names(), "sender must not hear about a receiver-side delete")
	own := lastOf[model.StateSyncPayload](t, b, OutStateSync)
	assert.Equal(t, model.ReasonMessageDeleted, own.Reason)
	assert.Equal(t, 1, own.UnreadCounts[conv.ID])

	stored, err := h.st.GetMessage(ctx, keep.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRead, "hiding is not reading")
	assert.Nil(t, stored.ReadAt)
	assert.True(t, stored.DeletedByReceiver)

	forA, err := h.hub.Delivery().ListMessages(ctx, alice.Identity, conv.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, forA, 2)
	forB, err := h.hub.Delivery().ListMessages(ctx, bob.Identity, conv.ID, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, forB, 1)
	assert.Equal(t, gone.ID, forB[0].ID)
	// 隐藏的消息不计入未读，剩下的 gone 仍然未读
	assert.Equal(t, 1, h.conversation(t, alice.Identity, bob.Identity).UnreadFor(bob.Identity))

	h.emit(t, a, EvDeleteMessage, map[string]any{"messageId": gone.ID})
	require.Empty(t, a.events(OutError))
	assert.True(t, lastOf[MessageDeletedPayload](t, b, OutMessageDeleted).ForEveryone)
	_, err = h.st.GetMessage(ctx, gone.ID)
	assert.True(t, errs.IsNotFound(err))
	assert.Equal(t, 0, h.conversation(t, alice.Identity, bob.Identity).UnreadFor(bob.Identity))
	st := lastOf[model.StateSyncPayload](t, b, OutStateSync)
	assert.Equal(t, model.ReasonMessageDeleted, st.Reason)
	assert.Equal(t, 0, st.TotalUnread)
}

func TestMultiDeviceFanOut(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b1 := h.connect(t, "b1", bob)
	b2 := h.connect(t, "b2", bob)
	assert.Equal(t, 2, h.hub.Registry().Count(bob.Identity))

	h.sendText(t, a, bob.Identity, "hi")
	s1 := lastOf[model.StateSyncPayload](t, b1, OutStateSync)
	s2 := lastOf[model.StateSyncPayload](t, b2, OutStateSync)
	assert.Equal(t, s1, s2)
	assert.Equal(t, model.SyncMessageReceived, s1.Type)
}

func TestSendOrderIsCommitOrder(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	m1 := h.sendText(t, a, bob.Identity, "m1")
	m2 := h.sendText(t, a, bob.Identity, "m2")

	evs := b.events(OutNewMessage)
	require.Len(t, evs, 2)
	var first NewMessagePayload
	require.NoError(t, json.Unmarshal(evs[0], &first))
	assert.Equal(t, m1.ID, first.Message.ID)
	assert.Equal(t, m2.ID, lastOf[NewMessagePayload](t, b, OutNewMessage).Message.ID)
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)

	cases := []struct {
		name string
		data map[string]any
		code int
	}{
		{"unknown receiver", map[string]any{"receiverId": "404", "receiverKind": "client", "content": "x"}, errs.NotFound},
		{"self", map[string]any{"receiverId": alice.ID, "receiverKind": "personnel", "content": "x"}, errs.InvalidArgument},
		{"empty", map[string]any{"receiverId": bob.ID, "receiverKind": "client", "content": "  "}, errs.InvalidArgument},
		{"bad kind", map[string]any{"receiverId": bob.ID, "receiverKind": "robot", "content": "x"}, errs.InvalidArgument},
		{"bad type", map[string]any{"receiverId": bob.ID, "receiverKind": "client", "content": "x", "type": "sticker"}, errs.InvalidArgument},
		{"bad reply", map[string]any{"receiverId": bob.ID, "receiverKind": "client", "content": "x", "replyToId": "nope"}, errs.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a.reset()
			h.emit(t, a, EvSendMessage, tc.data)
			assert.Equal(t, tc.code, lastOf[ErrorPayload](t, a, OutError).Code)
			assert.Empty(t, a.events(OutNewMessage))
		})
	}

	// 数字 id 按字符串处理
	a.reset()
	h.emit(t, a, EvSendMessage, map[string]any{"receiverId": 2, "receiverKind": "client", "content": "numeric"})
	assert.Empty(t, a.events(OutError))
	assert.NotEmpty(t, a.events(OutNewMessage))
}

func TestHandlerErrorStaysOnOriginConnection(t *testing.T) {
	h := newHarness(t)
	a1 := h.connect(t, "a1", alice)
	a2 := h.connect(t, "a2", alice)

	h.emit(t, a1, "noSuchEvent", nil)
	e := lastOf[ErrorPayload](t, a1, OutError)
	assert.Equal(t, errs.InvalidArgument, e.Code)
	assert.Equal(t, "noSuchEvent", e.Event)
	assert.Empty(t, a2.events(OutError))

	h.hub.HandleFrame(context.Background(), a1, []byte("{not json"))
	assert.Len(t, a1.events(OutError), 2)

	h.emit(t, a1, EvPing, nil)
	assert.NotEmpty(t, a1.events(OutPong))
	assert.False(t, a1.isClosed())
}

func TestPanicIsReportedAsInternal(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	h.hub.disp.Register(Handler{Event: "boom", Fn: func(context.Context, Conn, json.RawMessage) ([]Effect, error) {
		panic("kaboom")
	}})

	h.emit(t, a, "boom", nil)
	e := lastOf[ErrorPayload](t, a, OutError)
	assert.Equal(t, errs.ServerInternalError, e.Code)
	assert.Equal(t, "internal error", e.Message)
}

func TestTypingReachesReceiverOnly(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	c := h.connect(t, "c1", carol)

	h.emit(t, a, EvTyping, map[string]any{"receiverId": bob.ID, "receiverKind": "client", "isTyping": true})
	tp := lastOf[TypingPayload](t, b, OutUserTyping)
	assert.Equal(t, alice.ID, tp.ID)
	assert.Equal(t, "Alice", tp.DisplayName)
	assert.True(t, tp.IsTyping)
	assert.Empty(t, c.events(OutUserTyping))
	assert.Empty(t, a.events(OutUserTyping))
}

func TestConversationClearedEchoesToRoom(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	h.sendText(t, a, bob.Identity, "hi")
	conv := h.conversation(t, alice.Identity, bob.Identity)

	h.emit(t, b, EvJoinConversation, map[string]any{"id": conv.ID})
	h.emit(t, a, EvConversationCleared, map[string]any{"conversationId": conv.ID})
	assert.NotEmpty(t, b.events(OutConversationCleared))
	assert.Empty(t, a.events(OutConversationCleared))

	h.emit(t, b, EvLeaveConversation, map[string]any{"id": conv.ID})
	b.reset()
	h.emit(t, a, EvConversationCleared, map[string]any{"conversationId": conv.ID})
	assert.Empty(t, b.events(OutConversationCleared))
}

func TestArchiveAndMuteAreOneSided(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	h.sendText(t, a, bob.Identity, "hi")
	conv := h.conversation(t, alice.Identity, bob.Identity)
	b.reset()

	h.emit(t, a, EvArchiveConversation, map[string]any{"id": conv.ID, "archived": true})
	h.emit(t, a, EvMuteConversation, map[string]any{"id": conv.ID, "muted": "true"})
	st := lastOf[model.StateSyncPayload](t, a, OutStateSync)
	require.Len(t, st.Conversations, 1)
	assert.True(t, st.Conversations[0].Archived)
	assert.True(t, st.Conversations[0].Muted)
	assert.Empty(t, b.events(OutStateSync))

	after := h.conversation(t, alice.Identity, bob.Identity)
	assert.False(t, after.ArchivedFor(bob.Identity))
}

func TestRequestStateSync(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	c := h.connect(t, "c1", carol)
	h.sendText(t, a, bob.Identity, "hi")
	conv := h.conversation(t, alice.Identity, bob.Identity)

	h.emit(t, a, EvRequestStateSync, map[string]any{"reason": "manual"})
	assert.Equal(t, model.SyncFull, lastOf[model.StateSyncPayload](t, a, OutStateSync).Type)

	b.reset()
	h.emit(t, a, EvRequestStateSync, map[string]any{"conversationId": conv.ID, "reason": "manual"})
	st := lastOf[model.StateSyncPayload](t, b, OutStateSync)
	assert.Equal(t, model.SyncConversationUpdate, st.Type)
	assert.Equal(t, "manual", st.Reason)

	h.emit(t, c, EvRequestStateSync, map[string]any{"conversationId": conv.ID})
	assert.Equal(t, errs.Forbidden, lastOf[ErrorPayload](t, c, OutError).Code)
}

func TestAdminEvents(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a1", alice)
	b := h.connect(t, "b1", bob)
	root := h.connect(t, "r1", admin)

	h.emit(t, a, EvAdminGetStats, nil)
	assert.Equal(t, errs.Forbidden, lastOf[ErrorPayload](t, a, OutError).Code)

	h.clock.Advance(90 * time.Second)
	h.emit(t, root, EvAdminGetStats, nil)
	st := lastOf[AdminStatsPayload](t, root, OutAdminStats)
	assert.Equal(t, 3, st.Connections)
	assert.Equal(t, 3, st.Identities)
	assert.Equal(t, int64(90), st.UptimeSeconds)

	h.emit(t, root, EvAdminBroadcast, map[string]any{"message": "maintenance at 18:00"})
	for _, c := range []*fakeConn{a, b, root} {
		bc := lastOf[BroadcastPayload](t, c, OutAdminBroadcast)
		assert.Equal(t, "info", bc.Level)
	}
}
