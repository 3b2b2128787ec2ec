package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemory() })
}

func TestMemoryPresence(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	a := model.NewIdentity("1", model.KindPersonnel)
	b := model.NewIdentity("2", model.KindClient)

	_, err := s.GetPresence(ctx, a)
	assert.True(t, errs.IsNotFound(err))

	now := time.Now()
	require.NoError(t, s.SavePresence(ctx, &model.PresenceRecord{Identity: a, Status: model.StatusBusy, LastSeen: now}))

	rec, err := s.GetPresence(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, model.StatusBusy, rec.Status)

	all, err := s.GetPresences(ctx, []model.Identity{a, b})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, a)
}

func TestMemoryDeleteRepointsLastMessage(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	a, b := uniquePair()
	first := newMsg(a, b, "one")
	second := newMsg(a, b, "two")
	_, err := s.AppendMessage(ctx, first)
	require.NoError(t, err)
	conv, err := s.AppendMessage(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, second.ID, conv.LastMessageID)

	_, err = s.DeleteMessage(ctx, second.ID)
	require.NoError(t, err)
	conv, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, conv.LastMessageID)

	_, err = s.DeleteMessage(ctx, second.ID)
	assert.True(t, errs.IsNotFound(err))
}
