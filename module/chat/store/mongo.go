package store

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"VeChat/data/database"
	"VeChat/data/database/mgo/mongoutil"
	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

// recompute 乐观锁冲突时的最大重试次数
const recomputeRetries = 16

// Mongo 需要副本集：写消息与清空会话都是多文档事务
type Mongo struct {
	db           *mongo.Database
	convColl     *mongo.Collection
	msgColl      *mongo.Collection
	settingsColl *mongo.Collection
	now          func() time.Time
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		db:           db,
		convColl:     database.Collection(db, &model.Conversation{}),
		msgColl:      database.Collection(db, &model.Message{}),
		settingsColl: database.Collection(db, &model.UserSettings{}),
		now:          time.Now,
	}
}

var (
	_ Store         = (*Mongo)(nil)
	_ SettingsStore = (*Mongo)(nil)
)

// EnsureIndexes 启动时调用一次
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	return mongoutil.EnsureIndexes(ctx, s.db, mongoutil.ChatIndexes())
}

// inTx 事务冲突(TransientTransactionError)由驱动整体重跑 fn
func (s *Mongo) inTx(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

func identityFilter(prefix string, id model.Identity) bson.M {
	return bson.M{prefix + ".id": id.ID, prefix + ".kind": id.Kind}
}

func merge(ms ...bson.M) bson.M {
	out := bson.M{}
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func internal(err error, msg string, kv ...any) error {
	return errs.ErrInternal.WrapMsg(msg+": "+err.Error(), kv...)
}

func (s *Mongo) upsertConversation(ctx context.Context, pair model.Pair, now time.Time) (*model.Conversation, error) {
	filter := bson.M{model.ConversationFieldPairKey: pair.Key()}
	update := bson.M{"$setOnInsert": bson.M{
		model.ConversationFieldID:        uuid.NewString(),
		model.ConversationFieldP1:        pair.P1,
		model.ConversationFieldP2:        pair.P2,
		model.ConversationFieldArchived1: false,
		model.ConversationFieldArchived2: false,
		model.ConversationFieldMuted1:    false,
		model.ConversationFieldMuted2:    false,
		model.ConversationFieldUnread1:   0,
		model.ConversationFieldUnread2:   0,
		model.ConversationFieldVersion:   int64(0),
		model.ConversationFieldCreatedAt: now,
		model.ConversationFieldUpdatedAt: now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var out model.Conversation
	err := s.convColl.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
	if mongo.IsDuplicateKeyError(err) {
		// 并发 upsert 撞唯一索引，另一方已建好，重试一次即可读到
		err = s.convColl.FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
	}
	if err != nil {
		return nil, internal(err, "upsert conversation", "pair", pair.Key())
	}
	return &out, nil
}

// AppendMessage 插入与计数自增在同一事务里提交，重算不会看到只完成一半的写入
func (s *Mongo) AppendMessage(ctx context.Context, msg *model.Message) (*model.Conversation, error) {
	now := s.now()
	pair := msg.Pair()
	conv, err := s.upsertConversation(ctx, pair, now)
	if err != nil {
		return nil, err
	}

	msg.ConversationID = conv.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = msg.CreatedAt

	var out model.Conversation
	err = s.inTx(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.msgColl.InsertOne(sc, msg); err != nil {
			return err
		}
		return s.convColl.FindOneAndUpdate(sc,
			bson.M{model.ConversationFieldID: conv.ID},
			bson.M{
				"$inc": bson.M{
					model.UnreadField(pair.SlotOf(msg.Receiver)): 1,
					model.ConversationFieldVersion:               1,
				},
				"$set": bson.M{
					model.ConversationFieldLastMessageID: msg.ID,
					model.ConversationFieldLastMessageAt: msg.CreatedAt,
					model.ConversationFieldUpdatedAt:     now,
				},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&out)
	})
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WrapMsg("conversation deleted while sending", "id", conv.ID)
	}
	if err != nil {
		return nil, internal(err, "append message", "id", msg.ID)
	}
	return &out, nil
}

func (s *Mongo) EnsureConversation(ctx context.Context, pair model.Pair) (*model.Conversation, bool, error) {
	c, err := s.FindConversation(ctx, pair)
	if err == nil {
		return c, false, nil
	}
	if !errs.IsNotFound(err) {
		return nil, false, err
	}
	now := s.now()
	c, err = s.upsertConversation(ctx, pair, now)
	if err != nil {
		return nil, false, err
	}
	// 并发创建时只有写入 created_at 的那一方算新建
	return c, c.CreatedAt.Equal(now.Truncate(time.Millisecond)), nil
}

func (s *Mongo) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.msgColl.FindOne(ctx, bson.M{model.MessageFieldID: id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	if err != nil {
		return nil, internal(err, "find message", "id", id)
	}
	return &m, nil
}

func (s *Mongo) findMessages(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]*model.Message, error) {
	cur, err := s.msgColl.Find(ctx, filter, opts...)
	if err != nil {
		return nil, internal(err, "find messages")
	}
	var out []*model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, internal(err, "decode messages")
	}
	return out, nil
}

func (s *Mongo) GetMessages(ctx context.Context, msgIDs []string) ([]*model.Message, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	return s.findMessages(ctx, bson.M{model.MessageFieldID: bson.M{"$in": msgIDs}})
}

func (s *Mongo) EditMessage(ctx context.Context, id, content string, at time.Time) (*model.Message, error) {
	// 管道更新：$ifNull 只在第一次编辑时快照原文，整个更新是单文档原子操作
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			model.MessageFieldOriginalContent: bson.M{"$ifNull": bson.A{"$" + model.MessageFieldOriginalContent, "$" + model.MessageFieldContent}},
			model.MessageFieldContent:         bson.M{"$literal": content},
			model.MessageFieldEdited:          true,
			model.MessageFieldEditedAt:        at,
			model.MessageFieldUpdatedAt:       at,
		}}},
	}
	var m model.Message
	err := s.msgColl.FindOneAndUpdate(ctx, bson.M{model.MessageFieldID: id}, pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	if err != nil {
		return nil, internal(err, "edit message", "id", id)
	}
	return &m, nil
}

func (s *Mongo) DeleteMessage(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.msgColl.FindOneAndDelete(ctx, bson.M{model.MessageFieldID: id}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	if err != nil {
		return nil, internal(err, "delete message", "id", id)
	}

	set := bson.M{model.ConversationFieldUpdatedAt: s.now()}
	var last model.Message
	err = s.msgColl.FindOne(ctx,
		bson.M{model.MessageFieldConversationID: m.ConversationID},
		options.FindOne().SetSort(bson.D{{Key: model.MessageFieldCreatedAt, Value: -1}, {Key: model.MessageFieldID, Value: -1}}),
	).Decode(&last)
	update := bson.M{"$set": set}
	switch {
	case err == mongo.ErrNoDocuments:
		update["$unset"] = bson.M{model.ConversationFieldLastMessageID: "", model.ConversationFieldLastMessageAt: ""}
	case err != nil:
		return nil, internal(err, "find last message", "conversation", m.ConversationID)
	default:
		set[model.ConversationFieldLastMessageID] = last.ID
		set[model.ConversationFieldLastMessageAt] = last.CreatedAt
	}
	_, err = s.convColl.UpdateOne(ctx, bson.M{
		model.ConversationFieldID:            m.ConversationID,
		model.ConversationFieldLastMessageID: id,
	}, update)
	if err != nil {
		return nil, internal(err, "repoint last message", "conversation", m.ConversationID)
	}
	return &m, nil
}

func (s *Mongo) HideForReceiver(ctx context.Context, id string) (*model.Message, error) {
	var m model.Message
	err := s.msgColl.FindOneAndUpdate(ctx,
		bson.M{model.MessageFieldID: id},
		bson.M{"$set": bson.M{model.MessageFieldDeletedByReceiver: true, model.MessageFieldUpdatedAt: s.now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "id", id)
	}
	if err != nil {
		return nil, internal(err, "hide message", "id", id)
	}
	return &m, nil
}

func (s *Mongo) MarkRead(ctx context.Context, reader model.Identity, msgIDs []string, at time.Time) ([]*model.Message, int, error) {
	if len(msgIDs) == 0 {
		return nil, 0, nil
	}
	owned := merge(bson.M{model.MessageFieldID: bson.M{"$in": msgIDs}}, identityFilter(model.MessageFieldReceiver, reader))
	res, err := s.msgColl.UpdateMany(ctx,
		merge(owned, bson.M{model.MessageFieldIsRead: false}),
		bson.M{"$set": bson.M{
			model.MessageFieldIsRead:    true,
			model.MessageFieldReadAt:    at,
			model.MessageFieldUpdatedAt: at,
		}},
	)
	if err != nil {
		return nil, 0, internal(err, "mark read")
	}
	touched, err := s.findMessages(ctx, owned)
	if err != nil {
		return nil, 0, err
	}
	return touched, int(res.ModifiedCount), nil
}

// unreadFilter 接收方隐藏的消息不算未读
func unreadFilter(convID string, receiver model.Identity) bson.M {
	return merge(
		bson.M{
			model.MessageFieldConversationID:    convID,
			model.MessageFieldIsRead:            false,
			model.MessageFieldDeletedByReceiver: bson.M{"$ne": true},
		},
		identityFilter(model.MessageFieldReceiver, receiver),
	)
}

func hiddenFrom(viewer model.Identity) bson.M {
	return bson.M{"$nor": bson.A{merge(identityFilter(model.MessageFieldReceiver, viewer), bson.M{model.MessageFieldDeletedByReceiver: true})}}
}

func (s *Mongo) UnreadFor(ctx context.Context, conversationID string, receiver model.Identity) ([]*model.Message, error) {
	return s.findMessages(ctx, unreadFilter(conversationID, receiver),
		options.Find().SetSort(bson.D{{Key: model.MessageFieldCreatedAt, Value: 1}}))
}

func (s *Mongo) ListMessages(ctx context.Context, conversationID string, viewer model.Identity, before time.Time, limit int) ([]*model.Message, error) {
	filter := merge(bson.M{model.MessageFieldConversationID: conversationID}, hiddenFrom(viewer))
	if !before.IsZero() {
		filter[model.MessageFieldCreatedAt] = bson.M{"$lt": before}
	}
	out, err := s.findMessages(ctx, filter, options.Find().
		SetSort(bson.D{{Key: model.MessageFieldCreatedAt, Value: -1}, {Key: model.MessageFieldID, Value: -1}}).
		SetLimit(int64(pageSize(limit))))
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Mongo) SearchMessages(ctx context.Context, conversationID string, viewer model.Identity, query string, offset, limit int) ([]*model.Message, error) {
	filter := merge(
		bson.M{
			model.MessageFieldConversationID: conversationID,
			model.MessageFieldContent:        bson.M{"$regex": regexp.QuoteMeta(query), "$options": "i"},
		},
		hiddenFrom(viewer),
	)
	opts := options.Find().
		SetSort(bson.D{{Key: model.MessageFieldCreatedAt, Value: -1}, {Key: model.MessageFieldID, Value: -1}}).
		SetLimit(int64(searchPage(limit)))
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	return s.findMessages(ctx, filter, opts)
}

func (s *Mongo) ClearMessages(ctx context.Context, conversationID string) (*model.Conversation, int, error) {
	var (
		out     model.Conversation
		removed int64
	)
	err := s.inTx(ctx, func(sc mongo.SessionContext) error {
		res, err := s.msgColl.DeleteMany(sc, bson.M{model.MessageFieldConversationID: conversationID})
		if err != nil {
			return err
		}
		removed = res.DeletedCount
		return s.convColl.FindOneAndUpdate(sc,
			bson.M{model.ConversationFieldID: conversationID},
			bson.M{
				"$set": bson.M{
					model.ConversationFieldUnread1:   0,
					model.ConversationFieldUnread2:   0,
					model.ConversationFieldUpdatedAt: s.now(),
				},
				"$unset": bson.M{model.ConversationFieldLastMessageID: "", model.ConversationFieldLastMessageAt: ""},
				"$inc":   bson.M{model.ConversationFieldVersion: 1},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&out)
	})
	if err == mongo.ErrNoDocuments {
		return nil, 0, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	if err != nil {
		return nil, 0, internal(err, "clear conversation", "id", conversationID)
	}
	return &out, int(removed), nil
}

func (s *Mongo) DeleteConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var out model.Conversation
	err := s.inTx(ctx, func(sc mongo.SessionContext) error {
		if err := s.convColl.FindOneAndDelete(sc, bson.M{model.ConversationFieldID: conversationID}).Decode(&out); err != nil {
			return err
		}
		_, err := s.msgColl.DeleteMany(sc, bson.M{model.MessageFieldConversationID: conversationID})
		return err
	})
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", conversationID)
	}
	if err != nil {
		return nil, internal(err, "delete conversation", "id", conversationID)
	}
	return &out, nil
}

func (s *Mongo) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.convColl.FindOne(ctx, bson.M{model.ConversationFieldID: id}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "id", id)
	}
	if err != nil {
		return nil, internal(err, "find conversation", "id", id)
	}
	return &c, nil
}

func (s *Mongo) FindConversation(ctx context.Context, pair model.Pair) (*model.Conversation, error) {
	var c model.Conversation
	err := s.convColl.FindOne(ctx, bson.M{model.ConversationFieldPairKey: pair.Key()}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "pair", pair.Key())
	}
	if err != nil {
		return nil, internal(err, "find conversation", "pair", pair.Key())
	}
	return &c, nil
}

func (s *Mongo) ListConversations(ctx context.Context, who model.Identity) ([]*model.Conversation, error) {
	cur, err := s.convColl.Find(ctx,
		bson.M{"$or": bson.A{
			identityFilter(model.ConversationFieldP1, who),
			identityFilter(model.ConversationFieldP2, who),
		}},
		options.Find().SetSort(bson.D{{Key: model.ConversationFieldLastMessageAt, Value: -1}}),
	)
	if err != nil {
		return nil, internal(err, "list conversations", "identity", who.Key())
	}
	var out []*model.Conversation
	if err := cur.All(ctx, &out); err != nil {
		return nil, internal(err, "decode conversations")
	}
	SortByActivity(out)
	return out, nil
}

func (s *Mongo) countUnread(ctx context.Context, convID string, receiver, sender model.Identity) (int, error) {
	n, err := s.msgColl.CountDocuments(ctx, merge(
		unreadFilter(convID, receiver),
		identityFilter(model.MessageFieldSender, sender),
	))
	if err != nil {
		return 0, internal(err, "count unread", "conversation", convID)
	}
	return int(n), nil
}

// RecomputeUnread 先数后写，写入以 version 为条件；期间有并发 $inc 则重读重数
func (s *Mongo) RecomputeUnread(ctx context.Context, conversationID string) (*model.Conversation, bool, error) {
	for attempt := 0; attempt < recomputeRetries; attempt++ {
		c, err := s.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, false, err
		}
		n1, err := s.countUnread(ctx, c.ID, c.Participant1, c.Participant2)
		if err != nil {
			return nil, false, err
		}
		n2, err := s.countUnread(ctx, c.ID, c.Participant2, c.Participant1)
		if err != nil {
			return nil, false, err
		}
		if n1 == c.UnreadCount1 && n2 == c.UnreadCount2 {
			return c, false, nil
		}

		var out model.Conversation
		err = s.convColl.FindOneAndUpdate(ctx,
			bson.M{model.ConversationFieldID: c.ID, model.ConversationFieldVersion: c.Version},
			bson.M{
				"$set": bson.M{
					model.ConversationFieldUnread1:   n1,
					model.ConversationFieldUnread2:   n2,
					model.ConversationFieldUpdatedAt: s.now(),
				},
				"$inc": bson.M{model.ConversationFieldVersion: 1},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&out)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			return nil, false, internal(err, "write unread counters", "conversation", c.ID)
		}
		return &out, true, nil
	}
	return nil, false, errs.ErrInternal.WrapMsg("recompute contention", "conversation", conversationID)
}

func (s *Mongo) SetFlag(ctx context.Context, conversationID string, who model.Identity, flag model.ConversationFlag, v bool) (*model.Conversation, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	field := model.FlagField(flag, c.SlotOf(who))
	if field == "" {
		return nil, errs.ErrForbidden.WrapMsg("not a participant", "conversation", conversationID)
	}
	var out model.Conversation
	err = s.convColl.FindOneAndUpdate(ctx,
		bson.M{model.ConversationFieldID: conversationID},
		bson.M{"$set": bson.M{field: v, model.ConversationFieldUpdatedAt: s.now()}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if err != nil {
		return nil, internal(err, "set conversation flag", "conversation", conversationID)
	}
	return &out, nil
}

func (s *Mongo) Stats(ctx context.Context, who model.Identity) (model.Stats, error) {
	var st model.Stats
	sent, err := s.msgColl.CountDocuments(ctx, identityFilter(model.MessageFieldSender, who))
	if err != nil {
		return st, internal(err, "count sent")
	}
	received, err := s.msgColl.CountDocuments(ctx, identityFilter(model.MessageFieldReceiver, who))
	if err != nil {
		return st, internal(err, "count received")
	}
	convs, err := s.ListConversations(ctx, who)
	if err != nil {
		return st, err
	}
	st.Sent, st.Received, st.Conversations = int(sent), int(received), len(convs)
	for _, c := range convs {
		st.Unread += c.UnreadFor(who)
	}
	return st, nil
}

func (s *Mongo) GetSettings(ctx context.Context, id model.Identity) (*model.UserSettings, error) {
	var st model.UserSettings
	err := s.settingsColl.FindOne(ctx, bson.M{"_id": id.Key()}).Decode(&st)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound.WrapMsg("settings not found", "identity", id.Key())
	}
	if err != nil {
		return nil, internal(err, "find settings", "identity", id.Key())
	}
	return &st, nil
}

func (s *Mongo) SaveSettings(ctx context.Context, st *model.UserSettings) error {
	if st == nil {
		return errs.ErrArgs.WrapMsg("settings required")
	}
	_, err := s.settingsColl.ReplaceOne(ctx, bson.M{"_id": st.Identity.Key()}, st, options.Replace().SetUpsert(true))
	if err != nil {
		return internal(err, "save settings", "identity", st.Identity.Key())
	}
	return nil
}
