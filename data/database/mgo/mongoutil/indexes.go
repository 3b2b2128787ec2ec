package mongoutil

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"VeChat/data/database"
	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

// IndexSpec 一个集合上要建的索引
type IndexSpec struct {
	Table  database.Table
	Models []mongo.IndexModel
}

func participant(prefix string) bson.D {
	return bson.D{{Key: prefix + ".id", Value: 1}, {Key: prefix + ".kind", Value: 1}}
}

// ChatIndexes pair_key 唯一索引保证并发 upsert 只产生一条会话
func ChatIndexes() []IndexSpec {
	return []IndexSpec{
		{Table: &model.Conversation{}, Models: []mongo.IndexModel{
			{Keys: bson.D{{Key: model.ConversationFieldPairKey, Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: participant(model.ConversationFieldP1)},
			{Keys: participant(model.ConversationFieldP2)},
		}},
		{Table: &model.Message{}, Models: []mongo.IndexModel{
			{Keys: bson.D{{Key: model.MessageFieldConversationID, Value: 1}, {Key: model.MessageFieldCreatedAt, Value: -1}}},
			{Keys: append(bson.D{{Key: model.MessageFieldConversationID, Value: 1}},
				append(participant(model.MessageFieldReceiver), bson.E{Key: model.MessageFieldIsRead, Value: 1})...)},
			{Keys: participant(model.MessageFieldSender)},
		}},
	}
}

// EnsureIndexes 幂等，启动时调用
func EnsureIndexes(ctx context.Context, db *mongo.Database, specs []IndexSpec) error {
	for _, spec := range specs {
		if len(spec.Models) == 0 {
			continue
		}
		name := spec.Table.GetTableName()
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, spec.Models); err != nil {
			return errs.WrapMsg(err, "create indexes", "collection", name)
		}
	}
	return nil
}
