package database

import "go.mongodb.org/mongo-driver/mongo"

// Table 持久化模型对外暴露的表名 / 集合名
type Table interface {
	GetTableName() string
}

func Collection(db *mongo.Database, t Table) *mongo.Collection {
	return db.Collection(t.GetTableName())
}
