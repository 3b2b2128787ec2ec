package mongoutil

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"VeChat/tools/errs"
)

// Open 连接并 ping 一次；失败时连接已释放
func Open(ctx context.Context, cfg *Config) (*mongo.Client, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	opts := options.Client().ApplyURI(cfg.Uri).
		SetAppName("VeChat").
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetConnectTimeout(cfg.ConnectTimeout)

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	cli, err := mongo.Connect(cctx, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "mongo connect", "database", cfg.Database)
	}
	if err := cli.Ping(cctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errs.WrapMsg(err, "mongo ping", "database", cfg.Database)
	}
	return cli, nil
}

// Retryable 认证失败(18)与无权限(13)重连也没用
func Retryable(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code != 13 && cmdErr.Code != 18
	}
	return !errors.Is(err, context.Canceled)
}

// SupportsTransactions 单机 mongod 不支持多文档事务，消息写入依赖它
func SupportsTransactions(ctx context.Context, cli *mongo.Client) (bool, error) {
	var hello struct {
		SetName string `bson:"setName"`
		Msg     string `bson:"msg"`
	}
	err := cli.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello)
	if err != nil {
		return false, errs.WrapMsg(err, "mongo hello")
	}
	return hello.SetName != "" || hello.Msg == "isdbgrid", nil
}
