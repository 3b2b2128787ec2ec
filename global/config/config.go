package config

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"VeChat/data/database/mgo/mongoutil"
	"VeChat/logger"
	"VeChat/service/kafka"
	mgoSrv "VeChat/service/mgo"
	"VeChat/service/nacos"
	"VeChat/service/natsx"
	redis "VeChat/service/storage/redis"
	"VeChat/tools/errs"
	"VeChat/tools/ids"
	"VeChat/tools/security"
)

var Global = Default()

// Init 读配置并完成不依赖外部服务的初始化
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	Global = cfg
	logger.SetLevel(Global.LogLevel)
	ConfigIds()
	return nil
}

func ConfigIds() {
	logger.Infof("配置id生成 node=%d", Global.NodeID)
	ids.SetNodeID(Global.NodeID)
}

func GetJwtSecret() []byte {
	return []byte(Global.JWT.Secret)
}

func JWTOptions() security.Options {
	opts := security.DefaultOptions(GetJwtSecret())
	if Global.JWT.Alg != "" {
		opts.Alg = Global.JWT.Alg
	}
	if Global.JWT.TTL > 0 {
		opts.TTL = Global.JWT.TTL
	}
	return opts
}

// ConfigRedis 未配置地址时返回 nil, nil
func ConfigRedis() (*goredis.Client, error) {
	if Global.Redis.Addr == "" {
		return nil, nil
	}
	rdb, err := redis.InitRedis(redis.Config{
		Addr:     Global.Redis.Addr,
		Password: Global.Redis.Password,
		DB:       Global.Redis.DB,
		PoolSize: Global.Redis.PoolSize,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "connect redis", "addr", Global.Redis.Addr)
	}
	logger.Infof("[redis] connected addr=%s", Global.Redis.Addr)
	return rdb, nil
}

// ConfigMgo 连接成功后启动健康上报；部署必须是副本集，消息写入用多文档事务
func ConfigMgo(ctx context.Context) (*mgoSrv.Connector, error) {
	cfg := &mongoutil.Config{
		Uri:         Global.Store.MongoURI,
		Database:    Global.Store.MongoDatabase,
		MaxPoolSize: 20,
	}
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	conn, err := mgoSrv.Dial(dialCtx, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "dial mongo")
	}
	ok, err := mongoutil.SupportsTransactions(dialCtx, conn.Client())
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	if !ok {
		_ = conn.Close(context.Background())
		return nil, errs.ErrArgs.WrapMsg("mongo store needs a replica set or sharded cluster", "uri", cfg.Uri)
	}
	go conn.Watch(ctx, 0)
	return conn, nil
}

func ConfigPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, Global.Store.PostgresURL)
	if err != nil {
		return nil, errs.WrapMsg(err, "open postgres pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "ping postgres")
	}
	return pool, nil
}

// ConfigNats 未配置 servers 时返回 nil, nil，房间帧只在本实例投递
func ConfigNats(ctx context.Context) (*natsx.RoomBus, error) {
	if len(Global.Nats.Servers) == 0 {
		return nil, nil
	}
	cli, err := natsx.Dial(natsx.Config{
		Servers:       Global.Nats.Servers,
		Name:          Global.NodeName,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "connect nats")
	}
	return natsx.NewRoomBus(ctx, cli, Global.NodeName), nil
}

// ConfigKafka 未配置 brokers 时返回 nil, nil
func ConfigKafka() (*kafka.EventLog, error) {
	if len(Global.Kafka.Brokers) == 0 {
		return nil, nil
	}
	c := kafka.DefaultConfig()
	c.Brokers = Global.Kafka.Brokers
	if Global.Kafka.Topic != "" {
		c.Topic = Global.Kafka.Topic
	}
	l, err := kafka.Dial(c, Global.NodeName)
	if err != nil {
		return nil, errs.WrapMsg(err, "dial kafka", "brokers", c.Brokers)
	}
	return l, nil
}

// Runtime nacos 上可以热更新的部分；未出现的字段保持零值，调用方只采用非零项
type Runtime struct {
	LogLevel       string         `yaml:"logLevel"`
	AllowedOrigins []string       `yaml:"allowedOrigins"`
	Registry       RegistryConfig `yaml:"registry"`
}

func ParseRuntime(content string) (Runtime, error) {
	var rt Runtime
	if err := yaml.Unmarshal([]byte(content), &rt); err != nil {
		return Runtime{}, errs.ErrArgs.WrapMsg("parse runtime config: " + err.Error())
	}
	return rt, nil
}

// ConfigNacos 监听远程配置，变更时调 apply；未配置 host 时什么都不做
func ConfigNacos(ctx context.Context, apply func(Runtime)) error {
	if Global.Nacos.Host == "" {
		return nil
	}
	client, err := nacos.NewConfigClient(nacos.Config{Host: Global.Nacos.Host, Port: Global.Nacos.Port})
	if err != nil {
		return errs.WrapMsg(err, "nacos config client", "host", Global.Nacos.Host)
	}
	return nacos.Watch(ctx, client, Global.Nacos.DataID, Global.Nacos.Group, func(content string) {
		rt, err := ParseRuntime(content)
		if err != nil {
			logger.Warnf("[nacos] ignore bad config: %v", err)
			return
		}
		if rt.LogLevel != "" {
			logger.SetLevel(rt.LogLevel)
		}
		if apply != nil {
			apply(rt)
		}
	})
}

// RegisterNacos 把本实例登记为 ws 服务；未配置 host 时返回 nil, nil
func RegisterNacos(ip string) (*nacos.Registry, error) {
	if Global.Nacos.Host == "" {
		return nil, nil
	}
	client, err := nacos.NewNamingClient(nacos.Config{Host: Global.Nacos.Host, Port: Global.Nacos.Port})
	if err != nil {
		return nil, errs.WrapMsg(err, "nacos naming client", "host", Global.Nacos.Host)
	}
	reg := nacos.NewRegistry(client, "vechat", ip, uint64(Global.Port)).WithGrpcPort(Global.GrpcPort)
	if err := reg.Register(); err != nil {
		return nil, err
	}
	return reg, nil
}
