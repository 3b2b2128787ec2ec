package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"VeChat/tools/errs"
)

// 存储后端
const (
	StoreMemory   = "memory"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

type AppConfig struct {
	NodeID   int64  `yaml:"nodeId"`   // 雪花节点号
	NodeName string `yaml:"nodeName"` // 跨实例广播时的来源标识；为空则取 主机名-节点号
	Port     int    `yaml:"port"`     // http 启动端口
	MaxConns int    `yaml:"maxConns"` // http 同时打开的连接上限，0 不限
	GrpcPort int    `yaml:"grpcPort"` // grpc 健康检查端口
	LogLevel string `yaml:"logLevel"`

	AllowedOrigins []string `yaml:"allowedOrigins"` // 为空则不校验 Origin

	JWT      JWTConfig      `yaml:"jwt"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Nats     NatsConfig     `yaml:"nats"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Nacos    NacosConfig    `yaml:"nacos"`
	Registry RegistryConfig `yaml:"registry"`
}

type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Alg    string        `yaml:"alg"`
	TTL    time.Duration `yaml:"ttl"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // memory | mongo | postgres
	MongoURI      string `yaml:"mongoUri"`
	MongoDatabase string `yaml:"mongoDatabase"`
	PostgresURL   string `yaml:"postgresUrl"`
}

// RedisConfig Addr 为空时在线状态与通讯录都走内存
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

type NatsConfig struct {
	Servers []string `yaml:"servers"` // 为空则不做跨实例转发
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // 为空则不写事件日志
	Topic   string   `yaml:"topic"`
}

type NacosConfig struct {
	Host   string `yaml:"host"` // 为空则不监听远程配置
	Port   uint64 `yaml:"port"`
	DataID string `yaml:"dataId"`
	Group  string `yaml:"group"`
}

// RegistryConfig 连接表的清扫参数
type RegistryConfig struct {
	StaleAfter     time.Duration `yaml:"staleAfter"`
	SweepEvery     time.Duration `yaml:"sweepEvery"`
	MaxPerIdentity int           `yaml:"maxPerIdentity"`
	SendQueue      int           `yaml:"sendQueue"`
}

func Default() AppConfig {
	return AppConfig{
		NodeID:   1,
		Port:     8080,
		GrpcPort: 50051,
		LogLevel: "info",
		JWT:      JWTConfig{Alg: "HS256", TTL: 2 * time.Hour},
		Store:    StoreConfig{Driver: StoreMemory, MongoDatabase: "vechat"},
		Redis:    RedisConfig{PoolSize: 20},
		Kafka:    KafkaConfig{Topic: "vechat-events"},
		Nacos:    NacosConfig{Port: 8848, DataID: "vechat.yaml", Group: "DEFAULT_GROUP"},
		Registry: RegistryConfig{
			StaleAfter: 5 * time.Minute,
			SweepEvery: 10 * time.Minute,
			SendQueue:  256,
		},
	}
}

// Load 读取 yaml（path 为空则只用默认值），再叠加 VECHAT_* 环境变量
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, errs.WrapMsg(err, "read config", "path", path)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, errs.ErrArgs.WrapMsg("parse config: "+err.Error(), "path", path)
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	cfg.fillNodeName(os.Hostname)
	return cfg, cfg.Validate()
}

// fillNodeName 同机多实例靠节点号区分
func (c *AppConfig) fillNodeName(hostname func() (string, error)) {
	if c.NodeName != "" {
		return
	}
	host, err := hostname()
	if err != nil || host == "" {
		host = "vechat"
	}
	c.NodeName = host + "-" + strconv.FormatInt(c.NodeID, 10)
}

func (c AppConfig) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreMongo:
		if c.Store.MongoURI == "" {
			return errs.ErrArgs.WrapMsg("store.mongoUri is required for the mongo driver")
		}
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			return errs.ErrArgs.WrapMsg("store.postgresUrl is required for the postgres driver")
		}
	default:
		return errs.ErrArgs.WrapMsg("unknown store driver", "driver", c.Store.Driver)
	}
	if c.JWT.Secret == "" {
		return errs.ErrArgs.WrapMsg("jwt.secret is required")
	}
	if c.Port <= 0 {
		return errs.ErrArgs.WrapMsg("port must be positive", "port", c.Port)
	}
	if c.MaxConns < 0 {
		return errs.ErrArgs.WrapMsg("maxConns must not be negative", "maxConns", c.MaxConns)
	}
	return nil
}

// applyEnv 只覆盖部署时常改的几项
func applyEnv(c *AppConfig, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = splitList(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	if v, ok := lookup("VECHAT_NODE_ID"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.NodeID = n
		}
	}
	str("VECHAT_NODE_NAME", &c.NodeName)
	num("VECHAT_PORT", &c.Port)
	num("VECHAT_GRPC_PORT", &c.GrpcPort)
	num("VECHAT_MAX_CONNS", &c.MaxConns)
	str("VECHAT_LOG_LEVEL", &c.LogLevel)
	list("VECHAT_ALLOWED_ORIGINS", &c.AllowedOrigins)
	str("VECHAT_JWT_SECRET", &c.JWT.Secret)
	str("VECHAT_STORE_DRIVER", &c.Store.Driver)
	str("VECHAT_MONGO_URI", &c.Store.MongoURI)
	str("VECHAT_MONGO_DATABASE", &c.Store.MongoDatabase)
	str("VECHAT_POSTGRES_URL", &c.Store.PostgresURL)
	str("VECHAT_REDIS_ADDR", &c.Redis.Addr)
	str("VECHAT_REDIS_PASSWORD", &c.Redis.Password)
	list("VECHAT_NATS_SERVERS", &c.Nats.Servers)
	list("VECHAT_KAFKA_BROKERS", &c.Kafka.Brokers)
	str("VECHAT_NACOS_HOST", &c.Nacos.Host)
	dur("VECHAT_STALE_AFTER", &c.Registry.StaleAfter)
	dur("VECHAT_SWEEP_EVERY", &c.Registry.SweepEvery)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
