package nacos

import (
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"VeChat/tools/errs"
)

// Config nacos 服务端与客户端参数
type Config struct {
	Host      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
	LogLevel  string
	TimeoutMs uint64
}

func (c *Config) norm() {
	if c.Port == 0 {
		c.Port = 8848
	}
	if c.Namespace == "" {
		c.Namespace = "public"
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = 5000
	}
}

func NewConfigClient(c Config) (config_client.IConfigClient, error) {
	param, err := clientParam(c)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewConfigClient(param)
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos config client", "host", c.Host)
	}
	return cli, nil
}

func NewNamingClient(c Config) (naming_client.INamingClient, error) {
	param, err := clientParam(c)
	if err != nil {
		return nil, err
	}
	cli, err := clients.NewNamingClient(param)
	if err != nil {
		return nil, errs.WrapMsg(err, "create nacos naming client", "host", c.Host)
	}
	return cli, nil
}

func clientParam(c Config) (vo.NacosClientParam, error) {
	if c.Host == "" {
		return vo.NacosClientParam{}, errs.ErrArgs.WrapMsg("nacos host is required")
	}
	c.norm()
	opts := []constant.ClientOption{
		constant.WithNamespaceId(c.Namespace),
		constant.WithTimeoutMs(c.TimeoutMs),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel(c.LogLevel),
		constant.WithCacheDir("nacos/cache"),
		constant.WithLogDir("nacos/log"),
	}
	if c.Username != "" {
		opts = append(opts, constant.WithUsername(c.Username), constant.WithPassword(c.Password))
	}
	return vo.NacosClientParam{
		ClientConfig:  constant.NewClientConfig(opts...),
		ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(c.Host, c.Port)},
	}, nil
}
