package mongoutil

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"VeChat/tools/errs"
)

const (
	defaultPoolSize       = 100
	defaultConnectTimeout = 10 * time.Second
)

// Config 聊天库连接参数；Uri 与 Address 二选一，Uri 优先
type Config struct {
	Uri            string
	Address        []string
	Database       string
	Username       string
	Password       string
	AuthSource     string
	ReplicaSet     string // 事务要求副本集或分片集群
	MaxPoolSize    int
	ConnectTimeout time.Duration
}

// Normalize 补默认值；只给了 Address 时拼出 Uri
func (c *Config) Normalize() error {
	if c.Database == "" {
		return errs.ErrArgs.WrapMsg("mongo database is required")
	}
	if c.Uri == "" && len(c.Address) == 0 {
		return errs.ErrArgs.WrapMsg("mongo uri or address is required")
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = defaultPoolSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Uri == "" {
		c.Uri = c.uri()
	}
	return nil
}

func (c *Config) uri() string {
	u := url.URL{Scheme: "mongodb", Host: strings.Join(c.Address, ","), Path: "/" + c.Database}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	q := url.Values{}
	src := c.AuthSource
	if src == "" {
		src = c.Database
	}
	q.Set("authSource", src)
	q.Set("maxPoolSize", strconv.Itoa(c.MaxPoolSize))
	if c.ReplicaSet != "" {
		q.Set("replicaSet", c.ReplicaSet)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
