// Package mgo owns the chat store's Mongo connection.
//
// The driver reconnects on its own after a primary fail-over or a network
// blip, so the client handed out by DB is never replaced; the health loop
// only reports.
package mgo

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"VeChat/data/database/mgo/mongoutil"
	"VeChat/logger"
	"VeChat/service/metrics"
	"VeChat/tools/errs"
)

const (
	baseBackoff = 200 * time.Millisecond
	maxBackoff  = 5 * time.Second
	healthEvery = 10 * time.Second
	pingTimeout = 3 * time.Second
)

type Connector struct {
	client *mongo.Client
	db     *mongo.Database
	ping   func(ctx context.Context) error

	healthy atomic.Bool
	lastErr atomic.Value // error
}

// Dial 带退避重试直到首次连上；鉴权类错误立即返回
func Dial(ctx context.Context, cfg *mongoutil.Config) (*Connector, error) {
	for attempt := 0; ; attempt++ {
		cli, err := mongoutil.Open(ctx, cfg)
		if err == nil {
			logger.Infof("[mongo] connected database=%s", cfg.Database)
			c := newConnector(cli, cli.Database(cfg.Database), func(ctx context.Context) error {
				return cli.Ping(ctx, nil)
			})
			return c, nil
		}
		if !mongoutil.Retryable(err) {
			return nil, err
		}
		logger.Warnf("[mongo] connect attempt=%d err=%v", attempt, err)

		timer := time.NewTimer(backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.WrapMsg(ctx.Err(), "mongo dial cancelled", "last", err.Error())
		case <-timer.C:
		}
	}
}

func newConnector(cli *mongo.Client, db *mongo.Database, ping func(ctx context.Context) error) *Connector {
	c := &Connector{client: cli, db: db, ping: ping}
	c.healthy.Store(true)
	metrics.BackendUp.WithLabelValues("mongo").Set(1)
	return c
}

// backoff 指数退避，封顶后加 0~20% 抖动
func backoff(attempt int) time.Duration {
	if attempt > 5 {
		attempt = 5
	}
	d := baseBackoff << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	return d - time.Duration(rand.Int63n(int64(d/5)+1))
}

func (c *Connector) DB() *mongo.Database { return c.db }

func (c *Connector) Client() *mongo.Client { return c.client }

func (c *Connector) Healthy() bool { return c.healthy.Load() }

// Err 最近一次 ping 失败的原因
func (c *Connector) Err() error {
	if v := c.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// Watch 周期 ping，只记录状态变化，直到 ctx 结束
func (c *Connector) Watch(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = healthEvery
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.check(ctx)
		}
	}
}

func (c *Connector) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := c.ping(pctx)
	cancel()

	was := c.healthy.Load()
	if err != nil {
		c.lastErr.Store(err)
		c.healthy.Store(false)
		metrics.BackendUp.WithLabelValues("mongo").Set(0)
		if was {
			logger.Warnf("[mongo] ping failed, waiting for driver reconnect: %v", err)
		}
		return
	}
	c.healthy.Store(true)
	metrics.BackendUp.WithLabelValues("mongo").Set(1)
	if !was {
		logger.Infof("[mongo] reachable again")
	}
}

func (c *Connector) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Disconnect(ctx)
}
