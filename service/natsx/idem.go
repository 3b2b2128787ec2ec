package natsx

import (
	"context"
	"sync"
	"time"
)

// Dedup 记住最近见过的信封 id；服务器重连后可能重复投递
type Dedup struct {
	mu  sync.Mutex
	m   map[string]time.Time // id -> expire
	ttl time.Duration
	now func() time.Time
}

// NewDedup 清理协程随 ctx 结束
func NewDedup(ctx context.Context, ttl time.Duration) *Dedup {
	d := &Dedup{m: make(map[string]time.Time), ttl: ttl, now: time.Now}
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				d.purge()
			}
		}
	}()
	return d
}

func (d *Dedup) purge() {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, exp := range d.m {
		if !exp.After(now) {
			delete(d.m, k)
		}
	}
}

// Seen 第一次见到返回 false 并记下；空 id 不去重
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.m[id]; ok && exp.After(now) {
		return true
	}
	d.m[id] = now.Add(d.ttl)
	return false
}
