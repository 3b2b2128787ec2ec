// Package directory resolves identities to display information.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

type Directory interface {
	Lookup(ctx context.Context, id model.Identity) (*model.Contact, error)
}

// Recorder 可以记住连上来的身份；令牌里带的名字比没有强
type Recorder interface {
	Remember(ctx context.Context, c model.Contact) error
}

// Lister 按类别列出联系人，query 对名字和 id 做不区分大小写的包含匹配
type Lister interface {
	Contacts(ctx context.Context, kind model.Kind, query string, limit int) ([]model.Contact, error)
}

func matches(c model.Contact, q string) bool {
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(c.DisplayName), q) || strings.Contains(strings.ToLower(c.ID), q)
}

// sortContacts 名字优先，其次 id，结果稳定
func sortContacts(list []model.Contact, limit int) []model.Contact {
	sort.Slice(list, func(i, j int) bool {
		a, b := strings.ToLower(list[i].DisplayName), strings.ToLower(list[j].DisplayName)
		if a != b {
			return a < b
		}
		return list[i].ID < list[j].ID
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

// Memory 进程内目录，测试和单机部署使用
type Memory struct {
	mu sync.RWMutex
	m  map[model.Identity]model.Contact
}

func NewMemory(contacts ...model.Contact) *Memory {
	d := &Memory{m: make(map[model.Identity]model.Contact, len(contacts))}
	for _, c := range contacts {
		d.m[c.Identity] = c
	}
	return d
}

func (d *Memory) Put(c model.Contact) {
	d.mu.Lock()
	d.m[c.Identity] = c
	d.mu.Unlock()
}

func (d *Memory) Remember(_ context.Context, c model.Contact) error {
	d.Put(c)
	return nil
}

func (d *Memory) Lookup(_ context.Context, id model.Identity) (*model.Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.m[id]
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("identity not in directory", "identity", id.Key())
	}
	return &c, nil
}

func (d *Memory) Contacts(_ context.Context, kind model.Kind, query string, limit int) ([]model.Contact, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	d.mu.RLock()
	out := make([]model.Contact, 0, len(d.m))
	for id, c := range d.m {
		if id.Kind == kind && matches(c, q) {
			out = append(out, c)
		}
	}
	d.mu.RUnlock()
	return sortContacts(out, limit), nil
}

// Redis 目录存在 hash 中：vechat:dir:<kind>:<id> -> {name, avatar}
// 由 ERP 侧的用户同步写入，这里只读，Put 供初始化与测试使用
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedis(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb, prefix: "vechat:dir:"}
}

func (d *Redis) key(id model.Identity) string { return d.prefix + id.Key() }

func (d *Redis) Put(ctx context.Context, c model.Contact) error {
	return d.rdb.HSet(ctx, d.key(c.Identity), "name", c.DisplayName, "avatar", c.Avatar).Err()
}

func (d *Redis) Lookup(ctx context.Context, id model.Identity) (*model.Contact, error) {
	vals, err := d.rdb.HGetAll(ctx, d.key(id)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(vals) == 0) {
		return nil, errs.ErrNotFound.WrapMsg("identity not in directory", "identity", id.Key())
	}
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("directory lookup: "+err.Error(), "identity", id.Key())
	}
	return &model.Contact{Identity: id, DisplayName: vals["name"], Avatar: vals["avatar"]}, nil
}

// Contacts SCAN 本类别的 key 再逐个读 hash；目录规模是员工加活跃客户，量不大
func (d *Redis) Contacts(ctx context.Context, kind model.Kind, query string, limit int) ([]model.Contact, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []model.Contact
	iter := d.rdb.Scan(ctx, 0, d.prefix+string(kind)+":*", 200).Iterator()
	for iter.Next(ctx) {
		id, err := model.ParseIdentityKey(strings.TrimPrefix(iter.Val(), d.prefix))
		if err != nil {
			continue
		}
		c, err := d.Lookup(ctx, id)
		if errs.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if matches(*c, q) {
			out = append(out, *c)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errs.ErrInternal.WrapMsg("directory scan: "+err.Error(), "kind", kind)
	}
	return sortContacts(out, limit), nil
}

// Fallback 先查 primary，未命中再查 secondary
type Fallback struct {
	Primary   Directory
	Secondary Directory
}

func (f Fallback) Lookup(ctx context.Context, id model.Identity) (*model.Contact, error) {
	c, err := f.Primary.Lookup(ctx, id)
	if err == nil || !errs.IsNotFound(err) || f.Secondary == nil {
		return c, err
	}
	return f.Secondary.Lookup(ctx, id)
}

// Remember 只写 secondary，primary 通常由外部同步
func (f Fallback) Remember(ctx context.Context, c model.Contact) error {
	if r, ok := f.Secondary.(Recorder); ok {
		return r.Remember(ctx, c)
	}
	return nil
}

// Contacts 合并两侧结果，同一身份以 primary 为准
func (f Fallback) Contacts(ctx context.Context, kind model.Kind, query string, limit int) ([]model.Contact, error) {
	seen := make(map[model.Identity]struct{})
	var out []model.Contact
	for _, d := range []Directory{f.Primary, f.Secondary} {
		l, ok := d.(Lister)
		if !ok {
			continue
		}
		list, err := l.Contacts(ctx, kind, query, 0)
		if err != nil {
			return nil, err
		}
		for _, c := range list {
			if _, dup := seen[c.Identity]; dup {
				continue
			}
			seen[c.Identity] = struct{}{}
			out = append(out, c)
		}
	}
	return sortContacts(out, limit), nil
}
