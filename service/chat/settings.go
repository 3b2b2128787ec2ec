package chat

import (
	"context"
	"time"

	"VeChat/logger"
	"VeChat/module/chat/model"
	"VeChat/module/chat/store"
	"VeChat/tools/errs"
)

// Preferences 用户设置。nil 的 *Preferences 等同于全部默认值
type Preferences struct {
	store store.SettingsStore
	clock func() time.Time
}

func NewPreferences(st store.SettingsStore, clock func() time.Time) *Preferences {
	if clock == nil {
		clock = time.Now
	}
	return &Preferences{store: st, clock: clock}
}

// Get 从未保存过的身份按默认值生成并落库
func (p *Preferences) Get(ctx context.Context, id model.Identity) (*model.UserSettings, error) {
	st, err := p.store.GetSettings(ctx, id)
	if err == nil {
		return st, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}
	st = model.DefaultSettings(id)
	st.UpdatedAt = p.clock()
	if err := p.store.SaveSettings(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (p *Preferences) Update(ctx context.Context, id model.Identity, patch model.SettingsPatch) (*model.UserSettings, bool, error) {
	if err := patch.Validate(); err != nil {
		return nil, false, err
	}
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	next, presenceChanged := patch.Apply(cur)
	next.UpdatedAt = p.clock()
	if err := p.store.SaveSettings(ctx, next); err != nil {
		return nil, false, err
	}
	return next, presenceChanged, nil
}

// peek 读不到时按默认值处理，不落库
func (p *Preferences) peek(ctx context.Context, id model.Identity) *model.UserSettings {
	if p == nil || p.store == nil {
		return model.DefaultSettings(id)
	}
	st, err := p.store.GetSettings(ctx, id)
	if err != nil {
		if !errs.IsNotFound(err) {
			logger.Warnf("[settings] load %s: %v", id.Key(), err)
		}
		return model.DefaultSettings(id)
	}
	return st
}

// ShowsOnline 关闭后对其他人始终显示为离线
func (p *Preferences) ShowsOnline(ctx context.Context, id model.Identity) bool {
	return p.peek(ctx, id).ShowOnlineStatus
}

// SendsReceipts 关闭后不再给对方推已读回执，已读状态本身照常落库
func (p *Preferences) SendsReceipts(ctx context.Context, id model.Identity) bool {
	return p.peek(ctx, id).ShowReadReceipts
}
