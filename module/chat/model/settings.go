package model

import (
	"time"

	"VeChat/tools/errs"
)

const (
	ThemeLight = "light"
	ThemeDark  = "dark"
	ThemeAuto  = "auto"

	FontSmall  = "small"
	FontMedium = "medium"
	FontLarge  = "large"
)

// UserSettings 每个身份一份，首次读取时按默认值生成
type UserSettings struct {
	Identity           Identity          `json:"identity" bson:"identity"`
	EmailNotifications bool              `json:"emailNotifications" bson:"email_notifications"`
	PushNotifications  bool              `json:"pushNotifications" bson:"push_notifications"`
	SoundNotifications bool              `json:"soundNotifications" bson:"sound_notifications"`
	Theme              string            `json:"theme" bson:"theme"`
	FontSize           string            `json:"fontSize" bson:"font_size"`
	ShowOnlineStatus   bool              `json:"showOnlineStatus" bson:"show_online_status"`
	ShowReadReceipts   bool              `json:"showReadReceipts" bson:"show_read_receipts"`
	Custom             map[string]string `json:"customSettings,omitempty" bson:"custom_settings,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt" bson:"updated_at"`
}

func (s *UserSettings) GetTableName() string { return "vechat_user_settings" }

func DefaultSettings(id Identity) *UserSettings {
	return &UserSettings{
		Identity:           id,
		EmailNotifications: true,
		PushNotifications:  true,
		SoundNotifications: true,
		Theme:              ThemeLight,
		FontSize:           FontMedium,
		ShowOnlineStatus:   true,
		ShowReadReceipts:   true,
	}
}

// SettingsPatch 只修改非 nil 字段
type SettingsPatch struct {
	EmailNotifications *bool             `json:"emailNotifications"`
	PushNotifications  *bool             `json:"pushNotifications"`
	SoundNotifications *bool             `json:"soundNotifications"`
	Theme              *string           `json:"theme"`
	FontSize           *string           `json:"fontSize"`
	ShowOnlineStatus   *bool             `json:"showOnlineStatus"`
	ShowReadReceipts   *bool             `json:"showReadReceipts"`
	Custom             map[string]string `json:"customSettings"`
}

func (p *SettingsPatch) Validate() error {
	if p.Theme != nil {
		switch *p.Theme {
		case ThemeLight, ThemeDark, ThemeAuto:
		default:
			return errs.ErrArgs.WrapMsg("invalid theme", "theme", *p.Theme)
		}
	}
	if p.FontSize != nil {
		switch *p.FontSize {
		case FontSmall, FontMedium, FontLarge:
		default:
			return errs.ErrArgs.WrapMsg("invalid font size", "fontSize", *p.FontSize)
		}
	}
	return nil
}

// Apply 返回新的设置；PresenceChanged 表示 ShowOnlineStatus 被翻转
func (p *SettingsPatch) Apply(cur *UserSettings) (next *UserSettings, presenceChanged bool) {
	cp := *cur
	if cur.Custom != nil {
		cp.Custom = make(map[string]string, len(cur.Custom))
		for k, v := range cur.Custom {
			cp.Custom[k] = v
		}
	}
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&cp.EmailNotifications, p.EmailNotifications)
	set(&cp.PushNotifications, p.PushNotifications)
	set(&cp.SoundNotifications, p.SoundNotifications)
	set(&cp.ShowOnlineStatus, p.ShowOnlineStatus)
	set(&cp.ShowReadReceipts, p.ShowReadReceipts)
	if p.Theme != nil {
		cp.Theme = *p.Theme
	}
	if p.FontSize != nil {
		cp.FontSize = *p.FontSize
	}
	if p.Custom != nil {
		if cp.Custom == nil {
			cp.Custom = make(map[string]string, len(p.Custom))
		}
		for k, v := range p.Custom {
			cp.Custom[k] = v
		}
	}
	return &cp, cp.ShowOnlineStatus != cur.ShowOnlineStatus
}
