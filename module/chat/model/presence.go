package model

import (
	"strings"
	"time"

	"VeChat/tools/errs"
)

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

func ParsePresenceStatus(s string) (PresenceStatus, error) {
	st := PresenceStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return st, nil
	}
	return "", errs.ErrArgs.WrapMsg("unknown presence status", "status", s)
}

// PresenceRecord 每个 identity 一条，懒创建
type PresenceRecord struct {
	Identity    Identity       `json:"identity"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"lastSeen"`
	ConnectedAt *time.Time     `json:"connectedAt,omitempty"`
}

func (p *PresenceRecord) Online() bool { return p != nil && p.Status != StatusOffline }
