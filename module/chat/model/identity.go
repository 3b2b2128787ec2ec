package model

import (
	"strings"

	"VeChat/tools/errs"
)

// Kind 参与者类型：内部员工 / 外部客户
type Kind string

const (
	KindPersonnel Kind = "personnel"
	KindClient    Kind = "client"
)

func (k Kind) Valid() bool { return k == KindPersonnel || k == KindClient }

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", errs.ErrArgs.WrapMsg("unknown identity kind", "kind", s)
	}
	return k, nil
}

// Identity names one chat participant. Key is the only serialization used
// for room names, map keys and storage keys.
type Identity struct {
	ID   string `json:"id" bson:"id"`
	Kind Kind   `json:"kind" bson:"kind"`
}

func NewIdentity(id string, kind Kind) Identity { return Identity{ID: id, Kind: kind} }

func (i Identity) Key() string { return string(i.Kind) + ":" + i.ID }

func (i Identity) String() string { return i.Key() }

func (i Identity) IsZero() bool { return i.ID == "" && i.Kind == "" }

func (i Identity) Valid() bool { return i.ID != "" && i.Kind.Valid() }

// Less 按 (id, kind) 字典序
func (i Identity) Less(o Identity) bool {
	if i.ID != o.ID {
		return i.ID < o.ID
	}
	return i.Kind < o.Kind
}

func ParseIdentityKey(key string) (Identity, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return Identity{}, errs.ErrArgs.WrapMsg("malformed identity key", "key", key)
	}
	k, err := ParseKind(kind)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: id, Kind: k}, nil
}

// Principal 鉴权后的连接主体
type Principal struct {
	Identity
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"`
}

const RoleAdmin = "admin"

func (p Principal) IsAdmin() bool {
	return p.Kind == KindPersonnel && strings.EqualFold(p.Role, RoleAdmin)
}

// Slot 会话中的位置
type Slot int

const (
	SlotNone Slot = iota
	Slot1
	Slot2
)

// Pair is an order-independent participant pair. P1 always sorts before P2.
type Pair struct {
	P1 Identity
	P2 Identity
}

func NewPair(a, b Identity) Pair {
	if b.Less(a) {
		a, b = b, a
	}
	return Pair{P1: a, P2: b}
}

func (p Pair) Key() string { return p.P1.Key() + "|" + p.P2.Key() }

func (p Pair) SlotOf(id Identity) Slot {
	switch id {
	case p.P1:
		return Slot1
	case p.P2:
		return Slot2
	}
	return SlotNone
}

// Other 返回对端；id 不在 pair 中时 ok=false
func (p Pair) Other(id Identity) (Identity, bool) {
	switch id {
	case p.P1:
		return p.P2, true
	case p.P2:
		return p.P1, true
	}
	return Identity{}, false
}
