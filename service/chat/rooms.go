package chat

import (
	"sort"
	"strings"
	"sync"

	"VeChat/module/chat/model"
	"VeChat/tools/errs"
)

// RoomKind 房间类型
type RoomKind string

const (
	RoomPersonal     RoomKind = "personal"     // 每个身份一个，所有设备都在里面
	RoomPresence     RoomKind = "presence"     // 每个身份类别一个，在线状态广播
	RoomConversation RoomKind = "conversation" // 正在查看某个会话的连接
)

// Room 房间名只由类型和值拼出，不做字符串拼接之外的约定
type Room struct {
	Kind  RoomKind
	Value string
}

func PersonalRoom(id model.Identity) Room { return Room{Kind: RoomPersonal, Value: id.Key()} }

func PresenceRoom(kind model.Kind) Room { return Room{Kind: RoomPresence, Value: string(kind)} }

func ConversationRoom(convID string) Room { return Room{Kind: RoomConversation, Value: convID} }

func (r Room) Key() string { return string(r.Kind) + "/" + r.Value }

func (r Room) IsZero() bool { return r.Kind == "" }

func (r Room) String() string { return r.Key() }

func ParseRoomKey(key string) (Room, error) {
	kind, value, ok := strings.Cut(key, "/")
	if !ok || value == "" {
		return Room{}, errs.ErrArgs.WrapMsg("malformed room key", "key", key)
	}
	switch RoomKind(kind) {
	case RoomPersonal, RoomPresence, RoomConversation:
		return Room{Kind: RoomKind(kind), Value: value}, nil
	default:
		return Room{}, errs.ErrArgs.WrapMsg("unknown room kind", "key", key)
	}
}

// RoomManager 房间成员关系，只记录本实例持有的连接
type RoomManager struct {
	mu      sync.RWMutex
	members map[string]map[string]Conn // room key -> connID -> conn
	byConn  map[string]map[string]Room // connID -> room key -> room
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		members: make(map[string]map[string]Conn),
		byConn:  make(map[string]map[string]Room),
	}
}

// Join 幂等
func (m *RoomManager) Join(room Room, c Conn) {
	key := room.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.members[key]
	if set == nil {
		set = make(map[string]Conn)
		m.members[key] = set
	}
	set[c.ID()] = c
	rooms := m.byConn[c.ID()]
	if rooms == nil {
		rooms = make(map[string]Room)
		m.byConn[c.ID()] = rooms
	}
	rooms[key] = room
}

// Leave 幂等；返回是否确实离开
func (m *RoomManager) Leave(room Room, connID string) bool {
	key := room.Key()
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[key]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(m.members, key)
	}
	if rooms := m.byConn[connID]; rooms != nil {
		delete(rooms, key)
		if len(rooms) == 0 {
			delete(m.byConn, connID)
		}
	}
	return true
}

// LeaveAll 连接断开时调用，返回它离开的房间
func (m *RoomManager) LeaveAll(connID string) []Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := m.byConn[connID]
	delete(m.byConn, connID)
	out := make([]Room, 0, len(rooms))
	for key, room := range rooms {
		if set := m.members[key]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(m.members, key)
			}
		}
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Members 快照，调用方可在锁外发送
func (m *RoomManager) Members(room Room) []Conn {
	return m.membersByKey(room.Key())
}

func (m *RoomManager) membersByKey(key string) []Conn {
	m.mu.RLock()
	set := m.members[key]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *RoomManager) IsMember(room Room, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[room.Key()][connID]
	return ok
}

func (m *RoomManager) Rooms(connID string) []Room {
	m.mu.RLock()
	rooms := m.byConn[connID]
	out := make([]Room, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
