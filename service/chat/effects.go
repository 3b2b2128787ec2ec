package chat

import (
	"context"

	"VeChat/logger"
	"VeChat/module/chat/model"
	"VeChat/service/metrics"
)

// Effect 处理器的输出：发给某个房间，或者只发给某条连接
type Effect struct {
	Room    Room
	ConnID  string
	Event   string
	Payload any
}

func ToRoom(room Room, event string, payload any) Effect {
	return Effect{Room: room, Event: event, Payload: payload}
}

func ToIdentity(id model.Identity, event string, payload any) Effect {
	return ToRoom(PersonalRoom(id), event, payload)
}

func ToConn(connID, event string, payload any) Effect {
	return Effect{ConnID: connID, Event: event, Payload: payload}
}

// Bus 跨实例转发房间帧；成员关系不跨实例
type Bus interface {
	Publish(ctx context.Context, room string, frame []byte) error
	Subscribe(deliver func(room string, frame []byte)) error
	Close() error
}

// Emitter 唯一执行投递的地方。按 effects 顺序入队，同一连接的帧保持顺序
type Emitter struct {
	registry *Registry
	rooms    *RoomManager
	bus      Bus
}

func NewEmitter(registry *Registry, rooms *RoomManager, bus Bus) *Emitter {
	return &Emitter{registry: registry, rooms: rooms, bus: bus}
}

func (e *Emitter) Emit(ctx context.Context, effects ...Effect) {
	for _, ef := range effects {
		frame, err := EncodeFrame(ef.Event, ef.Payload)
		if err != nil {
			logger.Errorf("[emit] encode event=%s err=%v", ef.Event, err)
			continue
		}
		if ef.ConnID != "" {
			if c, ok := e.registry.Get(ef.ConnID); ok {
				send(c, frame)
			}
			continue
		}
		if ef.Room.IsZero() {
			continue
		}
		e.deliver(ef.Room.Key(), frame)
		if e.bus != nil {
			if err := e.bus.Publish(ctx, ef.Room.Key(), frame); err != nil {
				logger.Warnf("[emit] relay room=%s event=%s err=%v", ef.Room.Key(), ef.Event, err)
			}
		}
	}
}

// DeliverRemote 其它实例转发过来的帧，只投本地成员
func (e *Emitter) DeliverRemote(room string, frame []byte) {
	if _, err := ParseRoomKey(room); err != nil {
		logger.Warnf("[emit] remote frame for bad room %q dropped", room)
		return
	}
	e.deliver(room, frame)
}

func (e *Emitter) deliver(roomKey string, frame []byte) {
	for _, c := range e.rooms.membersByKey(roomKey) {
		send(c, frame)
	}
}

func send(c Conn, frame []byte) {
	if !c.Send(frame) {
		metrics.FramesDropped.Inc()
		logger.Debugf("[emit] drop frame conn=%s", c.ID())
	}
}
