package natsx

import (
	"context"
	"time"

	"VeChat/logger"
)

// RoomBus 把房间帧广播给其它实例；房间成员关系只保存在本地，
// 每个实例收到后只投递给自己持有的连接
type RoomBus struct {
	cli     *Client
	origin  string
	dedup   *Dedup
	retries int
	backoff time.Duration
}

func NewRoomBus(ctx context.Context, cli *Client, origin string) *RoomBus {
	return &RoomBus{
		cli:     cli,
		origin:  origin,
		dedup:   NewDedup(ctx, 2*time.Minute),
		retries: 2,
		backoff: 50 * time.Millisecond,
	}
}

// Publish 失败按固定间隔重试，ctx 结束即放弃
func (b *RoomBus) Publish(ctx context.Context, room string, frame []byte) error {
	data, err := newRoomFrame(b.origin, room, frame).encode()
	if err != nil {
		return err
	}
	subject := roomSubject(room)
	for i := 0; ; i++ {
		err = b.cli.Publish(ctx, subject, data)
		if err == nil || i >= b.retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.backoff):
		}
	}
}

func (b *RoomBus) Subscribe(deliver func(room string, frame []byte)) error {
	return b.cli.Subscribe(subjectPrefix+">", b.handler(deliver))
}

// handler 自己发出的帧直接丢弃，本地已经投递过
func (b *RoomBus) handler(deliver func(room string, frame []byte)) func(string, []byte) {
	return func(subject string, data []byte) {
		f, err := decodeRoomFrame(data)
		if err != nil {
			logger.Warnf("[nats] drop frame on %s: %v", subject, err)
			return
		}
		if f.Origin == b.origin || b.dedup.Seen(f.ID) {
			return
		}
		deliver(f.Room, f.Frame)
	}
}

func (b *RoomBus) Close() error { return b.cli.Close() }
