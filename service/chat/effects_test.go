package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VeChat/tools/errs"
)

type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	deliver   func(room string, frame []byte)
}

func (b *recordingBus) Publish(_ context.Context, room string, frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[room] = append(b.published[room], frame)
	return nil
}

func (b *recordingBus) Subscribe(deliver func(room string, frame []byte)) error {
	b.deliver = deliver
	return nil
}

func (b *recordingBus) Close() error { return nil }

func TestEmitterRoutesEffects(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	rooms := NewRoomManager()
	bus := &recordingBus{}
	em := NewEmitter(reg, rooms, bus)

	b1 := newFakeConn("b1", bob)
	b2 := newFakeConn("b2", bob)
	stranger := newFakeConn("x", carol)
	for _, c := range []*fakeConn{b1, b2, stranger} {
		reg.Register(c)
		rooms.Join(PersonalRoom(c.Principal().Identity), c)
	}

	em.Emit(context.Background(),
		ToIdentity(bob.Identity, OutPong, PongPayload{}),
		ToConn("b2", OutError, ErrorPayload{Message: "x", Code: 400}),
		ToConn("gone", OutError, ErrorPayload{}),
	)
	assert.Equal(t, []string{OutPong}, b1.names())
	assert.Equal(t, []string{OutPong, OutError}, b2.names())
	assert.Empty(t, stranger.names())

	require.Len(t, bus.published[PersonalRoom(bob.Identity).Key()], 1, "room effects are relayed")
	assert.Len(t, bus.published, 1, "connection effects stay local")
}

func TestEmitterDeliverRemote(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	rooms := NewRoomManager()
	em := NewEmitter(reg, rooms, nil)
	b := newFakeConn("b1", bob)
	reg.Register(b)
	rooms.Join(PresenceRoom(bob.Kind), b)

	frame, err := EncodeFrame(OutUserOnlineStatus, StatusPayload{ID: "7"})
	require.NoError(t, err)
	em.DeliverRemote(PresenceRoom(bob.Kind).Key(), frame)
	em.DeliverRemote("garbage", frame)
	assert.Equal(t, []string{OutUserOnlineStatus}, b.names())
}

func TestDroppedFrameWhenConnClosed(t *testing.T) {
	reg := NewRegistry(RegistryConf{})
	rooms := NewRoomManager()
	em := NewEmitter(reg, rooms, nil)
	b := newFakeConn("b1", bob)
	rooms.Join(PersonalRoom(bob.Identity), b)
	_ = b.Close()

	em.Emit(context.Background(), ToIdentity(bob.Identity, OutPong, PongPayload{}))
	assert.Empty(t, b.names())
}

func TestErrorPayloadHidesInternalDetail(t *testing.T) {
	p := errorPayload(EvSendMessage, errs.ErrNotFound.WrapMsg("receiver not found"))
	assert.Equal(t, errs.NotFound, p.Code)
	assert.Equal(t, "receiver not found", p.Message)
	assert.Equal(t, EvSendMessage, p.Event)

	p = errorPayload("", errs.ErrInternal.WrapMsg("mongo: connection refused"))
	assert.Equal(t, "internal error", p.Message)

	p = errorPayload("", errors.New("plain"))
	assert.Equal(t, errs.ServerInternalError, p.Code)

	p = errorPayload("", errs.ErrForbidden.Wrap())
	assert.Equal(t, "Forbidden", p.Message)
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame([]byte(`{"event":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, EvPing, f.Event)

	_, err = ParseFrame([]byte(`{"data":{}}`))
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
	_, err = ParseFrame([]byte(`[1,2]`))
	assert.Equal(t, errs.InvalidArgument, errs.Code(err))
}
