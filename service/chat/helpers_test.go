package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"VeChat/module/chat/directory"
	"VeChat/module/chat/model"
	"VeChat/module/chat/store"
)

type fakeConn struct {
	id string
	p  model.Principal

	mu     sync.Mutex
	frames []Frame
	closed bool
}

func newFakeConn(id string, p model.Principal) *fakeConn { return &fakeConn{id: id, p: p} }

func (c *fakeConn) ID() string                 { return c.id }
func (c *fakeConn) Principal() model.Principal { return c.p }

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	f, err := ParseFrame(frame)
	if err != nil {
		panic(err)
	}
	c.frames = append(c.frames, *f)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events(name string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []json.RawMessage
	for _, f := range c.frames {
		if f.Event == name {
			out = append(out, f.Data)
		}
	}
	return out
}

func (c *fakeConn) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = f.Event
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// lastOf 取最后一个指定事件并解码
func lastOf[T any](t *testing.T, c *fakeConn, event string) T {
	t.Helper()
	evs := c.events(event)
	require.NotEmpty(t, evs, "conn %s got no %s, saw %v", c.id, event, c.names())
	var v T
	require.NoError(t, json.Unmarshal(evs[len(evs)-1], &v))
	return v
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	alice = model.Principal{Identity: model.NewIdentity("1", model.KindPersonnel), DisplayName: "Alice"}
	bob   = model.Principal{Identity: model.NewIdentity("2", model.KindClient), DisplayName: "Bob"}
	carol = model.Principal{Identity: model.NewIdentity("3", model.KindClient), DisplayName: "Carol"}
	admin = model.Principal{Identity: model.NewIdentity("9", model.KindPersonnel), DisplayName: "Root", Role: model.RoleAdmin}
)

type harness struct {
	hub   *Hub
	st    *store.Memory
	clock *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	dir := directory.NewMemory(
		model.Contact{Identity: alice.Identity, DisplayName: alice.DisplayName},
		model.Contact{Identity: bob.Identity, DisplayName: bob.DisplayName},
		model.Contact{Identity: carol.Identity, DisplayName: carol.DisplayName},
		model.Contact{Identity: admin.Identity, DisplayName: admin.DisplayName},
	)
	hub, err := NewHub(HubConf{Store: st, Presence: st, Directory: dir, Clock: clk.Now})
	require.NoError(t, err)
	return &harness{hub: hub, st: st, clock: clk}
}

func (h *harness) connect(t *testing.T, id string, p model.Principal) *fakeConn {
	t.Helper()
	c := newFakeConn(id, p)
	require.NoError(t, h.hub.Connect(context.Background(), c))
	return c
}

func (h *harness) emit(t *testing.T, c *fakeConn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"event": event, "data": data})
	require.NoError(t, err)
	h.hub.HandleFrame(context.Background(), c, raw)
}

func (h *harness) sendText(t *testing.T, c *fakeConn, to model.Identity, content string) *model.Message {
	t.Helper()
	h.emit(t, c, EvSendMessage, map[string]any{
		"receiverId": to.ID, "receiverKind": string(to.Kind), "content": content,
	})
	require.Empty(t, c.events(OutError), "send failed")
	nm := lastOf[NewMessagePayload](t, c, OutNewMessage)
	require.Equal(t, content, nm.Message.Content)
	return nm.Message
}

func (h *harness) conversation(t *testing.T, a, b model.Identity) *model.Conversation {
	t.Helper()
	conv, err := h.st.FindConversation(context.Background(), model.NewPair(a, b))
	require.NoError(t, err)
	return conv
}
