package chat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VeChat/module/chat/model"
	"VeChat/tools/security"
)

func newWSTestServer(t *testing.T) (*harness, *httptest.Server, security.Options) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	opts := security.DefaultOptions([]byte("test-secret"))
	ws := NewWSServer(h.hub, security.NewJWTValidator(opts), WithSendQueue(16))

	e := gin.New()
	e.GET("/vechat", ws.HandleWS)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return h, srv, opts
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/vechat" + query
}

func readUntil(t *testing.T, c *websocket.Conn, event string) *Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		f, err := ParseFrame(data)
		require.NoError(t, err)
		if f.Event == event {
			return f
		}
	}
}

func TestHandshakeWithoutTokenIsRejected(t *testing.T) {
	h, srv, _ := newWSTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "?token=garbage"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, RegistryStats{}, h.hub.Registry().Stats())
}

func TestWebsocketRoundTrip(t *testing.T) {
	h, srv, opts := newWSTestServer(t)
	tok, _, err := security.Generate(opts, alice)
	require.NoError(t, err)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+tok)
	c, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), hdr)
	require.NoError(t, err)

	f := readUntil(t, c, OutStateSync)
	assert.Contains(t, string(f.Data), string(model.SyncFull))
	assert.True(t, h.hub.Registry().IsOnline(alice.Identity))

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	readUntil(t, c, OutPong)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"event":"sendMessage","data":{"receiverId":"404","receiverKind":"client","content":"x"}}`)))
	f = readUntil(t, c, OutError)
	assert.Contains(t, string(f.Data), `"code":404`)

	// 出错后连接仍可用
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	readUntil(t, c, OutPong)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return !h.hub.Registry().IsOnline(alice.Identity)
	}, 5*time.Second, 20*time.Millisecond)
}
