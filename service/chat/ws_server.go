package chat

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"VeChat/logger"
	authmw "VeChat/middleware/security"
	"VeChat/service/metrics"
	"VeChat/tools/errs"
	"VeChat/tools/ids"
	"VeChat/tools/safe"
	"VeChat/tools/security"
)

// WSServer GET /vechat
type WSServer struct {
	hub       *Hub
	validator security.Validator
	tokenOpts *authmw.Options
	upgrader  websocket.Upgrader
	sendQueue int
}

type WSOption func(*WSServer)

func WithSendQueue(n int) WSOption { return func(s *WSServer) { s.sendQueue = n } }

func NewWSServer(hub *Hub, v security.Validator, opts ...WSOption) *WSServer {
	s := &WSServer{
		hub:       hub,
		validator: v,
		tokenOpts: authmw.DefaultOptions(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Origin 由 middleware.Origin 校验
		},
		sendQueue: defaultSendQueue,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// HandleWS 先验 token 再升级；失败直接 401，不留任何状态
func (s *WSServer) HandleWS(c *gin.Context) {
	token := authmw.TokenFromRequest(c.Request, s.tokenOpts)
	p, err := s.validator.Validate(token)
	if err != nil {
		metrics.HandshakeRejected.Inc()
		// 只记哈希前缀，便于和身份服务的日志对照
		logger.Infof("[WS] reject handshake from %s token=%s: %v", c.ClientIP(), security.HashToken(token)[:23], err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": errs.Unauthorized, "message": "unauthorized"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，upgrader 已写回响应
		logger.Infof("[WS] upgrade error: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	conn := NewWsConn(ids.GenerateString(), *p, ws, s.sendQueue)
	safe.Go("ws.writePump", conn.writePump)

	if err := s.hub.Connect(c.Request.Context(), conn); err != nil {
		logger.Infof("[WS] connect conn=%s err=%v", conn.ID(), err)
		_ = conn.Close()
		return
	}
	s.readLoop(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.hub.Disconnect(ctx, conn.ID())
	_ = conn.Close()
}

// readLoop 只读不写；出错即退出（写协程收尾）
func (s *WSServer) readLoop(conn *WsConn) {
	ws := conn.ws
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		s.hub.registry.Touch(conn.ID())
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, rerr := ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[WS] peer closed conn=%s err=%v", conn.ID(), rerr)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[WS] read timeout conn=%s err=%v", conn.ID(), rerr)
			} else {
				logger.Infof("[WS] read err conn=%s err=%v", conn.ID(), rerr)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		s.hub.HandleFrame(context.Background(), conn, data)
	}
}
