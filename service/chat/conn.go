package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"VeChat/logger"
	"VeChat/module/chat/model"
)

// ---- 常量参数 ----
const (
	pingInterval   = 25 * time.Second
	writeWait      = 10 * time.Second
	firstPingDelay = 5 * time.Second // 首个 ping 延后，避免刚连上即写超时
	pongWait       = 60 * time.Second
	maxFrameSize   = 64 << 10

	defaultSendQueue = 256
)

// WsConn 一条 websocket 连接：读循环在 ServeWS 里，写只在 writePump 里
type WsConn struct {
	id        string
	principal model.Principal
	ws        *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewWsConn(id string, p model.Principal, ws *websocket.Conn, queue int) *WsConn {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	return &WsConn{
		id:        id,
		principal: p,
		ws:        ws,
		send:      make(chan []byte, queue),
		done:      make(chan struct{}),
	}
}

func (c *WsConn) ID() string { return c.id }

func (c *WsConn) Principal() model.Principal { return c.principal }

// Send 非阻塞入队；队列满或已关闭返回 false
func (c *WsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close 幂等；由写协程发 Close 帧并关闭底层连接
func (c *WsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *WsConn) Done() <-chan struct{} { return c.done }

// writePump 业务帧优先，其次首个 ping，再常规 ping；任何写失败都结束连接
func (c *WsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	first := time.NewTimer(firstPingDelay)
	defer func() {
		ticker.Stop()
		first.Stop()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.ws.Close()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			c.drain()
			return
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case <-first.C:
			if !c.ping() {
				return
			}
		case <-ticker.C:
			if !c.ping() {
				return
			}
		}
	}
}

// drain 关闭前把已入队的帧尽量写完
func (c *WsConn) drain() {
	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *WsConn) write(frame []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		logger.Infof("[WS] write err conn=%s identity=%s err=%v", c.id, c.principal.Key(), err)
		return false
	}
	return true
}

func (c *WsConn) ping() bool {
	if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
		logger.Infof("[WS] ping err conn=%s identity=%s err=%v", c.id, c.principal.Key(), err)
		return false
	}
	return true
}
