package chat

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/golang/glog"

	"VeChat/logger"
	"VeChat/service/metrics"
	"VeChat/tools/decode"
	"VeChat/tools/errs"
)

// HandlerFunc 纯处理：读入事件，返回要发出的 effects，不直接写连接
type HandlerFunc func(ctx context.Context, c Conn, data json.RawMessage) ([]Effect, error)

// OrderKeyFunc 返回空串表示不需要串行
type OrderKeyFunc func(ctx context.Context, c Conn, data json.RawMessage) string

// Handler OrderKey 非空时，同 key 的处理与投递串行执行
type Handler struct {
	Event    string
	Fn       HandlerFunc
	OrderKey OrderKeyFunc
}

type Dispatcher struct {
	handlers map[string]Handler
	emitter  *Emitter
	order    *stripedMutex
}

func NewDispatcher(emitter *Emitter) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		emitter:  emitter,
		order:    newStripedMutex(),
	}
}

func (d *Dispatcher) Register(hs ...Handler) {
	for _, h := range hs {
		d.handlers[h.Event] = h
	}
}

func (d *Dispatcher) GetHandler(event string) (Handler, bool) {
	h, ok := d.handlers[event]
	if !ok {
		glog.Infof("no handler for event=%s", event)
	}
	return h, ok
}

// Dispatch 错误只回给发起的连接，连接保持可用
func (d *Dispatcher) Dispatch(ctx context.Context, c Conn, f *Frame) {
	metrics.FramesReceived.WithLabelValues(f.Event).Inc()
	h, ok := d.GetHandler(f.Event)
	if !ok {
		d.fail(ctx, c, f.Event, errs.ErrArgs.WrapMsg("unknown event", "event", f.Event))
		return
	}
	start := time.Now()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(f.Event).Observe(time.Since(start).Seconds())
	}()

	if h.OrderKey != nil {
		if key := h.OrderKey(ctx, c, f.Data); key != "" {
			unlock := d.order.lock(key)
			defer unlock()
		}
	}
	effects, err := d.run(ctx, h, c, f.Data)
	if err != nil {
		d.fail(ctx, c, f.Event, err)
		return
	}
	d.emitter.Emit(ctx, effects...)
}

func (d *Dispatcher) run(ctx context.Context, h Handler, c Conn, data json.RawMessage) (effects []Effect, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[dispatch] panic event=%s conn=%s: %v", h.Event, c.ID(), r)
			effects, err = nil, errs.ErrPanic(r)
		}
	}()
	return h.Fn(ctx, c, data)
}

func (d *Dispatcher) fail(ctx context.Context, c Conn, event string, err error) {
	code := errs.Code(err)
	metrics.HandlerErrors.WithLabelValues(event, strconv.Itoa(code)).Inc()
	if code >= errs.ServerInternalError {
		logger.Errorf("[dispatch] event=%s conn=%s identity=%s err=%+v", event, c.ID(), c.Principal().Key(), err)
	} else {
		logger.Debugf("[dispatch] event=%s conn=%s err=%v", event, c.ID(), err)
	}
	d.emitter.Emit(ctx, ToConn(c.ID(), OutError, errorPayload(event, err)))
}

// bind 把帧的 data 解成具体的请求类型
func bind[T any](data json.RawMessage) (*T, error) {
	v, err := decode.DecodeJSON[T](data)
	if err != nil {
		return nil, errs.ErrArgs.WrapMsg(err.Error())
	}
	return v, nil
}
