package chat

import (
	"context"
	"time"

	"VeChat/logger"
	"VeChat/module/chat/directory"
	"VeChat/module/chat/model"
	"VeChat/module/chat/store"
	"VeChat/tools/errs"
)

// HubConf 组装聊天网关所需的全部协作者
type HubConf struct {
	Store     store.Store
	Presence  store.PresenceStore
	Directory directory.Directory
	Settings  store.SettingsStore // 可选，默认用 Store 自带的实现
	Events    EventLog            // 可选
	Bus       Bus                 // 可选，跨实例转发
	Registry  RegistryConf

	HandlerTimeout time.Duration // 单帧处理超时（默认 10s）
	Clock          func() time.Time
}

// Hub 连接生命周期与入站帧的入口
type Hub struct {
	registry *Registry
	rooms    *RoomManager
	presence *PresenceTracker
	sync     *Synchronizer
	delivery *Delivery
	prefs    *Preferences
	emitter  *Emitter
	disp     *Dispatcher
	bus      Bus
	dir      directory.Directory

	timeout time.Duration
	clock   func() time.Time
	started time.Time
}

func NewHub(conf HubConf) (*Hub, error) {
	if conf.Store == nil || conf.Presence == nil || conf.Directory == nil {
		return nil, errs.ErrArgs.WrapMsg("hub requires store, presence store and directory")
	}
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	if conf.HandlerTimeout <= 0 {
		conf.HandlerTimeout = 10 * time.Second
	}
	if conf.Registry.Clock == nil {
		conf.Registry.Clock = conf.Clock
	}

	h := &Hub{
		registry: NewRegistry(conf.Registry),
		rooms:    NewRoomManager(),
		bus:      conf.Bus,
		dir:      conf.Directory,
		timeout:  conf.HandlerTimeout,
		clock:    conf.Clock,
		started:  conf.Clock(),
	}
	if conf.Settings == nil {
		if ss, ok := conf.Store.(store.SettingsStore); ok {
			conf.Settings = ss
		} else {
			conf.Settings = store.NewMemory()
		}
	}
	h.prefs = NewPreferences(conf.Settings, conf.Clock)
	h.presence = NewPresenceTracker(h.registry, conf.Presence, conf.Clock)
	h.presence.prefs = h.prefs
	h.sync = NewSynchronizer(conf.Store, conf.Directory, h.presence, conf.Events, conf.Clock)
	h.sync.prefs = h.prefs
	h.delivery = NewDelivery(conf.Store, conf.Directory, h.sync, conf.Events, conf.Clock)
	h.emitter = NewEmitter(h.registry, h.rooms, conf.Bus)
	h.disp = NewDispatcher(h.emitter)
	h.disp.Register(handlers{h: h}.all()...)
	h.registry.OnEvict(h.onEvict)
	return h, nil
}

// Start 启动清扫协程并订阅跨实例总线
func (h *Hub) Start() error {
	if h.bus != nil {
		if err := h.bus.Subscribe(h.emitter.DeliverRemote); err != nil {
			return err
		}
	}
	h.registry.Start()
	return nil
}

func (h *Hub) Close() {
	h.registry.Close()
	if h.bus != nil {
		if err := h.bus.Close(); err != nil {
			logger.Warnf("[hub] close bus: %v", err)
		}
	}
}

func (h *Hub) Registry() *Registry         { return h.registry }
func (h *Hub) Rooms() *RoomManager         { return h.rooms }
func (h *Hub) Presence() *PresenceTracker  { return h.presence }
func (h *Hub) Synchronizer() *Synchronizer { return h.sync }
func (h *Hub) Delivery() *Delivery         { return h.delivery }
func (h *Hub) Emitter() *Emitter           { return h.emitter }
func (h *Hub) Preferences() *Preferences   { return h.prefs }

// Connect 已鉴权的连接入表：个人房间 + 本类别 presence 房间，
// 上线边沿广播，然后给这条连接一份 FULL_SYNC 和在线列表
func (h *Hub) Connect(ctx context.Context, c Conn) error {
	p := c.Principal()
	if !p.Valid() {
		return errs.ErrUnauthorized.WrapMsg("invalid principal")
	}
	cameOnline := h.registry.Register(c)
	h.rooms.Join(PersonalRoom(p.Identity), c)
	h.rooms.Join(PresenceRoom(p.Kind), c)
	logger.Infof("[hub] connect conn=%s identity=%s online=%v", c.ID(), p.Key(), cameOnline)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if rec, ok := h.dir.(directory.Recorder); ok && p.DisplayName != "" {
		if err := rec.Remember(ctx, model.Contact{Identity: p.Identity, DisplayName: p.DisplayName}); err != nil {
			logger.Warnf("[hub] remember %s: %v", p.Key(), err)
		}
	}

	effects, err := h.presence.Connected(ctx, p.Identity, cameOnline)
	if err != nil {
		logger.Warnf("[hub] presence online %s: %v", p.Key(), err)
	}
	h.emitter.Emit(ctx, effects...)

	st, err := h.sync.BuildState(ctx, p.Identity, model.SyncFull, model.ReasonConnected, nil)
	if err != nil {
		// 连接照常可用，客户端可以再发 requestStateSync
		logger.Warnf("[hub] full sync %s: %v", p.Key(), err)
		h.emitter.Emit(ctx, ToConn(c.ID(), OutError, errorPayload(EvRequestStateSync, err)))
	} else {
		h.emitter.Emit(ctx, ToConn(c.ID(), OutStateSync, st))
	}

	if users, err := h.presence.OnlineUsers(ctx, p.Identity); err == nil {
		h.emitter.Emit(ctx, ToConn(c.ID(), OutOnlineUsers, OnlineUsersPayload{Users: users}))
	} else {
		logger.Warnf("[hub] online users for %s: %v", p.Key(), err)
	}
	return nil
}

// Disconnect 读循环退出时调用；已被清扫掉的连接再次调用是空操作
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	c, wentOffline, ok := h.registry.Unregister(connID)
	if !ok {
		return
	}
	h.rooms.LeaveAll(connID)
	logger.Infof("[hub] disconnect conn=%s identity=%s offline=%v", connID, c.Principal().Key(), wentOffline)
	h.offline(ctx, c.Principal().Identity, wentOffline)
}

func (h *Hub) onEvict(evs []Eviction) {
	for _, ev := range evs {
		h.rooms.LeaveAll(ev.Conn.ID())
		logger.Infof("[hub] evict conn=%s identity=%s reason=%s", ev.Conn.ID(), ev.Conn.Principal().Key(), ev.Reason)
		h.offline(context.Background(), ev.Conn.Principal().Identity, ev.WentOffline)
	}
}

func (h *Hub) offline(ctx context.Context, id model.Identity, wentOffline bool) {
	if !wentOffline {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	effects, err := h.presence.Disconnected(ctx, id, true)
	if err != nil {
		logger.Warnf("[hub] presence offline %s: %v", id.Key(), err)
		return
	}
	h.emitter.Emit(ctx, effects...)
}

// HandleFrame 同一连接的帧由其读循环顺序调用
func (h *Hub) HandleFrame(ctx context.Context, c Conn, raw []byte) {
	h.registry.Touch(c.ID())
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	f, err := ParseFrame(raw)
	if err != nil {
		h.disp.fail(ctx, c, "", err)
		return
	}
	h.disp.Dispatch(ctx, c, f)
}
