package chat

import (
	"sort"
	"sync"
	"time"

	"VeChat/module/chat/model"
	"VeChat/service/metrics"
	"VeChat/tools/safe"
)

// Conn 一条已鉴权的实时连接。Send 只入队不阻塞，队列满或已关闭返回 false
type Conn interface {
	ID() string
	Principal() model.Principal
	Send(frame []byte) bool
	Close() error
}

// ===== 配置 =====

type RegistryConf struct {
	StaleAfter     time.Duration    // 超过该时长无任何入站活动即视为失联（默认 5m）
	SweepEvery     time.Duration    // 清理周期（默认 10m）
	MaxPerIdentity int              // 每个身份最大连接数（<=0 不限制），超限淘汰最老的一条
	Clock          func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Minute
	}
}

// EvictReason 连接被服务端主动移除的原因
type EvictReason string

const (
	EvictStale EvictReason = "stale"
	EvictLimit EvictReason = "limit"
)

// Eviction 被清理的连接；WentOffline 表示它是该身份的最后一条
type Eviction struct {
	Conn        Conn
	Reason      EvictReason
	WentOffline bool
}

// ===== 数据结构 =====

type entry struct {
	conn         Conn
	identity     model.Identity
	joinedAt     time.Time
	lastActivity time.Time
}

type Registry struct {
	mu         sync.RWMutex
	byConn     map[string]*entry                    // 主索引：connID -> entry
	byIdentity map[model.Identity]map[string]*entry // 辅助索引：identity -> (connID -> entry)

	conf     RegistryConf
	onEvict  func([]Eviction)
	resetCh  chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
}

type RegistryStats struct {
	Connections int `json:"connections"`
	Identities  int `json:"identities"`
}

// ===== 构造/关闭 =====

func NewRegistry(conf RegistryConf) *Registry {
	conf.norm()
	return &Registry{
		byConn:     make(map[string]*entry),
		byIdentity: make(map[model.Identity]map[string]*entry),
		conf:       conf,
		resetCh:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// OnEvict 被清理/挤下线的连接在锁外回调，随后才关闭 socket
func (r *Registry) OnEvict(fn func([]Eviction)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Start 启动后台清理协程
func (r *Registry) Start() { safe.Go("registry.sweeper", r.sweeper) }

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// SetTimings 运行时调整清理参数，<=0 的项保持不变
func (r *Registry) SetTimings(staleAfter, sweepEvery time.Duration) {
	r.mu.Lock()
	if staleAfter > 0 {
		r.conf.StaleAfter = staleAfter
	}
	if sweepEvery > 0 {
		r.conf.SweepEvery = sweepEvery
	}
	r.mu.Unlock()
	select {
	case r.resetCh <- struct{}{}:
	default:
	}
}

func (r *Registry) Timings() (staleAfter, sweepEvery time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conf.StaleAfter, r.conf.SweepEvery
}

// ===== 注册 / 注销 =====

// Register 登记连接；cameOnline 表示该身份从 0 条变为 1 条。
// 超出 MaxPerIdentity 时挤掉最老的连接，通过 OnEvict 回调处理
func (r *Registry) Register(c Conn) (cameOnline bool) {
	now := r.conf.Clock()
	id := c.Principal().Identity

	r.mu.Lock()
	if _, exists := r.byConn[c.ID()]; exists {
		r.mu.Unlock()
		return false
	}
	var evicted []Eviction
	if r.conf.MaxPerIdentity > 0 {
		evicted = r.ensureRoomLocked(id)
	}
	set := r.byIdentity[id]
	if set == nil {
		set = make(map[string]*entry)
		r.byIdentity[id] = set
	}
	cameOnline = len(set) == 0
	e := &entry{conn: c, identity: id, joinedAt: now, lastActivity: now}
	set[c.ID()] = e
	r.byConn[c.ID()] = e
	hook := r.onEvict
	r.gaugesLocked()
	r.mu.Unlock()

	r.evict(hook, evicted)
	return cameOnline
}

// Unregister 幂等：重复调用返回 ok=false。wentOffline 表示移除的是该身份最后一条连接
func (r *Registry) Unregister(connID string) (c Conn, wentOffline bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byConn[connID]
	if !ok {
		return nil, false, false
	}
	wentOffline = r.removeLocked(e)
	r.gaugesLocked()
	return e.conn, wentOffline, true
}

// 需要在持锁状态下调用（*Locked）
func (r *Registry) removeLocked(e *entry) (wentOffline bool) {
	delete(r.byConn, e.conn.ID())
	set := r.byIdentity[e.identity]
	delete(set, e.conn.ID())
	if len(set) == 0 {
		delete(r.byIdentity, e.identity)
		return true
	}
	return false
}

func (r *Registry) ensureRoomLocked(id model.Identity) []Eviction {
	set := r.byIdentity[id]
	var out []Eviction
	for len(set) >= r.conf.MaxPerIdentity {
		// 选择最老的一条淘汰（joinedAt 更早）
		var oldest *entry
		for _, e := range set {
			if oldest == nil || e.joinedAt.Before(oldest.joinedAt) ||
				(e.joinedAt.Equal(oldest.joinedAt) && e.conn.ID() < oldest.conn.ID()) {
				oldest = e
			}
		}
		// 新连接马上补位，身份不会掉线
		r.removeLocked(oldest)
		out = append(out, Eviction{Conn: oldest.conn, Reason: EvictLimit})
	}
	return out
}

// Touch 任何入站活动（帧、pong）都刷新最后活动时间
func (r *Registry) Touch(connID string) {
	now := r.conf.Clock()
	r.mu.Lock()
	if e, ok := r.byConn[connID]; ok {
		e.lastActivity = now
	}
	r.mu.Unlock()
}

// ===== 查询 =====

func (r *Registry) Get(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Connections 该身份的全部连接，按接入先后
func (r *Registry) Connections(id model.Identity) []Conn {
	r.mu.RLock()
	set := r.byIdentity[id]
	list := make([]*entry, 0, len(set))
	for _, e := range set {
		list = append(list, e)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].joinedAt.Before(list[j].joinedAt) })
	out := make([]Conn, len(list))
	for i, e := range list {
		out[i] = e.conn
	}
	return out
}

func (r *Registry) Count(id model.Identity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[id])
}

func (r *Registry) IsOnline(id model.Identity) bool { return r.Count(id) > 0 }

// OnlineIdentities 按 key 排序，输出稳定
func (r *Registry) OnlineIdentities() []model.Identity {
	r.mu.RLock()
	out := make([]model.Identity, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{Connections: len(r.byConn), Identities: len(r.byIdentity)}
}

func (r *Registry) gaugesLocked() {
	metrics.Connections.Set(float64(len(r.byConn)))
	metrics.OnlineIdentities.Set(float64(len(r.byIdentity)))
}

// ===== 清理协程 =====

func (r *Registry) sweeper() {
	_, every := r.Timings()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.resetCh:
			_, every = r.Timings()
			t.Reset(every)
		case <-t.C:
			r.SweepOnce(r.conf.Clock())
		}
	}
}

// SweepOnce 移除 now 之前 StaleAfter 内无活动的连接，返回被移除的数量
func (r *Registry) SweepOnce(now time.Time) int {
	r.mu.Lock()
	var stale []*entry
	for _, e := range r.byConn {
		if now.Sub(e.lastActivity) > r.conf.StaleAfter {
			stale = append(stale, e)
		}
	}
	// 按接入先后处理，同一身份最后移除的那条才算下线
	sort.Slice(stale, func(i, j int) bool { return stale[i].joinedAt.Before(stale[j].joinedAt) })
	evicted := make([]Eviction, 0, len(stale))
	for _, e := range stale {
		evicted = append(evicted, Eviction{Conn: e.conn, Reason: EvictStale, WentOffline: r.removeLocked(e)})
	}
	hook := r.onEvict
	r.gaugesLocked()
	r.mu.Unlock()

	// 收集后统一处理，避免持锁期间关闭 socket
	r.evict(hook, evicted)
	return len(evicted)
}

func (r *Registry) evict(hook func([]Eviction), evicted []Eviction) {
	if len(evicted) == 0 {
		return
	}
	if hook != nil {
		hook(evicted)
	}
	for _, ev := range evicted {
		metrics.SweptConnections.WithLabelValues(string(ev.Reason)).Inc()
		_ = ev.Conn.Close()
	}
}
