package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEdges(t *testing.T) {
	r := NewRegistry(RegistryConf{})
	a1 := newFakeConn("a1", alice)
	a2 := newFakeConn("a2", alice)

	assert.True(t, r.Register(a1))
	assert.False(t, r.Register(a2))
	assert.False(t, r.Register(a1), "duplicate register")
	assert.Equal(t, 2, r.Count(alice.Identity))
	assert.Equal(t, RegistryStats{Connections: 2, Identities: 1}, r.Stats())

	_, off, ok := r.Unregister("a1")
	assert.True(t, ok)
	assert.False(t, off)
	c, off, ok := r.Unregister("a2")
	assert.True(t, ok)
	assert.True(t, off)
	assert.Equal(t, "a2", c.ID())

	_, off, ok = r.Unregister("a2")
	assert.False(t, ok)
	assert.False(t, off)
	assert.False(t, r.IsOnline(alice.Identity))
}

func TestRegistryConnectionsAndIdentitiesAreSorted(t *testing.T) {
	clk := &testClock{now: time.Unix(1000, 0)}
	r := NewRegistry(RegistryConf{Clock: clk.Now})
	r.Register(newFakeConn("z", bob))
	clk.Advance(time.Second)
	r.Register(newFakeConn("a", bob))
	r.Register(newFakeConn("x", alice))

	conns := r.Connections(bob.Identity)
	require.Len(t, conns, 2)
	assert.Equal(t, "z", conns[0].ID())
	assert.Equal(t, "a", conns[1].ID())

	online := r.OnlineIdentities()
	require.Len(t, online, 2)
	assert.Equal(t, bob.Identity, online[0]) // client:2 < personnel:1
}

func TestRegistryEvictsOldestOverLimit(t *testing.T) {
	clk := &testClock{now: time.Unix(1000, 0)}
	r := NewRegistry(RegistryConf{MaxPerIdentity: 2, Clock: clk.Now})
	var got []Eviction
	r.OnEvict(func(evs []Eviction) { got = append(got, evs...) })

	first := newFakeConn("c1", bob)
	r.Register(first)
	clk.Advance(time.Second)
	r.Register(newFakeConn("c2", bob))
	clk.Advance(time.Second)
	assert.False(t, r.Register(newFakeConn("c3", bob)))

	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].Conn.ID())
	assert.Equal(t, EvictLimit, got[0].Reason)
	assert.False(t, got[0].WentOffline)
	assert.True(t, first.isClosed())
	assert.Equal(t, 2, r.Count(bob.Identity))

	_, _, ok := r.Unregister("c1")
	assert.False(t, ok)
}

func TestRegistrySweepOnce(t *testing.T) {
	clk := &testClock{now: time.Unix(1000, 0)}
	r := NewRegistry(RegistryConf{StaleAfter: time.Minute, Clock: clk.Now})
	var got []Eviction
	r.OnEvict(func(evs []Eviction) { got = append(got, evs...) })

	idle1 := newFakeConn("b1", bob)
	idle2 := newFakeConn("b2", bob)
	busy := newFakeConn("a1", alice)
	r.Register(idle1)
	r.Register(idle2)
	r.Register(busy)

	clk.Advance(45 * time.Second)
	r.Touch("a1")
	clk.Advance(30 * time.Second)

	assert.Equal(t, 2, r.SweepOnce(clk.Now()))
	require.Len(t, got, 2)
	assert.False(t, got[0].WentOffline)
	assert.True(t, got[1].WentOffline)
	assert.Equal(t, EvictStale, got[1].Reason)
	assert.True(t, idle1.isClosed())
	assert.True(t, idle2.isClosed())
	assert.False(t, busy.isClosed())
	assert.True(t, r.IsOnline(alice.Identity))
	assert.False(t, r.IsOnline(bob.Identity))

	assert.Equal(t, 0, r.SweepOnce(clk.Now()))
}

func TestRegistrySetTimings(t *testing.T) {
	r := NewRegistry(RegistryConf{})
	stale, every := r.Timings()
	assert.Equal(t, 5*time.Minute, stale)
	assert.Equal(t, 10*time.Minute, every)

	r.SetTimings(time.Minute, 0)
	stale, every = r.Timings()
	assert.Equal(t, time.Minute, stale)
	assert.Equal(t, 10*time.Minute, every)
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry(RegistryConf{})
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		onEdge int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Register(newFakeConn(string(rune('A'+i)), carol)) {
				mu.Lock()
				onEdge++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, onEdge)
	assert.Equal(t, 32, r.Count(carol.Identity))
}
