package chat

import (
	"hash/maphash"
	"sync"
)

// stripeCount 必须是 2 的幂
const stripeCount = 64

// stripedMutex 按 key 分片加锁，同一对参与者的发送串行化，不同对互不影响
type stripedMutex struct {
	seed  maphash.Seed
	locks [stripeCount]sync.Mutex
}

func newStripedMutex() *stripedMutex {
	return &stripedMutex{seed: maphash.MakeSeed()}
}

func (s *stripedMutex) lock(key string) func() {
	m := &s.locks[maphash.String(s.seed, key)&(stripeCount-1)]
	m.Lock()
	return m.Unlock
}
