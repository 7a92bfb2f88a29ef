package services

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const defaultLockStripes = 256

// KeyLocks serializes work per key inside one process. Keys hash onto a
// fixed set of mutexes, so unrelated keys may share a stripe.
type KeyLocks struct {
	stripes []sync.Mutex
}

// NewKeyLocks creates n stripes, 256 when n is not positive
func NewKeyLocks(n int) *KeyLocks {
	if n <= 0 {
		n = defaultLockStripes
	}
	return &KeyLocks{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe of key and returns its unlock function
func (l *KeyLocks) Lock(key string) func() {
	m := &l.stripes[l.stripe(key)]
	m.Lock()
	return m.Unlock
}

func (l *KeyLocks) stripe(key string) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(len(l.stripes)))
}
