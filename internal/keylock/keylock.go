// Package keylock provides striped per-key mutexes. The engine uses it to
// serialize mutations that target a single user — refresh token rotation
// in particular — where the backing store cannot express the compare-and-
// swap itself.
package keylock

import (
	"hash/fnv"
	"sync"
)

const defaultStripes = 64

// KeyLock maps string keys onto a fixed set of mutexes. Two distinct keys
// may share a stripe; that widens the critical section but never narrows
// it, so correctness only depends on equal keys mapping to the same lock.
type KeyLock struct {
	stripes []sync.Mutex
}

// New creates a KeyLock with the given stripe count; non-positive counts
// fall back to the default of 64.
func New(stripes int) *KeyLock {
	if stripes <= 0 {
		stripes = defaultStripes
	}
	return &KeyLock{stripes: make([]sync.Mutex, stripes)}
}

func (k *KeyLock) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.stripes)))
}

// Lock acquires the stripe owning key.
func (k *KeyLock) Lock(key string) {
	k.stripes[k.index(key)].Lock()
}

// Unlock releases the stripe owning key.
func (k *KeyLock) Unlock(key string) {
	k.stripes[k.index(key)].Unlock()
}
