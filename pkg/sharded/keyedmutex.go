package sharded

import (
	"slices"
	"sync"
)

// KeyedMutex serializes work per string key using a fixed number of lock
// stripes. Two keys hashing to the same stripe share a lock, which only
// costs parallelism, never correctness.
type KeyedMutex []*sync.Mutex

func NewKeyedMutex(numStripes int) *KeyedMutex {
	if !isPowerOfTwo(numStripes) {
		panic("num stripes must be a power of 2")
	}
	m := make(KeyedMutex, numStripes)
	for i := range numStripes {
		m[i] = &sync.Mutex{}
	}
	return &m
}

// Lock acquires the stripes of all given keys and returns the function that
// releases them. Stripes are taken in ascending order and each one at most
// once, so concurrent callers with overlapping key sets cannot deadlock.
func (m *KeyedMutex) Lock(keys ...string) (unlock func()) {
	stripes := make([]int, 0, len(keys))
	for _, k := range keys {
		stripes = append(stripes, getShardIndex(k, len(*m)))
	}
	slices.Sort(stripes)
	stripes = slices.Compact(stripes)

	for _, i := range stripes {
		(*m)[i].Lock()
	}
	return func() {
		for j := len(stripes) - 1; j >= 0; j-- {
			(*m)[stripes[j]].Unlock()
		}
	}
}
