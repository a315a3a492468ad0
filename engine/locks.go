package engine

import "sync"

// keyedMutex serializes operations on a single string key while letting
// distinct keys proceed concurrently. Mutexes are created on first use and
// kept for the life of the process; the key space (players x items) is
// small enough that reclamation is not worth the bookkeeping.
type keyedMutex struct {
	m sync.Map // string -> *sync.Mutex
}

// lock acquires the mutex for key and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	v, _ := k.m.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
