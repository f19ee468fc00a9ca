// Package syncutil provides small concurrency helpers shared across services.
package syncutil

import "sync"

// KeyMutex provides per-key mutual exclusion. Operations on different keys
// never block each other; operations on the same key serialize.
//
// Mutexes are allocated lazily per key and never reclaimed. Key cardinality
// here is bounded by the number of trades/users a process ever sees, which
// is acceptable for a single-process deployment. Use a bounded scheme if
// that assumption ever breaks.
type KeyMutex struct {
	mus sync.Map // key -> *sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
//
//	unlock := km.Lock(tradeID)
//	defer unlock()
func (k *KeyMutex) Lock(key string) func() {
	v, _ := k.mus.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
