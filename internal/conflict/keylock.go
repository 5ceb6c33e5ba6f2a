package conflict

import "sync"

// keyLock is a set of mutexes indexed by string. Entries are reference
// counted and removed when the last holder unlocks.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyLockEntry)}
}

// lock blocks until key is free and returns the matching unlock func.
func (k *keyLock) lock(key string) func() {
	k.mu.Lock()

	e, ok := k.locks[key]
	if !ok {
		e = &keyLockEntry{}
		k.locks[key] = e
	}

	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--

		if e.refs == 0 {
			delete(k.locks, key)
		}

		k.mu.Unlock()
	}
}
