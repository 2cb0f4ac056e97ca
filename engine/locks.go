// ABOUTME: Keyed mutual exclusion so concurrent changes to one deal serialize
// ABOUTME: Exposes a non-blocking acquire and an in-progress flag for gesture-driven callers
package engine

import (
	"context"
	"sync"
)

type keyLock struct {
	sem  chan struct{}
	refs int
}

// Locks hands out one mutex per key. Idle keys are dropped from the map.
type Locks struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

func NewLocks() *Locks {
	return &Locks{keys: make(map[string]*keyLock)}
}

func (l *Locks) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.keys[key]
	if !ok {
		k = &keyLock{sem: make(chan struct{}, 1)}
		l.keys[key] = k
	}
	k.refs++
	return k
}

func (l *Locks) unref(key string, k *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k.refs--
	if k.refs == 0 {
		delete(l.keys, key)
	}
}

func (l *Locks) unlocker(key string, k *keyLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-k.sem
			l.unref(key, k)
		})
	}
}

// Lock waits for key. The returned func releases it and is safe to call twice.
func (l *Locks) Lock(ctx context.Context, key string) (func(), error) {
	k := l.ref(key)
	select {
	case k.sem <- struct{}{}:
		return l.unlocker(key, k), nil
	case <-ctx.Done():
		l.unref(key, k)
		return nil, ctx.Err()
	}
}

// TryLock acquires key only if it is free.
func (l *Locks) TryLock(key string) (func(), bool) {
	k := l.ref(key)
	select {
	case k.sem <- struct{}{}:
		return l.unlocker(key, k), true
	default:
		l.unref(key, k)
		return nil, false
	}
}

// Held reports whether key is currently locked.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.keys[key]
	return ok && len(k.sem) > 0
}
