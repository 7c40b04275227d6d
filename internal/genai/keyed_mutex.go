package genai

import (
	"context"
	"sync"
)

// keyedMutex serializes work per key. Entries are reference counted and dropped once the
// last holder or waiter is gone, so idle users cost nothing.
type keyedMutex struct {
	edit  sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	token chan struct{} // holding the single slot means holding the lock
	refs  int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done. On success it returns the function
// releasing the key; on cancellation it returns ctx's error and holds nothing.
func (m *keyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	m.edit.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{token: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.edit.Unlock()

	select {
	case l.token <- struct{}{}:
	case <-ctx.Done():
		m.release(key, l)
		return nil, ctx.Err()
	}
	// select picks randomly when both are ready; a dead waiter must not proceed.
	if err := ctx.Err(); err != nil {
		<-l.token
		m.release(key, l)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.token
			m.release(key, l)
		})
	}, nil
}

func (m *keyedMutex) release(key string, l *keyLock) {
	m.edit.Lock()
	defer m.edit.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// size reports how many keys are currently held or awaited.
func (m *keyedMutex) size() int {
	m.edit.Lock()
	defer m.edit.Unlock()
	return len(m.locks)
}
