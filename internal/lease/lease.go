// Package lease сериализует обработку по ключу: внутри процесса или между экземплярами через Redis.
package lease

import (
	"context"
	"sync"
)

// Locker захватывает аренду ключа. Возвращённую функцию нужно вызвать для освобождения.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

// Local реализует Locker на мьютексах внутри одного процесса.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

// NewLocal создаёт блокировщик для одного процесса.
func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

// Lock ждёт освобождения ключа или отмены контекста.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *Local) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
