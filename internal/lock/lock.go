package lock

import (
	"context"
	"slices"
	"sync"
)

// Locker hands out exclusive per-key ownership. The returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

type Noop struct{}

func (Noop) Acquire(_ context.Context, _ string) (func(), error) {
	return func() {}, nil
}

// KeyedMutex is an in-process Locker. Entries are dropped once no caller holds or waits on them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*keyedEntry)
	}
	entry, ok := m.entries[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		m.entries[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-entry.ch
				m.drop(key, entry)
			})
		}, nil
	case <-ctx.Done():
		m.drop(key, entry)
		return nil, ctx.Err()
	}
}

// AcquireAll locks every distinct key in sorted order so overlapping callers cannot deadlock.
func (m *KeyedMutex) AcquireAll(ctx context.Context, keys []string) (func(), error) {
	return acquireAll(ctx, m, keys)
}

func (m *KeyedMutex) drop(key string, entry *keyedEntry) {
	m.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

func acquireAll(ctx context.Context, locker Locker, keys []string) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	releases := make([]func(), 0, len(sorted))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range sorted {
		release, err := locker.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// AcquireAll locks keys on any Locker in sorted order.
func AcquireAll(ctx context.Context, locker Locker, keys []string) (func(), error) {
	return acquireAll(ctx, locker, keys)
}
