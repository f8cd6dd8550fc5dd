package service

import (
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ReaderLocks hands out one exclusive slot per physical reader.  Runs are
// keyed by hotel id, since each hotel has a single encoder.
type ReaderLocks struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

func NewReaderLocks() *ReaderLocks {
	return &ReaderLocks{sems: make(map[string]*semaphore.Weighted)}
}

// TryAcquire claims the reader for key without blocking.  The returned
// release func must be called exactly once when ok is true.
func (l *ReaderLocks) TryAcquire(key string) (release func(), ok bool) {
	key = strings.TrimSpace(key)

	l.mu.Lock()
	sem, found := l.sems[key]
	if !found {
		sem = semaphore.NewWeighted(1)
		l.sems[key] = sem
	}
	l.mu.Unlock()

	if !sem.TryAcquire(1) {
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, true
}
