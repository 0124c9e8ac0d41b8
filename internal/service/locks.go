package service

import "sync"

// keyedLocks serializes work per batch and rejects overlapping work per item
// within this process. Stores add optimistic versions for writers elsewhere.
type keyedLocks struct {
	mu      sync.Mutex
	batches map[string]*batchLock
	items   map[string]struct{}
}

type batchLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{
		batches: make(map[string]*batchLock),
		items:   make(map[string]struct{}),
	}
}

// lockBatch blocks until the batch is free and returns its unlock func.
func (l *keyedLocks) lockBatch(batchID string) func() {
	l.mu.Lock()
	bl, ok := l.batches[batchID]
	if !ok {
		bl = &batchLock{}
		l.batches[batchID] = bl
	}
	bl.refs++
	l.mu.Unlock()

	bl.mu.Lock()
	return func() {
		bl.mu.Unlock()
		l.mu.Lock()
		bl.refs--
		if bl.refs == 0 {
			delete(l.batches, batchID)
		}
		l.mu.Unlock()
	}
}

// tryItem claims itemID without waiting. ok is false if another operation
// holds it.
func (l *keyedLocks) tryItem(itemID string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.items[itemID]; busy {
		return nil, false
	}
	l.items[itemID] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.items, itemID)
		l.mu.Unlock()
	}, true
}
