package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryItem_RejectsSecondClaim(t *testing.T) {
	l := newKeyedLocks()

	release, ok := l.tryItem("item-1")
	if !ok {
		t.Fatal("first claim should succeed")
	}
	if _, ok := l.tryItem("item-1"); ok {
		t.Fatal("second claim should fail while the first is held")
	}
	if _, ok := l.tryItem("item-2"); !ok {
		t.Fatal("other items are independent")
	}

	release()
	if _, ok := l.tryItem("item-1"); !ok {
		t.Fatal("claim should succeed after release")
	}
}

func TestLockBatch_Exclusive(t *testing.T) {
	l := newKeyedLocks()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lockBatch("b1")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if len(l.batches) != 0 {
		t.Errorf("expected lock entries to be released, got %d", len(l.batches))
	}
}

func TestLockBatch_DifferentBatchesDoNotBlock(t *testing.T) {
	l := newKeyedLocks()
	unlock := l.lockBatch("b1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := l.lockBatch("b2")
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b2 blocked behind b1")
	}
}
