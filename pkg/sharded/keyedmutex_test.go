package sharded

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex(16)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("maps/de_dust2.bsp.bz2")
			defer unlock()

			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent holders of one key = %d; want 1", got)
	}
}

func TestKeyedMutex_OverlappingKeySetsDoNotDeadlock(t *testing.T) {
	m := NewKeyedMutex(4)
	done := make(chan struct{})

	go func() {
		var wg sync.WaitGroup
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var unlock func()
				if i%2 == 0 {
					unlock = m.Lock("a", "b", "a")
				} else {
					unlock = m.Lock("b", "a")
				}
				unlock()
			}()
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Lock with overlapping key sets deadlocked")
	}
}

func TestKeyedMutex_NoKeys(t *testing.T) {
	m := NewKeyedMutex(2)
	unlock := m.Lock()
	unlock()
}
