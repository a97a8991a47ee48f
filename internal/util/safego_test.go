package util

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSafeGo(t *testing.T) {
	var wg sync.WaitGroup
	var executed atomic.Bool

	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		executed.Store(true)
	})
	wg.Wait()

	if !executed.Load() {
		t.Error("SafeGo did not execute the function")
	}
}

func TestSafeGoWithNameAndPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGoWithName("test-panic-goroutine", func() {
		defer close(done)
		panic("test named panic")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("SafeGoWithName did not complete in time after panic")
	}
}

func TestGroupWait(t *testing.T) {
	var g Group
	var counter int32

	for i := 0; i < 50; i++ {
		g.Go("worker", func() {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, 1)
		})
	}
	g.Go("panicky", func() { panic("boom") })
	g.Wait()

	if got := atomic.LoadInt32(&counter); got != 50 {
		t.Errorf("expected 50 completed goroutines, got %d", got)
	}
}
