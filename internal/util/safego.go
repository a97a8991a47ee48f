package util

import (
	"runtime/debug"
	"sync"

	"github.com/moltbunker/acn/internal/logging"
)

// SafeGo runs fn in a goroutine that recovers and logs panics instead of
// crashing the node.
//
//	util.SafeGo(func() {
//	    // goroutine code here
//	})
func SafeGo(fn func()) {
	SafeGoWithName("", fn)
}

// SafeGoWithName is SafeGo with a name attached to the panic log record.
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverPanic(name)
		fn()
	}()
}

func recoverPanic(name string) {
	if r := recover(); r != nil {
		args := []any{"panic", r, "stack", string(debug.Stack())}
		if name != "" {
			args = append(args, "goroutine", name)
		}
		logging.Error("goroutine panic recovered", args...)
	}
}

// Group tracks panic-safe goroutines so an owner can wait for all of them
// on shutdown. The zero value is ready to use.
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn under the group.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer recoverPanic(name)
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
